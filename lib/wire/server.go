// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// Registry maps Messages to handlers. Register everything before the
// registry is attached to a live connection.
type Registry struct {
	handlers map[messageKey]registered
}

type registered struct {
	message Message
	handler HandlerFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[messageKey]registered)}
}

// Handle registers handler for message. Panics on a duplicate
// registration.
func (r *Registry) Handle(message Message, handler HandlerFunc) {
	if _, exists := r.handlers[message.key()]; exists {
		panic(fmt.Sprintf("wire.Registry: duplicate handler for %s", message))
	}
	r.handlers[message.key()] = registered{message: message, handler: handler}
}

func (r *Registry) lookup(key messageKey) (HandlerFunc, Message) {
	entry, ok := r.handlers[key]
	if !ok {
		return nil, Message{}
	}
	return entry.handler, entry.message
}

// Server accepts connections and serves registered handlers on each.
type Server struct {
	registry *Registry
	logger   *slog.Logger

	// OnConnect, if set, runs for each accepted connection.
	OnConnect func(*Conn)

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// NewServer returns a server with an empty handler registry.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		registry: NewRegistry(),
		logger:   logger,
		conns:    make(map[*Conn]struct{}),
	}
}

// Handle registers a handler. Panics on duplicates; call before Serve.
func (s *Server) Handle(message Message, handler HandlerFunc) {
	s.registry.Handle(message, handler)
}

// Serve accepts connections on listener until ctx is cancelled, then
// closes the listener and every open connection and waits for their
// handlers to finish.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("wire server listening", "address", listener.Addr().String())

	var connections sync.WaitGroup
	for {
		netConn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		conn := NewConn(netConn, ConnOptions{Handlers: s.registry, Logger: s.logger})
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		if s.OnConnect != nil {
			s.OnConnect(conn)
		}

		connections.Add(1)
		go func() {
			defer connections.Done()
			<-conn.Done()
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}

	s.mu.Lock()
	open := make([]*Conn, 0, len(s.conns))
	for conn := range s.conns {
		open = append(open, conn)
	}
	s.mu.Unlock()
	for _, conn := range open {
		conn.Close()
	}
	connections.Wait()
	return nil
}
