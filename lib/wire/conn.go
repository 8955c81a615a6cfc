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
	"time"

	"github.com/bureau-foundation/buildagent/lib/codec"
)

// ErrDisconnected is wrapped by every error caused by the connection
// going away, including calls that were in flight when it did.
var ErrDisconnected = errors.New("wire: disconnected")

// RemoteError is returned by Call when the remote handler failed. The
// connection is still usable.
type RemoteError struct {
	Message Message
	Text    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error on %s: %s", e.Message, e.Text)
}

// HandlerFunc serves one incoming request or notification. The
// returned value is CBOR-encoded as the response payload; a nil value
// sends an empty payload. For notifications the result is discarded.
type HandlerFunc func(ctx context.Context, conn *Conn, payload []byte) (any, error)

// ConnOptions configures a Conn.
type ConnOptions struct {
	// CallTimeout bounds each Call whose context has no deadline.
	// Zero means wait until the response or disconnect.
	CallTimeout time.Duration

	// WriteTimeout bounds each frame write. Zero means no deadline.
	WriteTimeout time.Duration

	// Handlers serve requests initiated by the remote side. Nil
	// means incoming requests are answered with an error.
	Handlers *Registry

	Logger *slog.Logger
}

// Conn is one framed connection. Safe for concurrent use.
type Conn struct {
	netConn      net.Conn
	handlers     *Registry
	callTimeout  time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger

	// ctx is cancelled on disconnect; handler goroutines use it.
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu              sync.Mutex
	nextID          uint32
	pending         map[uint32]chan frame
	closed          bool
	closeErr        error
	disconnectHooks []func(error)
	failureHooks    []func(Message, error)

	done     chan struct{}
	handling sync.WaitGroup
}

// NewConn wraps netConn and starts its reader goroutine.
func NewConn(netConn net.Conn, options ConnOptions) *Conn {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		netConn:      netConn,
		handlers:     options.Handlers,
		callTimeout:  options.CallTimeout,
		writeTimeout: options.WriteTimeout,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		pending:      make(map[uint32]chan frame),
		done:         make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Dial connects to a TCP or Unix address. Addresses beginning with
// "unix:" or "/" are Unix sockets.
func Dial(ctx context.Context, address string, options ConnOptions) (*Conn, error) {
	network, target := splitAddress(address)
	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, network, target)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", address, err)
	}
	return NewConn(netConn, options), nil
}

func splitAddress(address string) (network, target string) {
	switch {
	case len(address) > 5 && address[:5] == "unix:":
		return "unix", address[5:]
	case len(address) > 0 && address[0] == '/':
		return "unix", address
	default:
		return "tcp", address
	}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.netConn.RemoteAddr()
}

// Call sends request as message and decodes the response into
// response (which may be nil to discard it). It blocks until the
// response arrives, the connection fails, or ctx ends.
func (c *Conn) Call(ctx context.Context, message Message, request, response any) error {
	payload, err := encodePayload(request)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", message, err)
	}
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%s: %w (%d bytes)", message, ErrPayloadTooLarge, len(payload))
	}
	if c.callTimeout > 0 {
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
			defer cancel()
		}
	}

	requestID, responses, err := c.register()
	if err != nil {
		c.sendFailed(message, err)
		return err
	}

	if err := c.write(frame{requestID: requestID, message: message.key(), payload: payload}); err != nil {
		c.unregister(requestID)
		c.sendFailed(message, err)
		return err
	}

	select {
	case reply, ok := <-responses:
		if !ok {
			err := c.disconnectError()
			c.sendFailed(message, err)
			return err
		}
		if reply.flags&flagError != 0 {
			return &RemoteError{Message: message, Text: string(reply.payload)}
		}
		if response != nil && len(reply.payload) > 0 {
			if err := codec.Unmarshal(reply.payload, response); err != nil {
				return fmt.Errorf("decoding %s response: %w", message, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.unregister(requestID)
		err := fmt.Errorf("waiting for %s response: %w", message, ctx.Err())
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.sendFailed(message, err)
		}
		return err
	}
}

// Notify sends a fire-and-forget message.
func (c *Conn) Notify(message Message, request any) error {
	payload, err := encodePayload(request)
	if err != nil {
		return fmt.Errorf("encoding %s notification: %w", message, err)
	}
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%s: %w (%d bytes)", message, ErrPayloadTooLarge, len(payload))
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		err := c.disconnectError()
		c.sendFailed(message, err)
		return err
	}
	if err := c.write(frame{message: message.key(), payload: payload}); err != nil {
		c.sendFailed(message, err)
		return err
	}
	return nil
}

// OnDisconnect registers fn to run once when the connection closes.
// If it is already closed, fn runs immediately.
func (c *Conn) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		fn(err)
		return
	}
	c.disconnectHooks = append(c.disconnectHooks, fn)
	c.mu.Unlock()
}

// OnSendFailure registers fn to run after every Call or Notify that
// failed at the transport level.
func (c *Conn) OnSendFailure(fn func(Message, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureHooks = append(c.failureHooks, fn)
}

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection closed, or nil while open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close shuts the connection down, failing in-flight calls, and waits
// for the reader and any running handlers to finish. Must not be
// called from a handler of the same connection.
func (c *Conn) Close() error {
	err := c.netConn.Close()
	<-c.done
	c.handling.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Conn) register() (uint32, chan frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, nil, fmt.Errorf("%w: %v", ErrDisconnected, c.closeErr)
	}
	c.nextID++
	if c.nextID == 0 {
		c.nextID = 1
	}
	responses := make(chan frame, 1)
	c.pending[c.nextID] = responses
	return c.nextID, responses, nil
}

func (c *Conn) unregister(requestID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, requestID)
}

func (c *Conn) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.netConn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := writeFrame(c.netConn, f); err != nil {
		if errors.Is(err, ErrPayloadTooLarge) {
			return err
		}
		// A partial frame desynchronizes the stream.
		c.netConn.Close()
		return fmt.Errorf("%w: writing frame: %v", ErrDisconnected, err)
	}
	return nil
}

func (c *Conn) sendFailed(message Message, err error) {
	c.mu.Lock()
	hooks := append([]func(Message, error){}, c.failureHooks...)
	c.mu.Unlock()
	for _, hook := range hooks {
		hook(message, err)
	}
}

func (c *Conn) disconnectError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Errorf("%w: %v", ErrDisconnected, c.closeErr)
}

func (c *Conn) readLoop() {
	var readErr error
	for {
		f, err := readFrame(c.netConn)
		if err != nil {
			readErr = err
			break
		}
		if f.flags&flagResponse != 0 {
			c.deliver(f)
			continue
		}
		c.dispatch(f)
	}
	c.shutdown(readErr)
}

func (c *Conn) deliver(f frame) {
	c.mu.Lock()
	responses, ok := c.pending[f.requestID]
	delete(c.pending, f.requestID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("dropping response for unknown request", "request_id", f.requestID)
		return
	}
	responses <- f
}

func (c *Conn) dispatch(f frame) {
	var handler HandlerFunc
	var message Message
	if c.handlers != nil {
		handler, message = c.handlers.lookup(f.message)
	}
	if handler == nil {
		if f.requestID != 0 {
			c.reply(f, nil, fmt.Errorf("no handler for service %d type %d", f.message.service, f.message.messageType))
		}
		return
	}
	c.handling.Add(1)
	go func() {
		defer c.handling.Done()
		result, err := handler(c.ctx, c, f.payload)
		if f.requestID == 0 {
			if err != nil {
				c.logger.Debug("notification handler failed", "message", message.String(), "error", err)
			}
			return
		}
		c.reply(f, result, err)
	}()
}

func (c *Conn) reply(request frame, result any, handlerErr error) {
	response := frame{
		requestID: request.requestID,
		message:   request.message,
		flags:     flagResponse,
	}
	if handlerErr != nil {
		response.flags |= flagError
		response.payload = []byte(handlerErr.Error())
	} else {
		payload, err := encodePayload(result)
		if err == nil && len(payload) > MaxPayloadSize {
			err = fmt.Errorf("%w: %d byte response", ErrPayloadTooLarge, len(payload))
		}
		if err != nil {
			response.flags |= flagError
			response.payload = []byte(fmt.Sprintf("internal: encoding response: %v", err))
		} else {
			response.payload = payload
		}
	}
	if err := c.write(response); err != nil {
		c.logger.Debug("writing response failed", "request_id", request.requestID, "error", err)
	}
}

func (c *Conn) shutdown(cause error) {
	c.mu.Lock()
	c.closed = true
	c.closeErr = cause
	pending := c.pending
	c.pending = make(map[uint32]chan frame)
	hooks := c.disconnectHooks
	c.disconnectHooks = nil
	c.mu.Unlock()

	if IsExpectedClose(cause) {
		c.logger.Debug("connection closed", "remote", c.netConn.RemoteAddr().String())
	} else {
		c.logger.Warn("connection failed", "remote", c.netConn.RemoteAddr().String(), "error", cause)
	}
	c.cancel()
	c.netConn.Close()
	for _, responses := range pending {
		close(responses)
	}
	close(c.done)
	for _, hook := range hooks {
		hook(cause)
	}
}

func encodePayload(value any) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	return codec.Marshal(value)
}
