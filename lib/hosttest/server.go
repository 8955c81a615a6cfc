// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hosttest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/bureau-foundation/buildagent/lib/cas"
	"github.com/bureau-foundation/buildagent/lib/codec"
	"github.com/bureau-foundation/buildagent/lib/protocol"
	"github.com/bureau-foundation/buildagent/lib/wire"
)

// handle registers a typed handler: the payload is decoded into a
// Request and the handler's result is the response.
func handle[Request any](server *wire.Server, message wire.Message, handler func(ctx context.Context, request Request) (any, error)) {
	server.Handle(message, func(ctx context.Context, _ *wire.Conn, payload []byte) (any, error) {
		var request Request
		if len(payload) > 0 {
			if err := codec.Unmarshal(payload, &request); err != nil {
				return nil, fmt.Errorf("decoding %s: %w", message, err)
			}
		}
		return handler(ctx, request)
	})
}

type upload struct {
	size int64
	data []byte
}

// Register installs handlers for every protocol message on server.
func (c *Coordinator) Register(server *wire.Server) {
	var uploadsMu sync.Mutex
	uploads := make(map[cas.Key]*upload)

	handle(server, protocol.Connect, func(ctx context.Context, request protocol.ConnectRequest) (any, error) {
		return c.Connect(request), nil
	})
	handle(server, protocol.Ping, func(ctx context.Context, request protocol.PingRequest) (any, error) {
		c.mu.Lock()
		c.countLocked("Ping")
		c.mu.Unlock()
		return protocol.PingResponse{SentUnixNano: request.SentUnixNano}, nil
	})
	handle(server, protocol.Disconnect, func(ctx context.Context, request protocol.DisconnectNotice) (any, error) {
		c.mu.Lock()
		c.countLocked("Disconnect")
		c.mu.Unlock()
		return nil, nil
	})

	handle(server, protocol.FetchBegin, func(ctx context.Context, request protocol.FetchBeginRequest) (any, error) {
		data, ok := c.blob(request.Key)
		if !ok {
			return protocol.FetchBeginResponse{}, nil
		}
		end := min(len(data), protocol.SegmentSize)
		return protocol.FetchBeginResponse{Found: true, Size: int64(len(data)), Data: data[:end]}, nil
	})
	handle(server, protocol.FetchSegment, func(ctx context.Context, request protocol.FetchSegmentRequest) (any, error) {
		data, ok := c.blob(request.Key)
		if !ok || request.Offset < 0 || request.Offset > int64(len(data)) {
			return nil, fmt.Errorf("no segment at %d of %s", request.Offset, request.Key)
		}
		end := min(int64(len(data)), request.Offset+protocol.SegmentSize)
		return protocol.FetchSegmentResponse{Offset: request.Offset, Data: data[request.Offset:end]}, nil
	})
	handle(server, protocol.StoreBegin, func(ctx context.Context, request protocol.StoreBeginRequest) (any, error) {
		if _, ok := c.Stored(request.Key); ok {
			return protocol.StoreBeginResponse{AlreadyPresent: true}, nil
		}
		if int64(len(request.Data)) == request.Size {
			return protocol.StoreBeginResponse{}, c.StoreCasFile(ctx, request.Key, request.Data)
		}
		uploadsMu.Lock()
		defer uploadsMu.Unlock()
		uploads[request.Key] = &upload{size: request.Size, data: append([]byte(nil), request.Data...)}
		return protocol.StoreBeginResponse{}, nil
	})
	handle(server, protocol.StoreSegment, func(ctx context.Context, request protocol.StoreSegmentRequest) (any, error) {
		uploadsMu.Lock()
		pending, ok := uploads[request.Key]
		if !ok || request.Offset != int64(len(pending.data)) {
			uploadsMu.Unlock()
			return nil, fmt.Errorf("unexpected segment at %d of %s", request.Offset, request.Key)
		}
		pending.data = append(pending.data, request.Data...)
		complete := int64(len(pending.data)) >= pending.size
		if complete {
			delete(uploads, request.Key)
		}
		uploadsMu.Unlock()
		if !complete {
			return protocol.StoreSegmentResponse{}, nil
		}
		return protocol.StoreSegmentResponse{Complete: true}, c.StoreCasFile(ctx, request.Key, pending.data)
	})
	handle(server, protocol.ReportBadCasFile, func(ctx context.Context, request protocol.BadCasFileNotice) (any, error) {
		return nil, c.ReportBadCasFile(ctx, request.Key)
	})

	handle(server, protocol.GetApplication, func(ctx context.Context, request protocol.GetApplicationRequest) (any, error) {
		return c.GetApplication(ctx, request)
	})
	handle(server, protocol.GetFileFromServer, func(ctx context.Context, request protocol.GetFileRequest) (any, error) {
		return c.GetFile(ctx, request.Path)
	})
	handle(server, protocol.GetDirectoryEntries, func(ctx context.Context, request protocol.GetDirectoryEntriesRequest) (any, error) {
		return c.DirectoryChunk(request.Offset), nil
	})
	handle(server, protocol.GetNameToHash, func(ctx context.Context, request protocol.GetNameToHashRequest) (any, error) {
		record, err := c.GetNameToHash(ctx, request.Path, request.PathKey)
		if err != nil {
			return nil, err
		}
		return protocol.GetNameToHashResponse{Key: record.Key, Timestamp: record.Timestamp}, nil
	})
	handle(server, protocol.GetNameToHashTable, func(ctx context.Context, request protocol.GetNameToHashTableRequest) (any, error) {
		c.mu.Lock()
		block, reached := c.nameBlock, c.nameReached
		c.mu.Unlock()
		if block != nil {
			select {
			case reached <- struct{}{}:
			default:
			}
			select {
			case <-block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return c.NameTableChunk(request.Offset), nil
	})
	handle(server, protocol.ProcessAvailable, func(ctx context.Context, request protocol.ProcessAvailableRequest) (any, error) {
		return c.ProcessAvailable(request), nil
	})
	handle(server, protocol.ProcessFinished, func(ctx context.Context, request protocol.ProcessFinishedRequest) (any, error) {
		c.ProcessFinished(request)
		return nil, nil
	})
	handle(server, protocol.ProcessReturned, func(ctx context.Context, request protocol.ProcessReturnedRequest) (any, error) {
		c.ProcessReturned(request)
		return nil, nil
	})
	handle(server, protocol.FileMutation, func(ctx context.Context, request protocol.FileMutationRequest) (any, error) {
		return c.FileMutation(ctx, request)
	})
	handle(server, protocol.ListDirectory, func(ctx context.Context, request protocol.ListDirectoryRequest) (any, error) {
		return c.ListDirectory(ctx, request.Path)
	})
	handle(server, protocol.Log, func(ctx context.Context, request protocol.LogNotice) (any, error) {
		c.Log(request)
		return nil, nil
	})
	handle(server, protocol.Summary, func(ctx context.Context, request protocol.SummaryNotice) (any, error) {
		c.Summary(request)
		return nil, nil
	})
}

// Listen serves the coordinator on a loopback TCP port until the
// test ends and returns the address.
func (c *Coordinator) Listen(t testing.TB) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	server := wire.NewServer(nil)
	c.Register(server)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, listener) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil && !errors.Is(err, net.ErrClosed) {
			t.Errorf("coordinator server: %v", err)
		}
	})
	return listener.Addr().String()
}
