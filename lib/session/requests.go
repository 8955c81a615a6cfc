// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/buildagent/lib/cas"
	"github.com/bureau-foundation/buildagent/lib/dirtable"
	"github.com/bureau-foundation/buildagent/lib/executor"
	"github.com/bureau-foundation/buildagent/lib/governor"
	"github.com/bureau-foundation/buildagent/lib/protocol"
	"golang.org/x/sync/errgroup"
)

var (
	_ executor.Host    = (*Client)(nil)
	_ cas.NameResolver = (*Client)(nil)
	_ governor.Session = (*Client)(nil)
)

func (c *Client) GetApplication(ctx context.Context, request protocol.GetApplicationRequest) (protocol.GetApplicationResponse, error) {
	var response protocol.GetApplicationResponse
	err := c.conn.Call(ctx, protocol.GetApplication, request, &response)
	return response, err
}

func (c *Client) GetFile(ctx context.Context, path string) (protocol.GetFileResponse, error) {
	var response protocol.GetFileResponse
	err := c.conn.Call(ctx, protocol.GetFileFromServer, protocol.GetFileRequest{Path: path}, &response)
	return response, err
}

func (c *Client) FileMutation(ctx context.Context, request protocol.FileMutationRequest) (protocol.FileMutationResponse, error) {
	var response protocol.FileMutationResponse
	err := c.conn.Call(ctx, protocol.FileMutation, request, &response)
	return response, err
}

func (c *Client) ListDirectory(ctx context.Context, path string) (protocol.ListDirectoryResponse, error) {
	var response protocol.ListDirectoryResponse
	err := c.conn.Call(ctx, protocol.ListDirectory, protocol.ListDirectoryRequest{Path: path}, &response)
	return response, err
}

func (c *Client) GetNameToHash(ctx context.Context, path string, pathKey cas.StringKey) (cas.NameRecord, error) {
	var response protocol.GetNameToHashResponse
	request := protocol.GetNameToHashRequest{Path: path, PathKey: pathKey}
	if err := c.conn.Call(ctx, protocol.GetNameToHash, request, &response); err != nil {
		return cas.NameRecord{}, err
	}
	return cas.NameRecord{Path: pathKey, Key: response.Key, Timestamp: response.Timestamp}, nil
}

func (c *Client) ProcessAvailable(ctx context.Context, request protocol.ProcessAvailableRequest) (protocol.ProcessAvailableResponse, error) {
	var response protocol.ProcessAvailableResponse
	err := c.conn.Call(ctx, protocol.ProcessAvailable, request, &response)
	return response, err
}

func (c *Client) ProcessFinished(ctx context.Context, request protocol.ProcessFinishedRequest) error {
	return c.conn.Call(ctx, protocol.ProcessFinished, request, nil)
}

func (c *Client) ProcessReturned(ctx context.Context, request protocol.ProcessReturnedRequest) error {
	return c.conn.Call(ctx, protocol.ProcessReturned, request, nil)
}

// Ping checks the coordinator is still answering and logs the round
// trip.
func (c *Client) Ping(ctx context.Context) error {
	sent := c.clock.Now()
	var response protocol.PingResponse
	if err := c.conn.Call(ctx, protocol.Ping, protocol.PingRequest{SentUnixNano: sent.UnixNano()}, &response); err != nil {
		return err
	}
	if response.SentUnixNano != sent.UnixNano() {
		return fmt.Errorf("ping answered for %d, sent %d", response.SentUnixNano, sent.UnixNano())
	}
	c.logger.Debug("coordinator ping", "round_trip", c.clock.Now().Sub(sent))
	return nil
}

// TableSizes reports the committed directory table size and the
// number of name records applied.
func (c *Client) TableSizes() (directory, names uint64) {
	return c.directory.MemorySize(), c.namePos.Load()
}

// SyncTables brings the directory and name tables up to at least the
// given sizes, fetching both concurrently.
func (c *Client) SyncTables(ctx context.Context, directory, names uint64) error {
	group, ctx := errgroup.WithContext(ctx)
	if directory > c.directory.MemorySize() {
		group.Go(func() error {
			return c.directory.UpdateFromServer(ctx, c.fetchDirectoryChunk)
		})
	}
	if names > 0 {
		group.Go(func() error {
			return c.UpdateNameToHashTable(ctx, names)
		})
	}
	return group.Wait()
}

func (c *Client) fetchDirectoryChunk(ctx context.Context, offset uint64) (dirtable.Chunk, error) {
	var response protocol.DirectoryChunk
	if err := c.conn.Call(ctx, protocol.GetDirectoryEntries, protocol.GetDirectoryEntriesRequest{Offset: offset}, &response); err != nil {
		return dirtable.Chunk{}, err
	}
	return dirtable.Chunk{Offset: response.Offset, Data: response.Data}, nil
}

// UpdateNameToHashTable pulls name records until the local table
// holds at least size records and the coordinator has nothing more.
// Records are merged by timestamp, so a record older than one already
// resolved by a direct lookup is ignored. Concurrent pulls are
// ordered; readers of the table size never wait on one.
func (c *Client) UpdateNameToHashTable(ctx context.Context, size uint64) error {
	if c.namePos.Load() >= size {
		return nil
	}
	c.nameSync.Lock()
	defer c.nameSync.Unlock()
	position := c.namePos.Load()
	if position >= size {
		return nil
	}
	applied := 0
	for {
		var response protocol.GetNameToHashTableResponse
		request := protocol.GetNameToHashTableRequest{Offset: position}
		if err := c.conn.Call(ctx, protocol.GetNameToHashTable, request, &response); err != nil {
			return fmt.Errorf("fetching name table at %d: %w", position, err)
		}
		if len(response.Records) == 0 {
			break
		}
		if response.Offset != position {
			return fmt.Errorf("name table request at %d answered with offset %d", position, response.Offset)
		}
		records, err := protocol.DecodeNameRecords(response.Records)
		if err != nil {
			return err
		}
		applied += c.names.ApplyRecords(records)
		position += uint64(len(records))
		c.namePos.Store(position)
	}
	if position < size {
		return fmt.Errorf("name table ended at %d records, coordinator announced %d", position, size)
	}
	c.logger.Debug("name table synced", "records", position, "applied", applied)
	return nil
}
