// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"io"

	"github.com/bureau-foundation/buildagent/lib/cas"
	"github.com/bureau-foundation/buildagent/lib/protocol"
	"github.com/bureau-foundation/buildagent/lib/wire"
)

// storageRemote moves cas files over the storage service of a
// connection, in segments that each fit a frame. The coordinator and
// a storage proxy serve the same messages.
type storageRemote struct {
	conn *wire.Conn
}

var _ cas.Remote = storageRemote{}

func (r storageRemote) FetchCasFile(ctx context.Context, key cas.Key, w io.Writer) error {
	var begin protocol.FetchBeginResponse
	if err := r.conn.Call(ctx, protocol.FetchBegin, protocol.FetchBeginRequest{Key: key}, &begin); err != nil {
		return err
	}
	if !begin.Found {
		return fmt.Errorf("%w: %s", cas.ErrNotFound, key)
	}
	if _, err := w.Write(begin.Data); err != nil {
		return err
	}

	offset := int64(len(begin.Data))
	for offset < begin.Size {
		var segment protocol.FetchSegmentResponse
		request := protocol.FetchSegmentRequest{Key: key, Offset: offset}
		if err := r.conn.Call(ctx, protocol.FetchSegment, request, &segment); err != nil {
			return err
		}
		if segment.Offset != offset {
			return fmt.Errorf("fetching %s: segment for offset %d arrived for offset %d", key, offset, segment.Offset)
		}
		if len(segment.Data) == 0 {
			return fmt.Errorf("fetching %s: empty segment at %d of %d", key, offset, begin.Size)
		}
		if _, err := w.Write(segment.Data); err != nil {
			return err
		}
		offset += int64(len(segment.Data))
	}
	return nil
}

func (r storageRemote) StoreCasFile(ctx context.Context, key cas.Key, content []byte) error {
	first := content[:min(len(content), protocol.SegmentSize)]
	var begin protocol.StoreBeginResponse
	request := protocol.StoreBeginRequest{Key: key, Size: int64(len(content)), Data: first}
	if err := r.conn.Call(ctx, protocol.StoreBegin, request, &begin); err != nil {
		return err
	}
	if begin.AlreadyPresent || len(first) == len(content) {
		return nil
	}

	for offset := len(first); offset < len(content); {
		end := min(offset+protocol.SegmentSize, len(content))
		var segment protocol.StoreSegmentResponse
		request := protocol.StoreSegmentRequest{Key: key, Offset: int64(offset), Data: content[offset:end]}
		if err := r.conn.Call(ctx, protocol.StoreSegment, request, &segment); err != nil {
			return err
		}
		offset = end
		if offset == len(content) && !segment.Complete {
			return fmt.Errorf("storing %s: remote did not acknowledge the last segment", key)
		}
	}
	return nil
}

func (r storageRemote) ReportBadCasFile(ctx context.Context, key cas.Key) error {
	return r.conn.Notify(protocol.ReportBadCasFile, protocol.BadCasFileNotice{Key: key})
}
