// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/bureau-foundation/buildagent/lib/protocol"
	"github.com/bureau-foundation/buildagent/lib/wire"
)

// forwardHandler passes every record to the local handler and also
// sends records at or above level to the coordinator as Log notices,
// so warnings about a process reach whoever is watching the build.
//
// Handlers derived through WithAttrs and WithGroup share the
// connection pointer; records logged before the connection is set,
// or after it closed, stay local.
type forwardHandler struct {
	inner  slog.Handler
	level  slog.Level
	conn   *atomic.Pointer[wire.Conn]
	attrs  []slog.Attr
	prefix string
}

func newForwardHandler(inner slog.Handler, level slog.Level) *forwardHandler {
	return &forwardHandler{inner: inner, level: level, conn: &atomic.Pointer[wire.Conn]{}}
}

func (h *forwardHandler) setConn(conn *wire.Conn) {
	h.conn.Store(conn)
}

func (h *forwardHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level || h.inner.Enabled(ctx, level)
}

func (h *forwardHandler) Handle(ctx context.Context, record slog.Record) error {
	var err error
	if h.inner.Enabled(ctx, record.Level) {
		err = h.inner.Handle(ctx, record)
	}
	if record.Level < h.level {
		return err
	}
	conn := h.conn.Load()
	if conn == nil || conn.Err() != nil {
		return err
	}

	notice := protocol.LogNotice{Level: strings.ToLower(record.Level.String())}
	var parts []string
	collect := func(attr slog.Attr) {
		if attr.Key == "process_id" {
			if id, ok := processID(attr.Value); ok {
				notice.ProcessID = id
				return
			}
		}
		parts = append(parts, fmt.Sprintf("%s=%s", attr.Key, attr.Value))
	}
	for _, attr := range h.attrs {
		collect(attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		attr.Key = h.prefix + attr.Key
		collect(attr)
		return true
	})

	notice.Message = record.Message
	if len(parts) > 0 {
		notice.Message += " (" + strings.Join(parts, ", ") + ")"
	}
	// A failed notify runs the connection's send failure hooks.
	conn.Notify(protocol.Log, notice)
	return err
}

func (h *forwardHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefixed := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		if h.prefix != "" {
			attr.Key = h.prefix + attr.Key
		}
		prefixed[i] = attr
	}
	return &forwardHandler{
		inner:  h.inner.WithAttrs(attrs),
		level:  h.level,
		conn:   h.conn,
		attrs:  append(slices.Clone(h.attrs), prefixed...),
		prefix: h.prefix,
	}
}

func (h *forwardHandler) WithGroup(name string) slog.Handler {
	return &forwardHandler{
		inner:  h.inner.WithGroup(name),
		level:  h.level,
		conn:   h.conn,
		attrs:  slices.Clone(h.attrs),
		prefix: h.prefix + name + ".",
	}
}

func processID(value slog.Value) (uint32, bool) {
	switch value.Kind() {
	case slog.KindUint64:
		return uint32(value.Uint64()), true
	case slog.KindInt64:
		return uint32(value.Int64()), true
	default:
		return 0, false
	}
}
