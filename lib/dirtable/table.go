// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dirtable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/buildagent/lib/cas"
	"github.com/bureau-foundation/buildagent/lib/clock"
)

// DefaultWaitTimeout bounds how long a chunk waits for the bytes
// before it, and how long WaitForSize waits.
const DefaultWaitTimeout = 5 * time.Minute

var (
	// ErrTableFailed is wrapped by every operation after Fail.
	ErrTableFailed = errors.New("dirtable: table failed")

	// ErrWaitTimeout is returned when a wait exceeds the timeout.
	// It fails only the waiting request, not the table.
	ErrWaitTimeout = errors.New("dirtable: timed out waiting for table data")
)

// Options configures a Table.
type Options struct {
	CaseInsensitive bool

	// WaitTimeout defaults to DefaultWaitTimeout.
	WaitTimeout time.Duration

	// Clock defaults to the real clock.
	Clock clock.Clock

	Logger *slog.Logger
}

// Table is the agent's copy of the directory table.
type Table struct {
	caseInsensitive bool
	waitTimeout     time.Duration
	clock           clock.Clock
	logger          *slog.Logger

	mu         sync.Mutex
	data       []byte
	writePos   uint64
	memorySize uint64
	failed     error
	waiters    map[*waiter]struct{}

	// index maps directory path keys to the offset of their latest
	// record below indexedTo.
	index     map[cas.StringKey]uint64
	indexedTo uint64
}

// waiter is woken when its cursor reaches target.
type waiter struct {
	target uint64
	memory bool
	ready  chan struct{}
}

// New returns an empty table.
func New(options Options) *Table {
	waitTimeout := options.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Table{
		caseInsensitive: options.CaseInsensitive,
		waitTimeout:     waitTimeout,
		clock:           clk,
		logger:          logger,
		waiters:         make(map[*waiter]struct{}),
		index:           make(map[cas.StringKey]uint64),
	}
}

// WritePos returns the number of bytes received.
func (t *Table) WritePos() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writePos
}

// MemorySize returns the number of bytes visible to readers.
func (t *Table) MemorySize() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.memorySize
}

// Err returns the failure set by Fail, if any.
func (t *Table) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}

// Apply writes a chunk received from the coordinator at offset.
// Bytes already present are ignored. If the chunk starts beyond
// writePos, Apply waits for the preceding bytes to arrive from
// another sync.
func (t *Table) Apply(ctx context.Context, offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	end := offset + uint64(len(data))

	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		if t.failed != nil {
			return fmt.Errorf("%w: %v", ErrTableFailed, t.failed)
		}
		if end <= t.writePos {
			return nil
		}
		if offset <= t.writePos {
			t.data = append(t.data, data[t.writePos-offset:]...)
			t.writePos = end
			t.wakeLocked()
			return nil
		}
		if err := t.waitLocked(ctx, offset, false); err != nil {
			return fmt.Errorf("applying directory chunk at %d (have %d): %w", offset, t.writePos, err)
		}
	}
}

// Commit records that the coordinator has nothing beyond offset. Once
// writePos reaches offset, memorySize advances to writePos and new
// records are indexed.
func (t *Table) Commit(ctx context.Context, offset uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		if t.failed != nil {
			return fmt.Errorf("%w: %v", ErrTableFailed, t.failed)
		}
		if t.writePos >= offset {
			break
		}
		if err := t.waitLocked(ctx, offset, false); err != nil {
			return fmt.Errorf("committing directory table at %d (have %d): %w", offset, t.writePos, err)
		}
	}
	if t.writePos > t.memorySize {
		t.memorySize = t.writePos
		t.indexLocked()
		t.wakeLocked()
	}
	return nil
}

// WaitForSize blocks until memorySize reaches size.
func (t *Table) WaitForSize(ctx context.Context, size uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		if t.failed != nil {
			return fmt.Errorf("%w: %v", ErrTableFailed, t.failed)
		}
		if t.memorySize >= size {
			return nil
		}
		if err := t.waitLocked(ctx, size, true); err != nil {
			return fmt.Errorf("waiting for directory table size %d (have %d): %w", size, t.memorySize, err)
		}
	}
}

// Fail marks the table unusable and wakes every waiter. Only the
// first failure is kept.
func (t *Table) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failed != nil {
		return
	}
	t.failed = err
	t.logger.Error("directory table failed", "error", err)
	for w := range t.waiters {
		close(w.ready)
	}
	clear(t.waiters)
}

// waitLocked releases the lock until the waiter for target is woken,
// the table fails, ctx ends, or the wait times out.
func (t *Table) waitLocked(ctx context.Context, target uint64, memory bool) error {
	w := &waiter{target: target, memory: memory, ready: make(chan struct{})}
	t.waiters[w] = struct{}{}
	t.mu.Unlock()

	var err error
	select {
	case <-w.ready:
	case <-ctx.Done():
		err = ctx.Err()
	case <-t.clock.After(t.waitTimeout):
		err = ErrWaitTimeout
	}

	t.mu.Lock()
	delete(t.waiters, w)
	return err
}

func (t *Table) wakeLocked() {
	for w := range t.waiters {
		cursor := t.writePos
		if w.memory {
			cursor = t.memorySize
		}
		if cursor >= w.target {
			close(w.ready)
			delete(t.waiters, w)
		}
	}
}

// indexLocked indexes whole records between indexedTo and memorySize.
func (t *Table) indexLocked() {
	for t.indexedTo < t.memorySize {
		record, length, err := DecodeRecord(t.data[t.indexedTo:t.memorySize])
		if errors.Is(err, errShortRecord) {
			return
		}
		if err != nil {
			t.logger.Error("skipping undecodable directory record", "offset", t.indexedTo, "error", err)
			skip, lengthErr := recordLength(t.data[t.indexedTo:t.memorySize])
			if lengthErr != nil {
				return
			}
			t.indexedTo += uint64(skip)
			continue
		}
		t.index[t.pathKey(record.Path)] = t.indexedTo
		t.indexedTo += uint64(length)
	}
}

func (t *Table) pathKey(directory string) cas.StringKey {
	return cas.StringKeyOf(directory, t.caseInsensitive)
}

// Chunk is a slice of the table as served by the coordinator.
type Chunk struct {
	Offset uint64
	Data   []byte
}

// FetchFunc requests table bytes starting at offset.
type FetchFunc func(ctx context.Context, offset uint64) (Chunk, error)

// UpdateFromServer pulls chunks from writePos until the coordinator
// returns an empty one, then commits. Safe to run concurrently with
// other syncs. A chunk at an offset the coordinator could not have
// sent is a protocol error and fails the table.
func (t *Table) UpdateFromServer(ctx context.Context, fetch FetchFunc) error {
	for {
		requested := t.WritePos()
		chunk, err := fetch(ctx, requested)
		if err != nil {
			return fmt.Errorf("fetching directory table at %d: %w", requested, err)
		}
		if chunk.Offset > requested {
			err := fmt.Errorf("coordinator answered directory request at %d with offset %d", requested, chunk.Offset)
			t.Fail(err)
			return fmt.Errorf("%w: %v", ErrTableFailed, err)
		}
		if len(chunk.Data) == 0 {
			return t.Commit(ctx, chunk.Offset)
		}
		if err := t.Apply(ctx, chunk.Offset, chunk.Data); err != nil {
			return err
		}
	}
}

// normalize converts a path to the absolute '/'-separated form used
// in records, without a trailing separator.
func normalize(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	return path.Clean("/" + strings.TrimPrefix(name, "/"))
}

// recordLocked returns the latest visible record for directory.
func (t *Table) recordLocked(directory string) (Record, bool) {
	offset, ok := t.index[t.pathKey(directory)]
	if !ok {
		return Record{}, false
	}
	record, _, err := DecodeRecord(t.data[offset:t.memorySize])
	if err != nil {
		return Record{}, false
	}
	return record, true
}

// ListDirectory returns the entries of directory. ok is false when
// the table has no live record for it.
func (t *Table) ListDirectory(directory string) (entries []Entry, ok bool) {
	directory = normalize(directory)
	t.mu.Lock()
	defer t.mu.Unlock()
	record, found := t.recordLocked(directory)
	if !found || record.Removed {
		return nil, false
	}
	return record.Entries, true
}

// Lookup returns the entry for a file or directory. The root of a
// known tree is reported as a directory.
func (t *Table) Lookup(name string) (Entry, bool) {
	name = normalize(name)
	t.mu.Lock()
	defer t.mu.Unlock()

	if name == "/" {
		record, found := t.recordLocked(name)
		if !found || record.Removed {
			return Entry{}, false
		}
		return Entry{Name: name, Attributes: AttributeDirectory | 0o755, Key: cas.KeyIsDirectory}, true
	}
	parent, base := path.Dir(name), path.Base(name)
	record, found := t.recordLocked(parent)
	if !found || record.Removed {
		return Entry{}, false
	}
	for _, entry := range record.Entries {
		if entry.Name == base || (t.caseInsensitive && strings.EqualFold(entry.Name, base)) {
			return entry, true
		}
	}
	return Entry{}, false
}

// Exists reports whether name is a file or directory in the table.
func (t *Table) Exists(name string) bool {
	_, ok := t.Lookup(name)
	return ok
}

// DirectoryCount returns the number of indexed directories.
func (t *Table) DirectoryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.index)
}
