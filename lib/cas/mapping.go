// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

var errMappingClosed = errors.New("cas: mapping closed")

// Mapping is a read-only memory view of cas content. Uncompressed cas
// files are mapped directly from the store; compressed ones are
// decompressed into an anonymous mapping so every reader of the file
// shares one decoded copy.
//
// A Mapping starts with one reference held by its creator. retain adds
// a reference and Release drops one; the region is unmapped when the
// last reference goes.
type Mapping struct {
	mu   sync.RWMutex
	data []byte
	size int64
	refs atomic.Int64
}

func newMapping(data []byte, size int64) *Mapping {
	m := &Mapping{data: data, size: size}
	m.refs.Store(1)
	return m
}

// mapFile maps size bytes of path read-only. A zero-size file yields
// an empty Mapping without a system call.
func mapFile(path string, size int64) (*Mapping, error) {
	if size == 0 {
		return newMapping(nil, 0), nil
	}
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening cas file %s: %w", path, err)
	}
	defer unix.Close(fd)

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("memory-mapping cas file %s: %w", path, err)
	}
	return newMapping(data, size), nil
}

// mapDecompressed maps the compressed cas file at path and decodes it
// into a fresh anonymous mapping.
func mapDecompressed(path string, compressedSize int64) (*Mapping, error) {
	compressed, err := mapFile(path, compressedSize)
	if err != nil {
		return nil, err
	}
	defer compressed.Close()

	var result *Mapping
	err = compressed.guard(func(data []byte) error {
		size, err := UncompressedSize(data)
		if err != nil {
			return err
		}
		if size == 0 {
			result = newMapping(nil, 0)
			return Decompress(data, nil)
		}
		anonymous, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			return fmt.Errorf("allocating %d byte decompression mapping: %w", size, err)
		}
		if err := Decompress(data, anonymous); err != nil {
			unix.Munmap(anonymous)
			return err
		}
		if err := unix.Mprotect(anonymous, unix.PROT_READ); err != nil {
			unix.Munmap(anonymous)
			return fmt.Errorf("sealing decompression mapping: %w", err)
		}
		result = newMapping(anonymous, size)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// guard runs fn over the mapped bytes with page faults converted to
// errors. A truncated or failing backing file would otherwise raise
// SIGBUS and kill the process.
func (m *Mapping) guard(fn func([]byte) error) (err error) {
	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: page fault reading mapping: %v", ErrCorrupt, r)
		}
	}()
	return fn(m.data)
}

// Size returns the number of mapped bytes.
func (m *Mapping) Size() int64 {
	return m.size
}

// ReadAt implements io.ReaderAt over the mapping.
func (m *Mapping) ReadAt(p []byte, off int64) (readCount int, err error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= m.size {
		return 0, io.EOF
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.data == nil {
		return 0, errMappingClosed
	}
	err = m.guard(func(data []byte) error {
		readCount = copy(p, data[off:])
		return nil
	})
	if err != nil {
		return readCount, err
	}
	if readCount < len(p) {
		return readCount, io.EOF
	}
	return readCount, nil
}

// Bytes returns a copy of the whole mapping.
func (m *Mapping) Bytes() ([]byte, error) {
	out := make([]byte, m.size)
	if m.size == 0 {
		return out, nil
	}
	_, err := m.ReadAt(out, 0)
	if err == io.EOF {
		err = nil
	}
	return out, err
}

func (m *Mapping) retain() {
	m.refs.Add(1)
}

// Release drops one reference, unmapping the region with the last.
func (m *Mapping) Release() error {
	if m.refs.Add(-1) == 0 {
		return m.Close()
	}
	return nil
}

// Close unmaps the region regardless of outstanding references. Safe
// to call more than once.
func (m *Mapping) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	if err != nil {
		return fmt.Errorf("unmapping cas file: %w", err)
	}
	return nil
}
