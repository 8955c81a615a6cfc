// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio"
)

// Store is the local on-disk cache of cas files. Files live at
// root/<aa>/<bb>/<hex key> and are only ever published by an atomic
// rename, so a reader never observes a partially written file.
// Surviving files from an earlier session are reused.
type Store struct {
	root   string
	tmpDir string
}

// NewStore opens (creating if needed) a store rooted at root.
func NewStore(root string) (*Store, error) {
	tmpDir := filepath.Join(root, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cas store at %s: %w", root, err)
	}
	return &Store{root: root, tmpDir: tmpDir}, nil
}

// Root returns the store directory.
func (s *Store) Root() string {
	return s.root
}

// Path returns where the cas file for key lives, whether or not it
// exists.
func (s *Store) Path(key Key) string {
	hexKey := key.String()
	return filepath.Join(s.root, hexKey[0:2], hexKey[2:4], hexKey)
}

// Has reports whether key is present and returns its on-disk size.
func (s *Store) Has(key Key) (int64, bool) {
	info, err := os.Stat(s.Path(key))
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	return info.Size(), true
}

// Write stores data under key.
func (s *Store) Write(key Key, data []byte) error {
	pending, err := s.Create(key)
	if err != nil {
		return err
	}
	if _, err := pending.Write(data); err != nil {
		pending.Abort()
		return err
	}
	return pending.Commit()
}

// WriteCompressed compresses content with codec and stores it under
// the compressed variant of key, which it returns.
func (s *Store) WriteCompressed(key Key, content []byte, codec Codec) (Key, error) {
	compressed, err := Compress(content, codec)
	if err != nil {
		return KeyZero, err
	}
	compressedKey := AsCompressed(key, true)
	if err := s.Write(compressedKey, compressed); err != nil {
		return KeyZero, err
	}
	return compressedKey, nil
}

// PendingWrite is a cas file being written. Exactly one of Commit or
// Abort must be called.
type PendingWrite struct {
	key     Key
	file    *renameio.PendingFile
	written int64
}

// Create starts writing the cas file for key.
func (s *Store) Create(key Key) (*PendingWrite, error) {
	path := s.Path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating shard directory for %s: %w", key, err)
	}
	file, err := renameio.TempFile(s.tmpDir, path)
	if err != nil {
		return nil, fmt.Errorf("creating temporary cas file for %s: %w", key, err)
	}
	return &PendingWrite{key: key, file: file}, nil
}

// Write appends to the pending file.
func (p *PendingWrite) Write(data []byte) (int, error) {
	written, err := p.file.Write(data)
	p.written += int64(written)
	if err != nil {
		return written, fmt.Errorf("writing cas file %s: %w", p.key, err)
	}
	return written, nil
}

// Size returns the number of bytes written so far.
func (p *PendingWrite) Size() int64 {
	return p.written
}

// Commit publishes the file under its key.
func (p *PendingWrite) Commit() error {
	if err := p.file.Chmod(0o444); err != nil {
		p.file.Cleanup()
		return fmt.Errorf("setting cas file mode for %s: %w", p.key, err)
	}
	if err := p.file.CloseAtomicallyReplace(); err != nil {
		p.file.Cleanup()
		return fmt.Errorf("publishing cas file %s: %w", p.key, err)
	}
	return nil
}

// Abort discards the pending file.
func (p *PendingWrite) Abort() {
	p.file.Cleanup()
}

// Open opens the cas file for key for reading.
func (s *Store) Open(key Key) (*os.File, error) {
	file, err := os.Open(s.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("opening cas file %s: %w", key, err)
	}
	return file, nil
}

// Remove deletes the cas file for key. Removing a missing key is not
// an error.
func (s *Store) Remove(key Key) error {
	err := os.Remove(s.Path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing cas file %s: %w", key, err)
	}
	return nil
}

// Map returns a read-only view of the uncompressed content of key.
// Compressed cas files are decoded. The content is verified against
// the key; a mismatch, decode failure or fault returns an error
// wrapping [ErrCorrupt].
func (s *Store) Map(key Key) (*Mapping, error) {
	size, ok := s.Has(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	var mapping *Mapping
	var err error
	if key.IsCompressed() {
		mapping, err = mapDecompressed(s.Path(key), size)
	} else {
		mapping, err = mapFile(s.Path(key), size)
	}
	if err != nil {
		return nil, err
	}
	if err := verifyMapping(mapping, key); err != nil {
		mapping.Close()
		return nil, err
	}
	return mapping, nil
}

// Verify checks that the cas file for key hashes to key.
func (s *Store) Verify(key Key) error {
	mapping, err := s.Map(key)
	if err != nil {
		return err
	}
	return mapping.Close()
}

// Decompress writes the uncompressed variant of a compressed key
// from the local compressed copy and returns the uncompressed key.
func (s *Store) Decompress(compressedKey Key) (Key, int64, error) {
	mapping, err := s.Map(compressedKey)
	if err != nil {
		return KeyZero, 0, err
	}
	defer mapping.Close()

	plainKey := AsCompressed(compressedKey, false)
	pending, err := s.Create(plainKey)
	if err != nil {
		return KeyZero, 0, err
	}
	if _, err := io.Copy(pending, io.NewSectionReader(mapping, 0, mapping.Size())); err != nil {
		pending.Abort()
		return KeyZero, 0, err
	}
	if err := pending.Commit(); err != nil {
		return KeyZero, 0, err
	}
	return plainKey, mapping.Size(), nil
}

func verifyMapping(mapping *Mapping, key Key) error {
	hasher := NewHasher()
	if mapping.Size() > 0 {
		if _, err := io.Copy(hasher, io.NewSectionReader(mapping, 0, mapping.Size())); err != nil {
			return fmt.Errorf("%w: reading %s: %v", ErrCorrupt, key, err)
		}
	}
	if got := hasher.Key(); got != AsCompressed(key, false) {
		return fmt.Errorf("%w: %s hashes to %s", ErrCorrupt, key, got)
	}
	return nil
}
