// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/bureau-foundation/buildagent/lib/testutil"
)

func TestErrno(t *testing.T) {
	tests := []struct {
		err  error
		want syscall.Errno
	}{
		{nil, 0},
		{fmt.Errorf("looking up: %w", fs.ErrNotExist), syscall.ENOENT},
		{fmt.Errorf("creating: %w", fs.ErrExist), syscall.EEXIST},
		{fs.ErrPermission, syscall.EACCES},
		{fmt.Errorf("host: %w", syscall.ENOTEMPTY), syscall.ENOTEMPTY},
		{context.Canceled, syscall.EINTR},
		{errors.New("anything else"), syscall.EIO},
	}
	for _, test := range tests {
		if got := Errno(test.err); got != test.want {
			t.Errorf("Errno(%v) = %v, want %v", test.err, got, test.want)
		}
	}
}

func TestMountRequiresFileSystem(t *testing.T) {
	if _, err := Mount(Options{Mountpoint: t.TempDir()}); err == nil {
		t.Fatal("Mount without a file system succeeded")
	}
}

// memoryFileSystem keeps read-only content in memory and stages
// writes in a directory, which is enough to drive the mount.
type memoryFileSystem struct {
	mu          sync.Mutex
	files       map[string][]byte
	directories map[string]bool
	staging     string
	staged      map[string]string
}

func newMemoryFileSystem(t *testing.T) *memoryFileSystem {
	return &memoryFileSystem{
		files:       map[string][]byte{"/src/main.c": []byte("int main(void) { return 0; }\n")},
		directories: map[string]bool{"/": true, "/src": true},
		staging:     t.TempDir(),
		staged:      make(map[string]string),
	}
}

func (m *memoryFileSystem) Stat(ctx context.Context, name string) (Attributes, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.directories[name] {
		return Attributes{IsDirectory: true, Mode: 0o755}, nil
	}
	if stagedPath, ok := m.staged[name]; ok {
		info, err := os.Stat(stagedPath)
		if err != nil {
			return Attributes{}, err
		}
		return Attributes{Size: info.Size(), Mode: 0o644}, nil
	}
	if content, ok := m.files[name]; ok {
		return Attributes{Size: int64(len(content)), Mode: 0o644}, nil
	}
	return Attributes{}, fs.ErrNotExist
}

func (m *memoryFileSystem) ListDirectory(ctx context.Context, name string) ([]DirEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.directories[name] {
		return nil, fs.ErrNotExist
	}
	var entries []DirEntry
	add := func(child string, directory bool) {
		if child != "/" && path.Dir(child) == name {
			entries = append(entries, DirEntry{Name: path.Base(child), IsDirectory: directory})
		}
	}
	for child := range m.directories {
		add(child, true)
	}
	for child := range m.files {
		add(child, false)
	}
	for child := range m.staged {
		if _, ok := m.files[child]; !ok {
			add(child, false)
		}
	}
	return entries, nil
}

func (m *memoryFileSystem) CreateFile(ctx context.Context, name string, intent Intent, mode uint32) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if intent == IntentRead {
		if stagedPath, ok := m.staged[name]; ok {
			file, err := os.Open(stagedPath)
			if err != nil {
				return Handle{}, err
			}
			return Handle{Reader: file, Release: func() { file.Close() }}, nil
		}
		content, ok := m.files[name]
		if !ok {
			return Handle{}, fs.ErrNotExist
		}
		return Handle{Attributes: Attributes{Size: int64(len(content))}, Reader: bytes.NewReader(content)}, nil
	}
	stagedPath := filepath.Join(m.staging, strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_"))
	file, err := os.OpenFile(stagedPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return Handle{}, err
	}
	m.staged[name] = stagedPath
	return Handle{File: file}, nil
}

func (m *memoryFileSystem) DeleteFile(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.staged[name]; ok {
		delete(m.staged, name)
		return nil
	}
	if _, ok := m.files[name]; !ok {
		return fs.ErrNotExist
	}
	delete(m.files, name)
	return nil
}

func (m *memoryFileSystem) MoveFile(ctx context.Context, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stagedPath, ok := m.staged[from]; ok {
		delete(m.staged, from)
		m.staged[to] = stagedPath
		return nil
	}
	content, ok := m.files[from]
	if !ok {
		return fs.ErrNotExist
	}
	delete(m.files, from)
	m.files[to] = content
	return nil
}

func (m *memoryFileSystem) Chmod(ctx context.Context, name string, mode uint32) error {
	return nil
}

func (m *memoryFileSystem) CreateDirectory(ctx context.Context, name string, mode uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.directories[name] {
		return fs.ErrExist
	}
	m.directories[name] = true
	return nil
}

func (m *memoryFileSystem) RemoveDirectory(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.directories[name] {
		return fs.ErrNotExist
	}
	delete(m.directories, name)
	return nil
}

func fuseAvailable(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("skipping: /dev/fuse not available")
	}
}

func testMount(t *testing.T) (string, *memoryFileSystem) {
	t.Helper()
	fuseAvailable(t)

	fileSystem := newMemoryFileSystem(t)
	mountpoint := filepath.Join(testutil.TempDir(t), "mount")
	server, err := Mount(Options{Mountpoint: mountpoint, FileSystem: fileSystem})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Unmount(); err != nil {
			t.Errorf("Unmount: %v", err)
		}
	})
	return mountpoint, fileSystem
}

func TestMountReadsContent(t *testing.T) {
	mountpoint, _ := testMount(t)

	content, err := os.ReadFile(filepath.Join(mountpoint, "src", "main.c"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(content) != "int main(void) { return 0; }\n" {
		t.Errorf("content = %q", content)
	}

	if _, err := os.Stat(filepath.Join(mountpoint, "src", "missing.h")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Stat(missing) error = %v, want not exist", err)
	}
}

func TestMountListsDirectories(t *testing.T) {
	mountpoint, _ := testMount(t)

	entries, err := os.ReadDir(mountpoint)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "src" || !entries[0].IsDir() {
		t.Errorf("root entries = %v, want [src/]", entries)
	}
}

func TestMountStagesWrites(t *testing.T) {
	mountpoint, fileSystem := testMount(t)

	output := filepath.Join(mountpoint, "src", "main.o")
	if err := os.WriteFile(output, []byte("object"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	content, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(content) != "object" {
		t.Errorf("content = %q, want %q", content, "object")
	}

	renamed := filepath.Join(mountpoint, "src", "final.o")
	if err := os.Rename(output, renamed); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	fileSystem.mu.Lock()
	var staged []string
	for name := range fileSystem.staged {
		staged = append(staged, name)
	}
	fileSystem.mu.Unlock()
	sort.Strings(staged)
	if len(staged) != 1 || staged[0] != "/src/final.o" {
		t.Errorf("staged = %v, want [/src/final.o]", staged)
	}
}

func TestMountDirectoryOperations(t *testing.T) {
	mountpoint, fileSystem := testMount(t)

	directory := filepath.Join(mountpoint, "out")
	if err := os.Mkdir(directory, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := os.Mkdir(directory, 0o755); !errors.Is(err, fs.ErrExist) {
		t.Errorf("second Mkdir error = %v, want exist", err)
	}
	if err := os.Remove(directory); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	fileSystem.mu.Lock()
	defer fileSystem.mu.Unlock()
	if fileSystem.directories["/out"] {
		t.Error("/out still present after rmdir")
	}
}
