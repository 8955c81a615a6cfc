// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"syscall"
)

// Intent is what a process means to do with a file it opens.
type Intent int

const (
	// IntentRead opens existing content.
	IntentRead Intent = iota

	// IntentWrite creates or truncates a file the process produces.
	IntentWrite

	// IntentModify opens a file for writing with its current
	// content preserved.
	IntentModify
)

func (i Intent) String() string {
	switch i {
	case IntentRead:
		return "read"
	case IntentWrite:
		return "write"
	case IntentModify:
		return "modify"
	default:
		return "unknown"
	}
}

// Attributes describe one name in the view.
type Attributes struct {
	IsDirectory       bool
	Size              int64
	Mode              uint32
	ModifiedUnixNanos int64
}

// DirEntry is one name in a directory listing.
type DirEntry struct {
	Name        string
	IsDirectory bool
	Mode        uint32
}

// Handle is an opened file. Read intent yields Reader; the write
// intents yield File, whose ownership passes to the caller.
type Handle struct {
	Attributes
	Reader io.ReaderAt
	File   *os.File

	// Release, if set, runs when the process closes a read handle.
	Release func()
}

// FileSystem answers filesystem calls for one process. Paths are
// absolute and slash separated. Missing names are reported with
// errors wrapping fs.ErrNotExist; a syscall.Errno anywhere in an
// error chain is passed to the process unchanged.
type FileSystem interface {
	Stat(ctx context.Context, path string) (Attributes, error)
	ListDirectory(ctx context.Context, path string) ([]DirEntry, error)
	CreateFile(ctx context.Context, path string, intent Intent, mode uint32) (Handle, error)
	DeleteFile(ctx context.Context, path string) error
	MoveFile(ctx context.Context, from, to string) error
	Chmod(ctx context.Context, path string, mode uint32) error
	CreateDirectory(ctx context.Context, path string, mode uint32) error
	RemoveDirectory(ctx context.Context, path string) error
}

// Errno maps an error from a FileSystem to the errno the process
// receives.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, fs.ErrExist):
		return syscall.EEXIST
	case errors.Is(err, fs.ErrPermission):
		return syscall.EACCES
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return syscall.EINTR
	default:
		return syscall.EIO
	}
}
