// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Options configures a mount.
type Options struct {
	// Mountpoint is created if it does not exist.
	Mountpoint string

	FileSystem FileSystem

	// Name is reported as the filesystem source in /proc/mounts.
	// Empty uses "bureau-build".
	Name string

	// AllowOther permits users other than the mounting one to use
	// the mount. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Logger receives diagnostic messages. If nil, errors go to
	// stderr.
	Logger *slog.Logger
}

// Mount serves options.FileSystem at options.Mountpoint. The caller
// must call Unmount on the returned server when the process using
// the view has exited.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.FileSystem == nil {
		return nil, fmt.Errorf("file system is required")
	}
	if options.Name == "" {
		options.Name = "bureau-build"
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &node{state: &mountState{fileSystem: options.FileSystem, logger: options.Logger}}

	// Other agents change the shared namespace, so entries are only
	// trusted briefly and misses are never cached.
	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second
	negativeTimeout := time.Duration(0)

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     options.Name,
			Name:       "bureau",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting %s: %w", options.Mountpoint, err)
	}
	return server, nil
}

type mountState struct {
	fileSystem FileSystem
	logger     *slog.Logger
}

// errno converts err and logs anything other than a plain miss.
func (s *mountState) errno(operation, name string, err error) syscall.Errno {
	errno := Errno(err)
	if errno != syscall.ENOENT {
		s.logger.Warn("file system call failed",
			"operation", operation,
			"path", name,
			"errno", errno,
			"error", err,
		)
	}
	return errno
}

// node is any name in the view. Whether it is a directory is fixed
// in its StableAttr when the inode is created.
type node struct {
	gofuse.Inode
	state *mountState
}

var _ gofuse.InodeEmbedder = (*node)(nil)
var _ gofuse.NodeLookuper = (*node)(nil)
var _ gofuse.NodeReaddirer = (*node)(nil)
var _ gofuse.NodeGetattrer = (*node)(nil)
var _ gofuse.NodeSetattrer = (*node)(nil)
var _ gofuse.NodeOpener = (*node)(nil)
var _ gofuse.NodeCreater = (*node)(nil)
var _ gofuse.NodeMkdirer = (*node)(nil)
var _ gofuse.NodeUnlinker = (*node)(nil)
var _ gofuse.NodeRmdirer = (*node)(nil)
var _ gofuse.NodeRenamer = (*node)(nil)

// fullPath is the node's path in the shared namespace, with name
// appended when it is not empty.
func (n *node) fullPath(name string) string {
	return path.Join("/", n.Path(nil), name)
}

func (n *node) newChild(ctx context.Context, attributes Attributes) *gofuse.Inode {
	mode := uint32(syscall.S_IFREG)
	if attributes.IsDirectory {
		mode = syscall.S_IFDIR
	}
	return n.NewInode(ctx, &node{state: n.state}, gofuse.StableAttr{Mode: mode})
}

func fillAttr(out *fuse.Attr, attributes Attributes) {
	if attributes.IsDirectory {
		out.Mode = syscall.S_IFDIR | attributes.Mode&0o7777
	} else {
		out.Mode = syscall.S_IFREG | attributes.Mode&0o7777
		out.Size = uint64(attributes.Size)
		out.Blocks = (out.Size + 511) / 512
	}
	if attributes.ModifiedUnixNanos != 0 {
		modified := time.Unix(0, attributes.ModifiedUnixNanos)
		out.SetTimes(nil, &modified, &modified)
	}
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	child := n.fullPath(name)
	attributes, err := n.state.fileSystem.Stat(ctx, child)
	if err != nil {
		return nil, n.state.errno("lookup", child, err)
	}
	fillAttr(&out.Attr, attributes)
	return n.newChild(ctx, attributes), 0
}

func (n *node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	directory := n.fullPath("")
	listing, err := n.state.fileSystem.ListDirectory(ctx, directory)
	if err != nil {
		return nil, n.state.errno("readdir", directory, err)
	}
	entries := make([]fuse.DirEntry, 0, len(listing))
	for _, entry := range listing {
		mode := uint32(syscall.S_IFREG)
		if entry.IsDirectory {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: entry.Name, Mode: mode})
	}
	return gofuse.NewListDirStream(entries), 0
}

func (n *node) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if getter, ok := f.(gofuse.FileGetattrer); ok {
		return getter.Getattr(ctx, out)
	}
	name := n.fullPath("")
	attributes, err := n.state.fileSystem.Stat(ctx, name)
	if err != nil {
		return n.state.errno("getattr", name, err)
	}
	fillAttr(&out.Attr, attributes)
	return 0
}

// Setattr handles chmod and truncation. Truncating through an open
// write handle goes to the staged file; truncating a path to zero
// without a handle stages an empty file.
func (n *node) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	name := n.fullPath("")
	if mode, ok := in.GetMode(); ok {
		if err := n.state.fileSystem.Chmod(ctx, name, mode&0o7777); err != nil {
			return n.state.errno("chmod", name, err)
		}
	}
	if size, ok := in.GetSize(); ok {
		if setter, ok := f.(gofuse.FileSetattrer); ok {
			if errno := setter.Setattr(ctx, in, out); errno != 0 {
				return errno
			}
		} else if size != 0 {
			return syscall.ENOTSUP
		} else {
			handle, err := n.state.fileSystem.CreateFile(ctx, name, IntentWrite, 0)
			if err != nil {
				return n.state.errno("truncate", name, err)
			}
			if handle.File != nil {
				handle.File.Close()
			}
		}
	}
	return n.Getattr(ctx, f, out)
}

func (n *node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	name := n.fullPath("")
	intent := IntentRead
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		intent = IntentModify
		if flags&syscall.O_TRUNC != 0 {
			intent = IntentWrite
		}
	}
	handle, err := n.state.fileSystem.CreateFile(ctx, name, intent, 0)
	if err != nil {
		return nil, 0, n.state.errno("open", name, err)
	}
	if handle.IsDirectory {
		return nil, 0, syscall.EISDIR
	}
	if intent == IntentRead {
		if handle.Reader == nil {
			return nil, 0, syscall.EIO
		}
		return &readHandle{reader: handle.Reader, release: handle.Release}, 0, 0
	}
	fileHandle, errno := loopback(handle.File)
	return fileHandle, 0, errno
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	child := n.fullPath(name)
	handle, err := n.state.fileSystem.CreateFile(ctx, child, IntentWrite, mode&0o7777)
	if err != nil {
		return nil, nil, 0, n.state.errno("create", child, err)
	}
	fileHandle, errno := loopback(handle.File)
	if errno != 0 {
		return nil, nil, 0, errno
	}
	handle.Attributes.Mode = mode & 0o7777
	fillAttr(&out.Attr, handle.Attributes)
	return n.newChild(ctx, handle.Attributes), fileHandle, 0, 0
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	child := n.fullPath(name)
	if err := n.state.fileSystem.CreateDirectory(ctx, child, mode&0o7777); err != nil {
		return nil, n.state.errno("mkdir", child, err)
	}
	attributes := Attributes{IsDirectory: true, Mode: mode & 0o7777}
	fillAttr(&out.Attr, attributes)
	return n.newChild(ctx, attributes), 0
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	child := n.fullPath(name)
	if err := n.state.fileSystem.DeleteFile(ctx, child); err != nil {
		return n.state.errno("unlink", child, err)
	}
	return 0
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	child := n.fullPath(name)
	if err := n.state.fileSystem.RemoveDirectory(ctx, child); err != nil {
		return n.state.errno("rmdir", child, err)
	}
	return 0
}

// Rename supports plain renames only; exchange and no-replace flags
// are refused.
func (n *node) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags != 0 {
		return syscall.EINVAL
	}
	from := n.fullPath(name)
	to := path.Join("/", newParent.EmbeddedInode().Path(nil), newName)
	if err := n.state.fileSystem.MoveFile(ctx, from, to); err != nil {
		return n.state.errno("rename", from, err)
	}
	return 0
}

// loopback hands a staged file to go-fuse, which closes the
// descriptor on release.
func loopback(file *os.File) (gofuse.FileHandle, syscall.Errno) {
	if file == nil {
		return nil, syscall.EIO
	}
	defer file.Close()
	fd, err := syscall.Dup(int(file.Fd()))
	if err != nil {
		return nil, Errno(err)
	}
	return gofuse.NewLoopbackFile(fd), 0
}

// readHandle serves reads of existing content.
type readHandle struct {
	reader  io.ReaderAt
	release func()
}

var _ gofuse.FileReader = (*readHandle)(nil)
var _ gofuse.FileReleaser = (*readHandle)(nil)

func (h *readHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	count, err := h.reader.ReadAt(dest, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:count]), 0
}

func (h *readHandle) Release(ctx context.Context) syscall.Errno {
	if h.release != nil {
		h.release()
	}
	return 0
}
