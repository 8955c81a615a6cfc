// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/bureau-foundation/buildagent/lib/cas"
	"github.com/bureau-foundation/buildagent/lib/dirtable"
	"github.com/bureau-foundation/buildagent/lib/protocol"
	"github.com/bureau-foundation/buildagent/lib/vfs"
)

var _ vfs.FileSystem = (*Process)(nil)

// writtenFile is a file the process created. It lives in the
// staging directory until the process exits.
type writtenFile struct {
	path   string
	staged string
	mode   uint32
}

func (p *Process) pathKey(name string) cas.StringKey {
	return p.executor.cas.StringKey(name)
}

// writtenLocked returns the process's own file at name.
func (p *Process) writtenLocked(name string) (*writtenFile, bool) {
	file, ok := p.written[p.pathKey(name)]
	return file, ok
}

func (p *Process) lookupWritten(name string) (writtenFile, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	file, ok := p.writtenLocked(name)
	if !ok {
		return writtenFile{}, false
	}
	return *file, true
}

// Stat reports the attributes of name. The process's own files come
// first, then the directory table, then the coordinator.
func (p *Process) Stat(ctx context.Context, name string) (vfs.Attributes, error) {
	name = cleanPath(name)
	if file, ok := p.lookupWritten(name); ok {
		info, err := os.Stat(file.staged)
		if err != nil {
			return vfs.Attributes{}, err
		}
		return vfs.Attributes{Size: info.Size(), Mode: file.mode, ModifiedUnixNanos: info.ModTime().UnixNano()}, nil
	}
	if name == "/" {
		return vfs.Attributes{IsDirectory: true, Mode: 0o755}, nil
	}
	if p.rule.IsEphemeral(name) {
		return vfs.Attributes{}, fs.ErrNotExist
	}
	if entry, ok := p.executor.directory.Lookup(name); ok {
		return vfs.Attributes{
			IsDirectory:       entry.IsDirectory(),
			Size:              int64(entry.Size),
			Mode:              entry.Attributes & 0o777,
			ModifiedUnixNanos: entry.ModifiedUnixNanos,
		}, nil
	}

	key, err := p.executor.cas.GetCasKeyForFile(ctx, name)
	if err != nil {
		p.hostFailed(err)
		return vfs.Attributes{}, err
	}
	switch key {
	case cas.KeyZero:
		return vfs.Attributes{}, fmt.Errorf("%s: %w", name, fs.ErrNotExist)
	case cas.KeyIsDirectory:
		return vfs.Attributes{IsDirectory: true, Mode: 0o755}, nil
	}
	// The size comes from the coordinator; content is fetched on open.
	file, err := p.executor.host.GetFile(ctx, name)
	if err != nil {
		p.hostFailed(err)
		return vfs.Attributes{}, err
	}
	if !file.Found {
		return vfs.Attributes{}, fmt.Errorf("%s: %w", name, fs.ErrNotExist)
	}
	return vfs.Attributes{Size: file.Size, Mode: 0o644}, nil
}

// ListDirectory lists name from the directory table, asking the
// coordinator when the table does not know the directory yet, and
// adds the process's own files.
func (p *Process) ListDirectory(ctx context.Context, name string) ([]vfs.DirEntry, error) {
	name = cleanPath(name)
	seen := make(map[string]bool)
	var result []vfs.DirEntry
	add := func(entry vfs.DirEntry) {
		key := entry.Name
		if p.executor.cas.CaseInsensitive() {
			key = strings.ToLower(key)
		}
		if !seen[key] {
			seen[key] = true
			result = append(result, entry)
		}
	}

	found := false
	if entries, ok := p.executor.directory.ListDirectory(name); ok {
		found = true
		for _, entry := range entries {
			add(vfs.DirEntry{Name: entry.Name, IsDirectory: entry.IsDirectory(), Mode: entry.Attributes & 0o777})
		}
	} else if name != "/" || p.executor.directory.DirectoryCount() == 0 {
		response, err := p.executor.host.ListDirectory(ctx, name)
		if err != nil {
			p.hostFailed(err)
			return nil, err
		}
		found = response.Found
		for _, entry := range response.Entries {
			add(vfs.DirEntry{
				Name:        entry.Name,
				IsDirectory: entry.Attributes&dirtable.AttributeDirectory != 0,
				Mode:        entry.Attributes & 0o777,
			})
		}
	}

	p.mu.Lock()
	for _, file := range p.written {
		if path.Dir(file.path) == name {
			found = true
			add(vfs.DirEntry{Name: path.Base(file.path), Mode: file.mode})
		}
	}
	p.mu.Unlock()

	if !found {
		return nil, fmt.Errorf("%s: %w", name, fs.ErrNotExist)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// CreateFile opens name. Reads resolve through the process's own
// files and then the cas; a missing file is fs.ErrNotExist, which
// tools probing include paths expect. Writes never touch the cas:
// they go to a staged file.
func (p *Process) CreateFile(ctx context.Context, name string, intent vfs.Intent, mode uint32) (vfs.Handle, error) {
	name = cleanPath(name)
	if intent == vfs.IntentRead {
		return p.openForRead(ctx, name)
	}
	return p.openForWrite(ctx, name, intent, mode)
}

func (p *Process) openForRead(ctx context.Context, name string) (vfs.Handle, error) {
	if file, ok := p.lookupWritten(name); ok {
		staged, err := os.Open(file.staged)
		if err != nil {
			return vfs.Handle{}, err
		}
		info, err := staged.Stat()
		if err != nil {
			staged.Close()
			return vfs.Handle{}, err
		}
		return vfs.Handle{
			Attributes: vfs.Attributes{Size: info.Size(), Mode: file.mode},
			Reader:     staged,
			Release:    func() { staged.Close() },
		}, nil
	}
	if p.rule.IsEphemeral(name) {
		return vfs.Handle{}, fmt.Errorf("%s: %w", name, fs.ErrNotExist)
	}
	view, found, err := p.executor.cas.OpenFile(ctx, name, p.rule.ProxyAllowed())
	if err != nil {
		p.hostFailed(err)
		return vfs.Handle{}, err
	}
	if !found {
		return vfs.Handle{}, fmt.Errorf("%s: %w", name, fs.ErrNotExist)
	}
	if view.IsDirectory {
		return vfs.Handle{Attributes: vfs.Attributes{IsDirectory: true, Mode: 0o755}}, nil
	}
	return vfs.Handle{
		Attributes: vfs.Attributes{Size: view.Size, Mode: 0o644},
		Reader:     view.Mapping,
		Release:    view.Release,
	}, nil
}

func (p *Process) openForWrite(ctx context.Context, name string, intent vfs.Intent, mode uint32) (vfs.Handle, error) {
	flags := os.O_RDWR
	if intent == vfs.IntentWrite {
		flags |= os.O_TRUNC
	}

	p.mu.Lock()
	if file, ok := p.writtenLocked(name); ok {
		staged := file.staged
		if mode != 0 {
			file.mode = mode
		}
		fileMode := file.mode
		p.mu.Unlock()
		handle, err := os.OpenFile(staged, flags, 0)
		if err != nil {
			return vfs.Handle{}, err
		}
		return vfs.Handle{Attributes: vfs.Attributes{Mode: fileMode}, File: handle}, nil
	}
	p.stagedCount++
	staged := filepath.Join(p.stagingDir, strconv.Itoa(p.stagedCount))
	p.mu.Unlock()

	if mode == 0 {
		mode = 0o644
	}
	handle, err := os.OpenFile(staged, flags|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return vfs.Handle{}, fmt.Errorf("staging %s: %w", name, err)
	}
	if intent == vfs.IntentModify {
		if err := p.copyExisting(ctx, name, handle); err != nil {
			handle.Close()
			os.Remove(staged)
			return vfs.Handle{}, err
		}
	}

	p.mu.Lock()
	if existing, ok := p.writtenLocked(name); ok {
		// A concurrent open staged the file first; share its copy.
		existingStaged, existingMode := existing.staged, existing.mode
		p.mu.Unlock()
		handle.Close()
		os.Remove(staged)
		reopened, err := os.OpenFile(existingStaged, flags, 0)
		if err != nil {
			return vfs.Handle{}, err
		}
		return vfs.Handle{Attributes: vfs.Attributes{Mode: existingMode}, File: reopened}, nil
	}
	p.written[p.pathKey(name)] = &writtenFile{path: name, staged: staged, mode: mode}
	p.mu.Unlock()
	return vfs.Handle{Attributes: vfs.Attributes{Mode: mode}, File: handle}, nil
}

// copyExisting seeds a staged file with the current content of name
// so a modify-open preserves it.
func (p *Process) copyExisting(ctx context.Context, name string, destination *os.File) error {
	view, found, err := p.executor.cas.OpenFile(ctx, name, p.rule.ProxyAllowed())
	if err != nil {
		p.hostFailed(err)
		return err
	}
	if !found {
		return nil
	}
	defer view.Release()
	if view.IsDirectory || view.Size == 0 {
		return nil
	}
	if _, err := io.Copy(destination, io.NewSectionReader(view.Mapping, 0, view.Size)); err != nil {
		return fmt.Errorf("copying %s into staging: %w", name, err)
	}
	if _, err := destination.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return nil
}

// DeleteFile removes name. A file the process wrote is dropped
// locally; anything else is deleted on the coordinator.
func (p *Process) DeleteFile(ctx context.Context, name string) error {
	name = cleanPath(name)
	p.mu.Lock()
	if file, ok := p.writtenLocked(name); ok {
		delete(p.written, p.pathKey(name))
		p.mu.Unlock()
		return os.Remove(file.staged)
	}
	p.mu.Unlock()
	return p.mutate(ctx, protocol.FileMutationRequest{Op: protocol.MutationDelete, Path: name})
}

// MoveFile renames from to to.
func (p *Process) MoveFile(ctx context.Context, from, to string) error {
	from, to = cleanPath(from), cleanPath(to)
	p.mu.Lock()
	if file, ok := p.writtenLocked(from); ok {
		delete(p.written, p.pathKey(from))
		replaced, hadTarget := p.writtenLocked(to)
		file.path = to
		p.written[p.pathKey(to)] = file
		p.mu.Unlock()
		if hadTarget {
			os.Remove(replaced.staged)
		}
		return nil
	}
	p.dropWrittenLocked(to)
	p.mu.Unlock()
	return p.mutate(ctx, protocol.FileMutationRequest{Op: protocol.MutationMove, Path: from, NewPath: to})
}

// CopyFile copies from to to. Copying a file the process wrote
// stages a second file; copying a coordinator file is done by the
// coordinator.
func (p *Process) CopyFile(ctx context.Context, from, to string) error {
	from, to = cleanPath(from), cleanPath(to)
	file, ok := p.lookupWritten(from)
	if !ok {
		p.mu.Lock()
		p.dropWrittenLocked(to)
		p.mu.Unlock()
		return p.mutate(ctx, protocol.FileMutationRequest{Op: protocol.MutationCopy, Path: from, NewPath: to})
	}

	source, err := os.Open(file.staged)
	if err != nil {
		return err
	}
	defer source.Close()
	handle, err := p.openForWrite(ctx, to, vfs.IntentWrite, file.mode)
	if err != nil {
		return err
	}
	defer handle.File.Close()
	if _, err := io.Copy(handle.File, source); err != nil {
		return fmt.Errorf("copying %s to %s: %w", from, to, err)
	}
	return nil
}

// Chmod changes the permission bits of name.
func (p *Process) Chmod(ctx context.Context, name string, mode uint32) error {
	name = cleanPath(name)
	p.mu.Lock()
	if file, ok := p.writtenLocked(name); ok {
		file.mode = mode & 0o777
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.mutate(ctx, protocol.FileMutationRequest{Op: protocol.MutationChmod, Path: name, Mode: mode & 0o777})
}

// CreateDirectory creates a directory on the coordinator.
func (p *Process) CreateDirectory(ctx context.Context, name string, mode uint32) error {
	name = cleanPath(name)
	return p.mutate(ctx, protocol.FileMutationRequest{Op: protocol.MutationCreateDirectory, Path: name, Mode: mode & 0o777})
}

// RemoveDirectory removes an empty directory on the coordinator. A
// directory holding files the process wrote is not empty.
func (p *Process) RemoveDirectory(ctx context.Context, name string) error {
	name = cleanPath(name)
	p.mu.Lock()
	for _, file := range p.written {
		if strings.HasPrefix(file.path, name+"/") {
			p.mu.Unlock()
			return syscall.ENOTEMPTY
		}
	}
	p.mu.Unlock()
	return p.mutate(ctx, protocol.FileMutationRequest{Op: protocol.MutationRemoveDirectory, Path: name})
}

func (p *Process) dropWrittenLocked(name string) {
	if file, ok := p.writtenLocked(name); ok {
		delete(p.written, p.pathKey(name))
		os.Remove(file.staged)
	}
}

// mutate sends a namespace change to the coordinator, applies the
// directory table bytes that ride on the reply and drops cached
// content of the touched paths.
func (p *Process) mutate(ctx context.Context, request protocol.FileMutationRequest) error {
	e := p.executor
	request.ProcessID = p.id
	request.DirectoryTableSize = e.directory.WritePos()
	response, err := e.host.FileMutation(ctx, request)
	if err != nil {
		p.hostFailed(err)
		return fmt.Errorf("%s %s: %w", request.Op, request.Path, err)
	}

	e.cas.InvalidateFile(request.Path)
	if request.NewPath != "" {
		e.cas.InvalidateFile(request.NewPath)
	}
	if chunk := response.DirectoryChunk; chunk != nil && len(chunk.Data) > 0 {
		if err := e.directory.Apply(ctx, chunk.Offset, chunk.Data); err != nil {
			return fmt.Errorf("applying directory update: %w", err)
		}
		if err := e.directory.Commit(ctx, chunk.Offset+uint64(len(chunk.Data))); err != nil {
			return fmt.Errorf("committing directory update: %w", err)
		}
	}
	if !response.OK {
		errno := syscall.Errno(response.ErrorCode)
		if errno == 0 {
			errno = syscall.EIO
		}
		return fmt.Errorf("%s %s: %w", request.Op, request.Path, errno)
	}
	return nil
}
