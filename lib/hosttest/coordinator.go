// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package hosttest provides an in-memory coordinator for tests. A
// [Coordinator] owns a small shared namespace, serializes it into a
// directory table and a name-to-hash table the way a real
// coordinator does, hands out assignments and records everything
// agents report back.
//
// The coordinator can be used directly through its methods, which
// match the interfaces the agent packages consume, or served over
// the wire protocol with [Coordinator.Register] or [Coordinator.Listen].
package hosttest

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/bureau-foundation/buildagent/lib/cas"
	"github.com/bureau-foundation/buildagent/lib/dirtable"
	"github.com/bureau-foundation/buildagent/lib/protocol"
)

// DefaultChunkSize bounds table bytes returned per request.
const DefaultChunkSize = 64 << 10

type file struct {
	content []byte
	key     cas.Key
	mode    uint32
}

// Coordinator is a fake coordinator. All methods are safe for
// concurrent use.
type Coordinator struct {
	mu sync.Mutex

	// ChunkSize bounds directory and name table responses. Set it
	// before use.
	ChunkSize int

	files       map[string]*file
	directories map[string]bool
	table       []byte
	names       []cas.NameRecord
	timestamp   uint64
	blobs       map[cas.Key][]byte
	uploads     map[cas.Key][]byte

	applications map[string]protocol.GetApplicationResponse
	environment  []string
	pending      []protocol.Assignment
	cancels      []protocol.Cancellation
	disabled     bool
	disconnect   bool

	mutationErr   error
	getFileBlock  chan struct{}
	nameBlock     chan struct{}
	nameReached   chan struct{}
	availability  []protocol.ProcessAvailableRequest
	finished      []protocol.ProcessFinishedRequest
	returned      []protocol.ProcessReturnedRequest
	mutations     []protocol.FileMutationRequest
	summaries     []protocol.SummaryNotice
	logs          []protocol.LogNotice
	badKeys       []cas.Key
	connects      []protocol.ConnectRequest
	calls         map[string]int
}

// New returns a coordinator whose namespace holds only the root
// directory.
func New() *Coordinator {
	c := &Coordinator{
		ChunkSize:    DefaultChunkSize,
		files:        make(map[string]*file),
		directories:  map[string]bool{"/": true},
		blobs:        make(map[cas.Key][]byte),
		uploads:      make(map[cas.Key][]byte),
		applications: make(map[string]protocol.GetApplicationResponse),
		calls:        make(map[string]int),
	}
	c.publishDirectoryLocked("/")
	return c
}

func clean(name string) string {
	return path.Clean("/" + strings.ReplaceAll(name, "\\", "/"))
}

// AddFile places content at name, creating parent directories, and
// returns its cas key.
func (c *Coordinator) AddFile(name string, content []byte, mode uint32) cas.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	name = clean(name)
	c.mkdirAllLocked(path.Dir(name))
	key := cas.HashContent(content)
	c.files[name] = &file{content: append([]byte(nil), content...), key: key, mode: mode}
	c.blobs[key] = c.files[name].content
	c.publishNameLocked(name, key)
	c.publishDirectoryLocked(path.Dir(name))
	return key
}

// AddDirectory creates name and its parents.
func (c *Coordinator) AddDirectory(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mkdirAllLocked(clean(name))
}

// ModuleFile is one file of a test application.
type ModuleFile struct {
	Name       string
	Content    []byte
	Executable bool
}

// AddApplication installs an application whose first module is its
// binary, in the directory of application.
func (c *Coordinator) AddApplication(application string, modules ...ModuleFile) {
	application = clean(application)
	directory := path.Dir(application)
	response := protocol.GetApplicationResponse{Found: true, Path: application}
	for _, module := range modules {
		modulePath := path.Join(directory, module.Name)
		mode := uint32(0o644)
		if module.Executable {
			mode = 0o755
		}
		c.AddFile(modulePath, module.Content, mode)
		response.Modules = append(response.Modules, protocol.Module{
			Name:       module.Name,
			Path:       modulePath,
			Executable: module.Executable,
		})
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applications[application] = response
	c.applications[path.Base(application)] = response
}

// SetEnvironment sets the variables sent in the handshake.
func (c *Coordinator) SetEnvironment(environment ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.environment = environment
}

// Assign queues assignments for the next ProcessAvailable calls. An
// assignment is handed out only when it fits the offered weight.
func (c *Coordinator) Assign(assignments ...protocol.Assignment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, assignments...)
}

// Cancel queues a cancellation for the next ProcessAvailable reply.
func (c *Coordinator) Cancel(processID uint32, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels = append(c.cancels, protocol.Cancellation{ProcessID: processID, Reason: reason})
}

// DisableRemoteExecution tells agents to finish and leave.
func (c *Coordinator) DisableRemoteExecution() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled = true
}

// RequestDisconnect sets the disconnect instruction.
func (c *Coordinator) RequestDisconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnect = true
}

// FailFileMutations makes every later FileMutation call fail with
// err, as a broken connection would.
func (c *Coordinator) FailFileMutations(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mutationErr = err
}

// BlockGetFile holds GetFile calls until the returned function is
// called.
func (c *Coordinator) BlockGetFile() (release func()) {
	block := make(chan struct{})
	c.mu.Lock()
	c.getFileBlock = block
	c.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(block) }) }
}

// BlockNameTable holds name table chunk requests served over the
// wire until release is called. reached receives once a request is
// being held.
func (c *Coordinator) BlockNameTable() (reached <-chan struct{}, release func()) {
	block := make(chan struct{})
	held := make(chan struct{}, 1)
	c.mu.Lock()
	c.nameBlock = block
	c.nameReached = held
	c.mu.Unlock()
	var once sync.Once
	return held, func() { once.Do(func() { close(block) }) }
}

// Calls returns how many times the named operation was called.
func (c *Coordinator) Calls(operation string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[operation]
}

// Stored returns a cas file uploaded by an agent.
func (c *Coordinator) Stored(key cas.Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.uploads[key]
	return data, ok
}

// Finished returns the processes reported finished.
func (c *Coordinator) Finished() []protocol.ProcessFinishedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.ProcessFinishedRequest(nil), c.finished...)
}

// Returned returns the processes handed back.
func (c *Coordinator) Returned() []protocol.ProcessReturnedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.ProcessReturnedRequest(nil), c.returned...)
}

// Mutations returns the namespace changes agents requested.
func (c *Coordinator) Mutations() []protocol.FileMutationRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.FileMutationRequest(nil), c.mutations...)
}

// Availability returns every ProcessAvailable request received.
func (c *Coordinator) Availability() []protocol.ProcessAvailableRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.ProcessAvailableRequest(nil), c.availability...)
}

// Summaries returns the summary notices received.
func (c *Coordinator) Summaries() []protocol.SummaryNotice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.SummaryNotice(nil), c.summaries...)
}

// Logs returns the log notices received.
func (c *Coordinator) Logs() []protocol.LogNotice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.LogNotice(nil), c.logs...)
}

// BadKeys returns keys agents reported as corrupt.
func (c *Coordinator) BadKeys() []cas.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]cas.Key(nil), c.badKeys...)
}

// Connects returns the handshakes received.
func (c *Coordinator) Connects() []protocol.ConnectRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.ConnectRequest(nil), c.connects...)
}

// DirectoryTableSize is the serialized size of the directory table.
func (c *Coordinator) DirectoryTableSize() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(len(c.table))
}

// NameTableSize is the number of name-to-hash records.
func (c *Coordinator) NameTableSize() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(len(c.names))
}

func (c *Coordinator) countLocked(operation string) {
	c.calls[operation]++
}

func (c *Coordinator) mkdirAllLocked(name string) {
	if c.directories[name] {
		return
	}
	c.mkdirAllLocked(path.Dir(name))
	c.directories[name] = true
	c.publishNameLocked(name, cas.KeyIsDirectory)
	c.publishDirectoryLocked(name)
	c.publishDirectoryLocked(path.Dir(name))
}

func (c *Coordinator) publishNameLocked(name string, key cas.Key) {
	c.timestamp++
	c.names = append(c.names, cas.NameRecord{
		Path:      cas.StringKeyOf(name, false),
		Key:       key,
		Timestamp: c.timestamp,
	})
}

// publishDirectoryLocked appends the current state of directory to
// the directory table.
func (c *Coordinator) publishDirectoryLocked(directory string) {
	record := dirtable.Record{Path: directory, Removed: !c.directories[directory]}
	if !record.Removed {
		for name := range c.directories {
			if name != "/" && path.Dir(name) == directory {
				record.Entries = append(record.Entries, dirtable.Entry{
					Name:       path.Base(name),
					Attributes: dirtable.AttributeDirectory | 0o755,
					Key:        cas.KeyIsDirectory,
				})
			}
		}
		for name, entry := range c.files {
			if path.Dir(name) == directory {
				record.Entries = append(record.Entries, dirtable.Entry{
					Name:       path.Base(name),
					Attributes: entry.mode & 0o777,
					Size:       uint64(len(entry.content)),
					Key:        entry.key,
				})
			}
		}
		sort.Slice(record.Entries, func(i, j int) bool { return record.Entries[i].Name < record.Entries[j].Name })
	}
	c.table = dirtable.AppendRecord(c.table, record)
}

// Connect answers a handshake.
func (c *Coordinator) Connect(request protocol.ConnectRequest) protocol.ConnectResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countLocked("Connect")
	c.connects = append(c.connects, request)
	if request.ProtocolVersion == 0 {
		return protocol.ConnectResponse{Reason: "missing protocol version"}
	}
	return protocol.ConnectResponse{
		SessionID:          fmt.Sprintf("session-%d", len(c.connects)),
		Accepted:           true,
		Environment:        c.environment,
		DirectoryTableSize: uint64(len(c.table)),
		NameTableSize:      uint64(len(c.names)),
	}
}

// GetApplication resolves an application by path or base name.
func (c *Coordinator) GetApplication(ctx context.Context, request protocol.GetApplicationRequest) (protocol.GetApplicationResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countLocked("GetApplication")
	if response, ok := c.applications[clean(request.Application)]; ok {
		return response, nil
	}
	return c.applications[request.Application], nil
}

// GetFile reports the key of a file.
func (c *Coordinator) GetFile(ctx context.Context, name string) (protocol.GetFileResponse, error) {
	c.mu.Lock()
	c.countLocked("GetFile")
	block := c.getFileBlock
	c.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return protocol.GetFileResponse{}, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.files[clean(name)]
	if !ok {
		return protocol.GetFileResponse{}, nil
	}
	return protocol.GetFileResponse{Found: true, Key: entry.key, Size: int64(len(entry.content))}, nil
}

// GetNameToHash returns the current key of a path.
func (c *Coordinator) GetNameToHash(ctx context.Context, name string, pathKey cas.StringKey) (cas.NameRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countLocked("GetNameToHash")
	name = clean(name)
	key := cas.KeyZero
	if entry, ok := c.files[name]; ok {
		key = entry.key
	} else if c.directories[name] {
		key = cas.KeyIsDirectory
	}
	return cas.NameRecord{Path: pathKey, Key: key, Timestamp: c.timestamp}, nil
}

// DirectoryChunk returns table bytes from offset, at most ChunkSize.
func (c *Coordinator) DirectoryChunk(offset uint64) protocol.DirectoryChunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countLocked("GetDirectoryEntries")
	return c.directoryChunkLocked(offset)
}

func (c *Coordinator) directoryChunkLocked(offset uint64) protocol.DirectoryChunk {
	if offset >= uint64(len(c.table)) {
		return protocol.DirectoryChunk{Offset: uint64(len(c.table))}
	}
	end := offset + uint64(c.ChunkSize)
	if end > uint64(len(c.table)) {
		end = uint64(len(c.table))
	}
	return protocol.DirectoryChunk{Offset: offset, Data: append([]byte(nil), c.table[offset:end]...)}
}

// NameTableChunk returns name records from record index offset.
func (c *Coordinator) NameTableChunk(offset uint64) protocol.GetNameToHashTableResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countLocked("GetNameToHashTable")
	if offset >= uint64(len(c.names)) {
		return protocol.GetNameToHashTableResponse{Offset: uint64(len(c.names))}
	}
	count := uint64(c.ChunkSize / protocol.NameTableRecordSize)
	if count == 0 {
		count = 1
	}
	end := min(offset+count, uint64(len(c.names)))
	return protocol.GetNameToHashTableResponse{
		Offset:  offset,
		Records: protocol.EncodeNameRecords(nil, c.names[offset:end]),
	}
}

// FileMutation applies a namespace change and returns the table
// bytes the agent is missing.
func (c *Coordinator) FileMutation(ctx context.Context, request protocol.FileMutationRequest) (protocol.FileMutationResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countLocked("FileMutation")
	if c.mutationErr != nil {
		return protocol.FileMutationResponse{}, c.mutationErr
	}
	c.mutations = append(c.mutations, request)

	errno := c.mutateLocked(request)
	response := protocol.FileMutationResponse{OK: errno == 0, ErrorCode: int(errno)}
	chunk := c.directoryChunkLocked(request.DirectoryTableSize)
	if len(chunk.Data) > 0 {
		response.DirectoryChunk = &chunk
	}
	return response, nil
}

func (c *Coordinator) mutateLocked(request protocol.FileMutationRequest) syscall.Errno {
	name := clean(request.Path)
	switch request.Op {
	case protocol.MutationDelete:
		if _, ok := c.files[name]; !ok {
			return syscall.ENOENT
		}
		delete(c.files, name)
		c.publishNameLocked(name, cas.KeyZero)
		c.publishDirectoryLocked(path.Dir(name))
	case protocol.MutationMove, protocol.MutationCopy:
		entry, ok := c.files[name]
		if !ok {
			return syscall.ENOENT
		}
		target := clean(request.NewPath)
		if !c.directories[path.Dir(target)] {
			return syscall.ENOENT
		}
		copied := *entry
		c.files[target] = &copied
		c.publishNameLocked(target, entry.key)
		if request.Op == protocol.MutationMove {
			delete(c.files, name)
			c.publishNameLocked(name, cas.KeyZero)
			c.publishDirectoryLocked(path.Dir(name))
		}
		c.publishDirectoryLocked(path.Dir(target))
	case protocol.MutationChmod:
		entry, ok := c.files[name]
		if !ok {
			return syscall.ENOENT
		}
		entry.mode = request.Mode
		c.publishDirectoryLocked(path.Dir(name))
	case protocol.MutationCreateDirectory:
		if c.directories[name] {
			return syscall.EEXIST
		}
		if !c.directories[path.Dir(name)] {
			return syscall.ENOENT
		}
		c.mkdirAllLocked(name)
	case protocol.MutationRemoveDirectory:
		if !c.directories[name] {
			return syscall.ENOENT
		}
		for other := range c.files {
			if strings.HasPrefix(other, name+"/") {
				return syscall.ENOTEMPTY
			}
		}
		for other := range c.directories {
			if strings.HasPrefix(other, name+"/") {
				return syscall.ENOTEMPTY
			}
		}
		delete(c.directories, name)
		c.publishNameLocked(name, cas.KeyZero)
		c.publishDirectoryLocked(name)
		c.publishDirectoryLocked(path.Dir(name))
	default:
		return syscall.EINVAL
	}
	return 0
}

// ListDirectory lists a directory.
func (c *Coordinator) ListDirectory(ctx context.Context, name string) (protocol.ListDirectoryResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countLocked("ListDirectory")
	name = clean(name)
	if !c.directories[name] {
		return protocol.ListDirectoryResponse{}, nil
	}
	response := protocol.ListDirectoryResponse{Found: true}
	for other := range c.directories {
		if other != "/" && path.Dir(other) == name {
			response.Entries = append(response.Entries, protocol.DirectoryEntry{
				Name:       path.Base(other),
				Attributes: dirtable.AttributeDirectory | 0o755,
				Key:        cas.KeyIsDirectory,
			})
		}
	}
	for other, entry := range c.files {
		if path.Dir(other) == name {
			response.Entries = append(response.Entries, protocol.DirectoryEntry{
				Name:       path.Base(other),
				Attributes: entry.mode & 0o777,
				Size:       uint64(len(entry.content)),
				Key:        entry.key,
			})
		}
	}
	return response, nil
}

// FetchCasFile writes a stored cas file to w.
func (c *Coordinator) FetchCasFile(ctx context.Context, key cas.Key, w io.Writer) error {
	data, ok := c.blob(key)
	if !ok {
		return fmt.Errorf("%w: %s", cas.ErrNotFound, key)
	}
	_, err := w.Write(data)
	return err
}

func (c *Coordinator) blob(key cas.Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countLocked("Fetch")
	if data, ok := c.blobs[key]; ok {
		return data, true
	}
	data, ok := c.uploads[key]
	return data, ok
}

// StoreCasFile records an upload.
func (c *Coordinator) StoreCasFile(ctx context.Context, key cas.Key, content []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countLocked("Store")
	c.uploads[key] = append([]byte(nil), content...)
	return nil
}

// ReportBadCasFile records a corruption report.
func (c *Coordinator) ReportBadCasFile(ctx context.Context, key cas.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countLocked("ReportBadCasFile")
	c.badKeys = append(c.badKeys, key)
	return nil
}

// ProcessAvailable records an offer and answers with queued
// cancellations and the assignments that fit the offered weight.
func (c *Coordinator) ProcessAvailable(request protocol.ProcessAvailableRequest) protocol.ProcessAvailableResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countLocked("ProcessAvailable")
	c.availability = append(c.availability, request)

	response := protocol.ProcessAvailableResponse{
		Cancel:                  c.cancels,
		Disconnect:              c.disconnect,
		RemoteExecutionDisabled: c.disabled,
		DirectoryTableSize:      uint64(len(c.table)),
		NameTableSize:           uint64(len(c.names)),
	}
	c.cancels = nil
	if c.disabled || c.disconnect {
		return response
	}
	available := request.AvailableWeight
	remaining := c.pending[:0]
	for _, assignment := range c.pending {
		if assignment.Weight <= available+1e-9 {
			response.Assignments = append(response.Assignments, assignment)
			available -= assignment.Weight
			continue
		}
		remaining = append(remaining, assignment)
	}
	c.pending = remaining
	return response
}

// ProcessFinished records a finished process.
func (c *Coordinator) ProcessFinished(request protocol.ProcessFinishedRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countLocked("ProcessFinished")
	c.finished = append(c.finished, request)
}

// ProcessReturned records a returned process.
func (c *Coordinator) ProcessReturned(request protocol.ProcessReturnedRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countLocked("ProcessReturned")
	c.returned = append(c.returned, request)
}

// Summary records a summary notice.
func (c *Coordinator) Summary(notice protocol.SummaryNotice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countLocked("Summary")
	c.summaries = append(c.summaries, notice)
}

// Log records a log notice.
func (c *Coordinator) Log(notice protocol.LogNotice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countLocked("Log")
	c.logs = append(c.logs, notice)
}
