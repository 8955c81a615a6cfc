// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import "github.com/bureau-foundation/buildagent/lib/cas"

// GetApplicationRequest asks for the module closure of an
// application.
type GetApplicationRequest struct {
	Application      string `cbor:"application"`
	WorkingDirectory string `cbor:"working_directory,omitempty"`
}

// GetApplicationResponse lists the files needed to run an
// application. Paths are on the coordinator; module names are
// relative to the application's directory.
type GetApplicationResponse struct {
	Found bool `cbor:"found"`

	// Path is the resolved application path, after search-path
	// lookup of a bare name.
	Path    string   `cbor:"path"`
	Modules []Module `cbor:"modules"`
}

// Module is one file of an application's closure. The first module
// is the application binary itself.
type Module struct {
	Name       string `cbor:"name"`
	Path       string `cbor:"path"`
	Executable bool   `cbor:"executable"`
}

// GetFileRequest asks the coordinator to make the file at Path
// available in its cas.
type GetFileRequest struct {
	Path string `cbor:"path"`
}

// GetFileResponse returns the key of the stored file.
type GetFileResponse struct {
	Found bool    `cbor:"found"`
	Key   cas.Key `cbor:"key"`
	Size  int64   `cbor:"size"`
}

// DirectoryChunk is a slice of the serialized directory table.
// Empty Data means the coordinator has nothing beyond Offset.
type DirectoryChunk struct {
	Offset uint64 `cbor:"offset"`
	Data   []byte `cbor:"data,omitempty"`
}

// GetDirectoryEntriesRequest asks for table bytes from Offset.
type GetDirectoryEntriesRequest struct {
	Offset uint64 `cbor:"offset"`
}

// GetNameToHashRequest asks for the current key of one path.
type GetNameToHashRequest struct {
	Path    string        `cbor:"path"`
	PathKey cas.StringKey `cbor:"path_key"`
}

// GetNameToHashResponse carries the key with the coordinator's
// timestamp for last-writer-wins caching. KeyZero means no file.
type GetNameToHashResponse struct {
	Key       cas.Key `cbor:"key"`
	Timestamp uint64  `cbor:"timestamp"`
}

// NameTableRecordSize is the encoded size of one name-to-hash record.
const NameTableRecordSize = cas.StringKeySize + cas.KeySize + 8

// GetNameToHashTableRequest asks for name-to-hash records from
// record index Offset.
type GetNameToHashTableRequest struct {
	Offset uint64 `cbor:"offset"`
}

// GetNameToHashTableResponse carries whole encoded records. Empty
// Records means the table ends at Offset.
type GetNameToHashTableResponse struct {
	Offset  uint64 `cbor:"offset"`
	Records []byte `cbor:"records,omitempty"`
}

// ProcessAvailableRequest offers capacity to the coordinator.
type ProcessAvailableRequest struct {
	AvailableWeight    float64 `cbor:"available_weight"`
	ActiveWeight       float64 `cbor:"active_weight"`
	ActiveCount        int     `cbor:"active_count"`
	MemoryAvailable    uint64  `cbor:"memory_available"`
	DirectoryTableSize uint64  `cbor:"directory_table_size"`
	NameTableSize      uint64  `cbor:"name_table_size"`
}

// ProcessAvailableResponse carries zero or more assignments plus
// session-level instructions.
type ProcessAvailableResponse struct {
	Assignments []Assignment   `cbor:"assignments,omitempty"`
	Cancel      []Cancellation `cbor:"cancel,omitempty"`

	// Disconnect asks the agent to drain and leave.
	Disconnect bool `cbor:"disconnect,omitempty"`

	// RemoteExecutionDisabled stops further work offers. The agent
	// finishes its active processes and exits.
	RemoteExecutionDisabled bool `cbor:"remote_execution_disabled,omitempty"`

	DirectoryTableSize uint64 `cbor:"directory_table_size"`
	NameTableSize      uint64 `cbor:"name_table_size"`
}

// Assignment is one process to run.
type Assignment struct {
	ProcessID uint32    `cbor:"process_id"`
	Weight    float64   `cbor:"weight"`
	StartInfo StartInfo `cbor:"start_info"`
}

// StartInfo describes how to launch a process. It is built by the
// coordinator; the agent only reads it.
type StartInfo struct {
	Application      string   `cbor:"application"`
	Arguments        string   `cbor:"arguments"`
	WorkingDirectory string   `cbor:"working_directory"`
	Description      string   `cbor:"description,omitempty"`
	LogPath          string   `cbor:"log_path,omitempty"`
	Priority         int      `cbor:"priority,omitempty"`
	UILanguage       string   `cbor:"ui_language,omitempty"`
	Environment      []string `cbor:"environment,omitempty"`
	Rules            string   `cbor:"rules,omitempty"`

	WriteOutputFilesOnFail bool `cbor:"write_output_files_on_fail,omitempty"`
}

// Cancellation revokes an assigned process.
type Cancellation struct {
	ProcessID uint32 `cbor:"process_id"`
	Reason    string `cbor:"reason"`
}

// ProcessFinishedRequest reports a process that ran to completion.
type ProcessFinishedRequest struct {
	ProcessID    uint32        `cbor:"process_id"`
	ExitCode     int           `cbor:"exit_code"`
	LogLines     []string      `cbor:"log_lines,omitempty"`
	WrittenFiles []WrittenFile `cbor:"written_files,omitempty"`
	Stats        ProcessStats  `cbor:"stats"`
}

// WrittenFile reports one output file.
type WrittenFile struct {
	Path string  `cbor:"path"`
	Key  cas.Key `cbor:"key"`
	Size int64   `cbor:"size"`
	Mode uint32  `cbor:"mode"`
}

// ProcessStats is per-process timing and byte counts.
type ProcessStats struct {
	PrepareNanos   int64 `cbor:"prepare_nanos"`
	RunNanos       int64 `cbor:"run_nanos"`
	SendFilesNanos int64 `cbor:"send_files_nanos"`
	BytesWritten   int64 `cbor:"bytes_written"`
	FilesWritten   int   `cbor:"files_written"`
}

// ProcessReturnedRequest hands a process back for the coordinator to
// run elsewhere.
type ProcessReturnedRequest struct {
	ProcessID uint32 `cbor:"process_id"`
	Reason    string `cbor:"reason"`
}

// Mutation operations.
const (
	MutationCreate          = "create"
	MutationDelete          = "delete"
	MutationMove            = "move"
	MutationCopy            = "copy"
	MutationChmod           = "chmod"
	MutationCreateDirectory = "mkdir"
	MutationRemoveDirectory = "rmdir"
)

// FileMutationRequest changes the shared namespace.
type FileMutationRequest struct {
	ProcessID uint32 `cbor:"process_id"`
	Op        string `cbor:"op"`
	Path      string `cbor:"path"`
	NewPath   string `cbor:"new_path,omitempty"`
	Mode      uint32 `cbor:"mode,omitempty"`

	// DirectoryTableSize lets the coordinator piggyback the table
	// bytes this agent is missing.
	DirectoryTableSize uint64 `cbor:"directory_table_size"`
}

// FileMutationResponse reports the outcome. ErrorCode is an errno
// value when OK is false.
type FileMutationResponse struct {
	OK             bool            `cbor:"ok"`
	ErrorCode      int             `cbor:"error_code,omitempty"`
	DirectoryChunk *DirectoryChunk `cbor:"directory_chunk,omitempty"`
}

// ListDirectoryRequest asks the coordinator for a directory listing
// that the local table does not have yet.
type ListDirectoryRequest struct {
	Path string `cbor:"path"`
}

// ListDirectoryResponse lists a directory.
type ListDirectoryResponse struct {
	Found   bool             `cbor:"found"`
	Entries []DirectoryEntry `cbor:"entries,omitempty"`
}

// DirectoryEntry is one name in a listing.
type DirectoryEntry struct {
	Name              string  `cbor:"name"`
	Attributes        uint32  `cbor:"attributes"`
	Size              uint64  `cbor:"size"`
	ModifiedUnixNanos int64   `cbor:"modified_unix_nanos"`
	Key               cas.Key `cbor:"key"`
}

// LogNotice forwards an agent log line.
type LogNotice struct {
	ProcessID uint32 `cbor:"process_id,omitempty"`
	Level     string `cbor:"level"`
	Message   string `cbor:"message"`
}

// SummaryNotice is sent once on orderly shutdown.
type SummaryNotice struct {
	ProcessesRun      int64 `cbor:"processes_run"`
	ProcessesReturned int64 `cbor:"processes_returned"`
	ProcessesKilled   int64 `cbor:"processes_killed"`
	BytesFetched      int64 `cbor:"bytes_fetched"`
	BytesStored       int64 `cbor:"bytes_stored"`
	CacheHits         int64 `cbor:"cache_hits"`
	DurationNanos     int64 `cbor:"duration_nanos"`
}
