// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/buildagent/lib/cas"
	"github.com/bureau-foundation/buildagent/lib/clock"
	"github.com/bureau-foundation/buildagent/lib/dirtable"
	"github.com/bureau-foundation/buildagent/lib/protocol"
	"github.com/bureau-foundation/buildagent/lib/workqueue"
)

// DefaultModuleCopyTimeout bounds how long a launch waits for its
// modules to be materialized.
const DefaultModuleCopyTimeout = 10 * time.Minute

// ErrSetupTimeout means the modules of an application were not all
// materialized within the module copy timeout.
var ErrSetupTimeout = errors.New("executor: timed out copying application modules")

// Host is the part of the coordinator session the executor uses.
type Host interface {
	GetApplication(ctx context.Context, request protocol.GetApplicationRequest) (protocol.GetApplicationResponse, error)
	GetFile(ctx context.Context, path string) (protocol.GetFileResponse, error)
	FileMutation(ctx context.Context, request protocol.FileMutationRequest) (protocol.FileMutationResponse, error)
	ListDirectory(ctx context.Context, path string) (protocol.ListDirectoryResponse, error)
}

// Options configures an Executor.
type Options struct {
	Host      Host
	CAS       *cas.Client
	Directory *dirtable.Table

	// Queue runs module copies and output uploads.
	Queue *workqueue.Queue

	// Launcher starts processes. Nil uses ExecLauncher.
	Launcher Launcher

	Rules *RuleSet

	// TempRoot holds each process's private scratch directory;
	// StagingRoot holds the files each process writes.
	TempRoot    string
	StagingRoot string

	// MountRoot, when set, gives every process a mounted view of
	// the shared namespace at MountRoot/<process id>. Without it a
	// process runs in its scratch directory and only sees the
	// namespace through its own hooks.
	MountRoot  string
	AllowOther bool

	// Environment is appended to every process environment as
	// received from the coordinator.
	Environment []string

	// CompressOutputs stores outputs in compressed cas form unless
	// a rule says otherwise.
	CompressOutputs bool

	ModuleCopyTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Executor runs assigned processes.
type Executor struct {
	host      Host
	cas       *cas.Client
	directory *dirtable.Table
	queue     *workqueue.Queue
	launcher  Launcher
	rules     *RuleSet

	tempRoot    string
	stagingRoot string
	mountRoot   string
	allowOther  bool
	environment []string
	compress    bool

	moduleCopyTimeout time.Duration
	clock             clock.Clock
	logger            *slog.Logger

	applications applicationCache

	completions chan Completion
	running     sync.WaitGroup
	terminating atomic.Bool
}

// New returns an Executor. Host, CAS, Directory, Queue, TempRoot and
// StagingRoot are required.
func New(options Options) (*Executor, error) {
	switch {
	case options.Host == nil:
		return nil, errors.New("executor: Host is required")
	case options.CAS == nil:
		return nil, errors.New("executor: CAS is required")
	case options.Directory == nil:
		return nil, errors.New("executor: Directory is required")
	case options.Queue == nil:
		return nil, errors.New("executor: Queue is required")
	case options.TempRoot == "" || options.StagingRoot == "":
		return nil, errors.New("executor: TempRoot and StagingRoot are required")
	}
	if options.Launcher == nil {
		options.Launcher = ExecLauncher{}
	}
	if options.ModuleCopyTimeout <= 0 {
		options.ModuleCopyTimeout = DefaultModuleCopyTimeout
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	for _, directory := range []string{options.TempRoot, options.StagingRoot} {
		if err := os.MkdirAll(directory, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", directory, err)
		}
	}
	return &Executor{
		host:              options.Host,
		cas:               options.CAS,
		directory:         options.Directory,
		queue:             options.Queue,
		launcher:          options.Launcher,
		rules:             options.Rules,
		tempRoot:          options.TempRoot,
		stagingRoot:       options.StagingRoot,
		mountRoot:         options.MountRoot,
		allowOther:        options.AllowOther,
		environment:       options.Environment,
		compress:          options.CompressOutputs,
		moduleCopyTimeout: options.ModuleCopyTimeout,
		clock:             options.Clock,
		logger:            options.Logger,
		applications:      applicationCache{ready: make(map[string]*ApplicationEnvironment)},
		completions:       make(chan Completion, 64),
	}, nil
}

// Completions delivers one Completion per started process.
func (e *Executor) Completions() <-chan Completion {
	return e.completions
}

// Terminate marks the agent as shutting down. Processes that exit
// non-zero from now on are handed back instead of reported as
// failures.
func (e *Executor) Terminate() {
	e.terminating.Store(true)
}

// Wait blocks until every started process has posted its
// completion.
func (e *Executor) Wait() {
	e.running.Wait()
}

// Start launches assignment in the background and returns its
// process. The outcome arrives on Completions.
func (e *Executor) Start(ctx context.Context, assignment protocol.Assignment) *Process {
	processContext, cancel := context.WithCancel(ctx)
	id := strconv.FormatUint(uint64(assignment.ProcessID), 10)
	process := &Process{
		executor:   e,
		id:         assignment.ProcessID,
		startInfo:  assignment.StartInfo,
		cancel:     cancel,
		tempDir:    filepath.Join(e.tempRoot, id),
		stagingDir: filepath.Join(e.stagingRoot, id),
		written:    make(map[cas.StringKey]*writtenFile),
		logs:       newLogBuffer(DefaultLogLines),
		logger:     e.logger.With("process_id", assignment.ProcessID),
	}
	e.running.Add(1)
	go func() {
		defer e.running.Done()
		defer cancel()
		completion := process.settle(process.run(processContext))
		process.cleanup()
		e.completions <- completion
	}()
	return process
}

// Weight is the scheduling weight of assignment: the rule override
// for its application, else the coordinator's weight, else one slot.
func (e *Executor) Weight(assignment protocol.Assignment) float64 {
	if weight := e.rules.For(assignment.StartInfo.Application).Weight; weight > 0 {
		return weight
	}
	if assignment.Weight > 0 {
		return assignment.Weight
	}
	return 1
}
