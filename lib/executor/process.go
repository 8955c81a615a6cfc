// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/buildagent/lib/cas"
	"github.com/bureau-foundation/buildagent/lib/protocol"
	"github.com/bureau-foundation/buildagent/lib/vfs"
	"github.com/bureau-foundation/buildagent/lib/wire"
	"github.com/google/shlex"
)

// Outcome classifies how a process ended.
type Outcome int

const (
	// OutcomeFinished means the process ran to completion and its
	// result (exit code and outputs) should be reported.
	OutcomeFinished Outcome = iota

	// OutcomeReturned means the coordinator should run the process
	// elsewhere.
	OutcomeReturned

	// OutcomeSetupFailed means the process could not be launched.
	OutcomeSetupFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFinished:
		return "finished"
	case OutcomeReturned:
		return "returned"
	case OutcomeSetupFailed:
		return "setup-failed"
	default:
		return "unknown"
	}
}

// Completion is posted once per started process.
type Completion struct {
	ProcessID uint32
	Outcome   Outcome
	ExitCode  int

	// Killed is set when the process was stopped through Kill. Its
	// return was already reported by whoever killed it.
	Killed bool

	// Reason explains a return or setup failure.
	Reason string

	LogLines     []string
	WrittenFiles []protocol.WrittenFile
	Stats        protocol.ProcessStats
	Err          error
}

// Process is one assigned process. It serves the process's view of
// the shared namespace for its whole lifetime.
type Process struct {
	executor  *Executor
	id        uint32
	startInfo protocol.StartInfo
	rule      Rule
	cancel    context.CancelFunc
	logger    *slog.Logger

	tempDir    string
	stagingDir string
	logs       *logBuffer

	// messageFailed records that a coordinator call made on the
	// process's behalf failed in transport, so its view of the
	// namespace may have diverged.
	messageFailed atomic.Bool

	mu          sync.Mutex
	killed      bool
	killReason  string
	settled     bool
	written     map[cas.StringKey]*writtenFile
	stagedCount int
}

// ID returns the coordinator's process id.
func (p *Process) ID() uint32 {
	return p.id
}

// Kill stops the process. Returns false if it was already killed or
// its completion has already been decided, in which case the
// completion stands.
func (p *Process) Kill(reason string) bool {
	p.mu.Lock()
	if p.killed || p.settled {
		p.mu.Unlock()
		return false
	}
	p.killed = true
	p.killReason = reason
	p.mu.Unlock()
	p.logger.Warn("killing process", "reason", reason)
	p.cancel()
	return true
}

// Killed reports whether Kill was called.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *Process) run(ctx context.Context) Completion {
	e := p.executor
	completion := Completion{ProcessID: p.id}

	prepareStart := e.clock.Now()
	setupFailed := func(err error) Completion {
		p.logger.Error("process setup failed", "application", p.startInfo.Application, "error", err)
		completion.Outcome = OutcomeSetupFailed
		completion.Reason = err.Error()
		completion.Err = err
		return p.finishKilled(completion)
	}

	rule, err := resolveRule(e.rules, p.startInfo.Application, p.startInfo.Rules)
	if err != nil {
		return setupFailed(err)
	}
	p.rule = rule
	environment, err := e.PrepareProcess(ctx, p.startInfo)
	if err != nil {
		return setupFailed(err)
	}
	arguments, err := shlex.Split(p.startInfo.Arguments)
	if err != nil {
		return setupFailed(fmt.Errorf("splitting arguments: %w", err))
	}
	for _, directory := range []string{p.tempDir, p.stagingDir} {
		if err := os.MkdirAll(directory, 0o755); err != nil {
			return setupFailed(fmt.Errorf("creating %s: %w", directory, err))
		}
	}

	workingDirectory := p.tempDir
	if e.mountRoot != "" {
		mountpoint := filepath.Join(e.mountRoot, strconv.FormatUint(uint64(p.id), 10))
		server, err := vfs.Mount(vfs.Options{
			Mountpoint: mountpoint,
			FileSystem: p,
			AllowOther: e.allowOther,
			Logger:     p.logger,
		})
		if err != nil {
			return setupFailed(err)
		}
		defer func() {
			if err := server.Unmount(); err != nil {
				p.logger.Warn("unmounting process view failed", "mountpoint", mountpoint, "error", err)
			}
		}()
		workingDirectory = filepath.Join(mountpoint, filepath.FromSlash(p.startInfo.WorkingDirectory))
	}
	completion.Stats.PrepareNanos = e.clock.Now().Sub(prepareStart).Nanoseconds()

	runStart := e.clock.Now()
	exitCode, err := e.launcher.Run(ctx, LaunchRequest{
		Path:        environment.Binary,
		Arguments:   arguments,
		Directory:   workingDirectory,
		Environment: p.environment(),
		Priority:    p.startInfo.Priority,
		Output:      p.logs,
		FileSystem:  p,
	})
	completion.Stats.RunNanos = e.clock.Now().Sub(runStart).Nanoseconds()
	completion.ExitCode = exitCode
	completion.LogLines = p.logs.Lines()
	if err != nil && !p.Killed() {
		return setupFailed(err)
	}
	return p.complete(ctx, completion)
}

// complete applies the completion policy to an exited process.
func (p *Process) complete(ctx context.Context, completion Completion) Completion {
	if p.Killed() {
		return p.finishKilled(completion)
	}

	if completion.ExitCode == 0 || p.rule.OutputsOnFail() || p.startInfo.WriteOutputFilesOnFail {
		sendStart := p.executor.clock.Now()
		files, err := p.SendFiles(ctx)
		completion.Stats.SendFilesNanos = p.executor.clock.Now().Sub(sendStart).Nanoseconds()
		if err != nil {
			p.logger.Error("sending output files failed", "error", err)
			completion.Outcome = OutcomeReturned
			completion.Reason = fmt.Sprintf("sending output files: %v", err)
			completion.Err = err
			return completion
		}
		completion.WrittenFiles = files
		for _, file := range files {
			completion.Stats.BytesWritten += file.Size
		}
		completion.Stats.FilesWritten = len(files)
	}

	if completion.ExitCode != 0 {
		switch {
		case p.executor.terminating.Load() || ctx.Err() != nil:
			completion.Outcome = OutcomeReturned
			completion.Reason = "agent terminating"
			return completion
		case p.messageFailed.Load():
			completion.Outcome = OutcomeReturned
			completion.Reason = "coordinator message failed during process"
			return completion
		}
	}
	completion.Outcome = OutcomeFinished
	return completion
}

// settle fixes the completion: after it, Kill has no effect. A kill
// that landed before it still turns the completion into a return.
func (p *Process) settle(completion Completion) Completion {
	p.mu.Lock()
	p.settled = true
	p.mu.Unlock()
	return p.finishKilled(completion)
}

// finishKilled turns completion into a return when the process was
// killed while it was being prepared or run.
func (p *Process) finishKilled(completion Completion) Completion {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.killed {
		completion.Outcome = OutcomeReturned
		completion.Killed = true
		completion.Reason = p.killReason
	}
	return completion
}

// environment builds the process environment: the assignment's
// variables, temporary directories forced to the process scratch
// directory, then the coordinator's session variables.
func (p *Process) environment() []string {
	forced := []string{"TMP", "TEMP", "TMPDIR"}
	result := make([]string, 0, len(p.startInfo.Environment)+len(forced)+len(p.executor.environment))
	for _, variable := range p.startInfo.Environment {
		name, _, _ := strings.Cut(variable, "=")
		overridden := false
		for _, temporary := range forced {
			if strings.EqualFold(name, temporary) {
				overridden = true
				break
			}
		}
		if !overridden {
			result = append(result, variable)
		}
	}
	for _, temporary := range forced {
		result = append(result, temporary+"="+p.tempDir)
	}
	return append(result, p.executor.environment...)
}

func (p *Process) cleanup() {
	for _, directory := range []string{p.tempDir, p.stagingDir} {
		if err := os.RemoveAll(directory); err != nil {
			p.logger.Warn("removing process directory failed", "directory", directory, "error", err)
		}
	}
}

// hostFailed records a transport failure of a coordinator call.
// Refusals by the coordinator are ordinary results.
func (p *Process) hostFailed(err error) {
	var remote *wire.RemoteError
	if errors.As(err, &remote) || errors.Is(err, context.Canceled) {
		return
	}
	p.messageFailed.Store(true)
}

// cleanPath normalizes a namespace path.
func cleanPath(name string) string {
	return path.Clean("/" + strings.ReplaceAll(name, "\\", "/"))
}
