// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/bureau-foundation/buildagent/lib/vfs"
	"golang.org/x/sys/unix"
)

// LaunchRequest describes one process to run.
type LaunchRequest struct {
	Path        string
	Arguments   []string
	Directory   string
	Environment []string
	Priority    int

	// Output receives the process's stdout and stderr.
	Output io.Writer

	// FileSystem is the process's view of the shared namespace.
	// Launchers that cannot virtualize the filesystem may ignore it.
	FileSystem vfs.FileSystem
}

// Launcher runs a process to completion. Cancelling ctx kills the
// process and everything it started.
type Launcher interface {
	Run(ctx context.Context, request LaunchRequest) (exitCode int, err error)
}

// ExecLauncher runs processes with os/exec in their own process
// group.
type ExecLauncher struct{}

// Run starts the process and waits for it. A process killed by a
// signal reports exit code -1 with a nil error.
func (ExecLauncher) Run(ctx context.Context, request LaunchRequest) (int, error) {
	cmd := exec.CommandContext(ctx, request.Path, request.Arguments...)
	cmd.Dir = request.Directory
	cmd.Env = request.Environment
	cmd.Stdout = request.Output
	cmd.Stderr = request.Output

	// Kill the whole group so children of the tool go too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("starting %s: %w", request.Path, err)
	}
	if request.Priority != 0 {
		// Best effort: raising priority needs privileges.
		_ = unix.Setpriority(unix.PRIO_PGRP, cmd.Process.Pid, request.Priority)
	}

	err := cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		return exitError.ExitCode(), nil
	}
	return -1, err
}

// DefaultLogLines is how many output lines a process keeps for its
// report.
const DefaultLogLines = 1000

// logBuffer keeps the last limit lines written to it.
type logBuffer struct {
	mu      sync.Mutex
	limit   int
	lines   []string
	start   int
	partial []byte
	dropped int
}

func newLogBuffer(limit int) *logBuffer {
	return &logBuffer{limit: limit}
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data := p
	for {
		index := bytes.IndexByte(data, '\n')
		if index < 0 {
			b.partial = append(b.partial, data...)
			return len(p), nil
		}
		line := string(b.partial) + string(data[:index])
		b.partial = b.partial[:0]
		b.appendLocked(strings.TrimSuffix(line, "\r"))
		data = data[index+1:]
	}
}

func (b *logBuffer) appendLocked(line string) {
	if len(b.lines) < b.limit {
		b.lines = append(b.lines, line)
		return
	}
	b.lines[b.start] = line
	b.start = (b.start + 1) % b.limit
	b.dropped++
}

// Lines returns the retained lines in order, including an
// unterminated final line.
func (b *logBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	result := make([]string, 0, len(b.lines)+1)
	result = append(result, b.lines[b.start:]...)
	result = append(result, b.lines[:b.start]...)
	if len(b.partial) > 0 {
		result = append(result, string(b.partial))
	}
	return result
}

// Dropped is the number of lines that fell out of the buffer.
func (b *logBuffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
