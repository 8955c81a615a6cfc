// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"github.com/bureau-foundation/buildagent/lib/protocol"
	"github.com/bureau-foundation/buildagent/lib/workqueue"
)

// SendFiles stores every file the process wrote in the cas and
// returns their reports, sorted by path. Any failure fails the
// whole send: a process whose outputs cannot be synchronized did
// not succeed.
func (p *Process) SendFiles(ctx context.Context) ([]protocol.WrittenFile, error) {
	p.mu.Lock()
	files := make([]writtenFile, 0, len(p.written))
	for _, file := range p.written {
		files = append(files, *file)
	}
	p.mu.Unlock()
	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })

	reports := make([]protocol.WrittenFile, len(files))
	tasks := make([]*workqueue.Task, len(files))
	for i, file := range files {
		tasks[i] = p.executor.queue.Add(ctx, func(ctx context.Context) error {
			report, err := p.sendFile(ctx, file)
			if err != nil {
				return err
			}
			reports[i] = report
			return nil
		})
	}

	var firstErr error
	for _, task := range tasks {
		<-task.Done()
		if err := task.Err(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return reports, nil
}

// SendFile stores the file the process wrote at name in the cas and
// uploads it.
func (p *Process) SendFile(ctx context.Context, name string) (protocol.WrittenFile, error) {
	name = cleanPath(name)
	file, ok := p.lookupWritten(name)
	if !ok {
		return protocol.WrittenFile{}, fmt.Errorf("%s was not written by process %d: %w", name, p.id, fs.ErrNotExist)
	}
	return p.sendFile(ctx, file)
}

func (p *Process) sendFile(ctx context.Context, file writtenFile) (protocol.WrittenFile, error) {
	content, err := os.ReadFile(file.staged)
	if err != nil {
		return protocol.WrittenFile{}, fmt.Errorf("reading output %s: %w", file.path, err)
	}
	compress := p.executor.compress && !p.rule.Uncompressed()
	key, err := p.executor.cas.StoreCasFile(ctx, content, compress)
	if err != nil {
		p.hostFailed(err)
		return protocol.WrittenFile{}, fmt.Errorf("storing output %s: %w", file.path, err)
	}
	p.logger.Debug("output stored", "path", file.path, "key", key, "size", len(content))
	return protocol.WrittenFile{
		Path: file.path,
		Key:  key,
		Size: int64(len(content)),
		Mode: file.mode,
	}, nil
}
