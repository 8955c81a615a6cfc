// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package workqueue runs blocking jobs (cas fetches, uploads, module
// copies) on a bounded number of goroutines. Each job reports its
// completion through a [Task] so callers can wait on individual jobs
// with their own deadline.
package workqueue

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Queue bounds concurrent jobs.
type Queue struct {
	slots   *semaphore.Weighted
	running sync.WaitGroup
}

// New returns a queue running at most workers jobs at once.
func New(workers int) *Queue {
	if workers < 1 {
		workers = 1
	}
	return &Queue{slots: semaphore.NewWeighted(int64(workers))}
}

// Task is one queued job.
type Task struct {
	done chan struct{}
	err  error
}

// Done is closed when the job has finished or was abandoned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the job's error. Only valid after Done is closed.
func (t *Task) Err() error {
	return t.err
}

// Add queues fn. If ctx ends before a slot frees up, fn never runs and
// the task fails with the context error.
func (q *Queue) Add(ctx context.Context, fn func(context.Context) error) *Task {
	task := &Task{done: make(chan struct{})}
	q.running.Add(1)
	go func() {
		defer q.running.Done()
		defer close(task.done)
		if err := q.slots.Acquire(ctx, 1); err != nil {
			task.err = fmt.Errorf("waiting for a worker: %w", err)
			return
		}
		defer q.slots.Release(1)
		task.err = run(ctx, fn)
	}()
	return task
}

func run(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// Wait blocks until every queued job has finished.
func (q *Queue) Wait() {
	q.running.Wait()
}
