// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/bureau-foundation/buildagent/lib/protocol"
	"github.com/bureau-foundation/buildagent/lib/workqueue"
	"golang.org/x/sync/singleflight"
)

// ApplicationEnvironment is an application materialized on this
// agent.
type ApplicationEnvironment struct {
	// Application is the coordinator path the application resolved
	// to.
	Application string

	// Binary is the local path of the executable.
	Binary string

	// Modules are the local paths of every module, Binary first.
	Modules []string
}

// applicationCache keeps one environment per application string.
// Failures are not cached, so a later launch tries again.
type applicationCache struct {
	mu       sync.Mutex
	ready    map[string]*ApplicationEnvironment
	inFlight singleflight.Group
}

func (c *applicationCache) lookup(key string) (*ApplicationEnvironment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	environment, ok := c.ready[key]
	return environment, ok
}

func (c *applicationCache) store(key string, environment *ApplicationEnvironment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready[key] = environment
}

// PrepareProcess returns the materialized environment for the
// application of startInfo. Concurrent calls for one application
// share a single preparation, which keeps running when the caller
// that started it gives up.
func (e *Executor) PrepareProcess(ctx context.Context, startInfo protocol.StartInfo) (*ApplicationEnvironment, error) {
	key := startInfo.Application + "\x00" + startInfo.WorkingDirectory
	if environment, ok := e.applications.lookup(key); ok {
		return environment, nil
	}
	shared := context.WithoutCancel(ctx)
	flight := e.applications.inFlight.DoChan(key, func() (any, error) {
		if environment, ok := e.applications.lookup(key); ok {
			return environment, nil
		}
		environment, err := e.prepare(shared, startInfo)
		if err != nil {
			return nil, err
		}
		e.applications.store(key, environment)
		return environment, nil
	})
	select {
	case outcome := <-flight:
		if outcome.Err != nil {
			return nil, outcome.Err
		}
		return outcome.Val.(*ApplicationEnvironment), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Executor) prepare(ctx context.Context, startInfo protocol.StartInfo) (*ApplicationEnvironment, error) {
	response, err := e.host.GetApplication(ctx, protocol.GetApplicationRequest{
		Application:      startInfo.Application,
		WorkingDirectory: startInfo.WorkingDirectory,
	})
	if err != nil {
		return nil, fmt.Errorf("resolving application %q: %w", startInfo.Application, err)
	}
	if !response.Found || len(response.Modules) == 0 {
		return nil, fmt.Errorf("application %q not found on coordinator", startInfo.Application)
	}

	copyContext, cancel := context.WithCancel(ctx)
	defer cancel()

	paths := make([]string, len(response.Modules))
	tasks := make([]*workqueue.Task, len(response.Modules))
	for i, module := range response.Modules {
		tasks[i] = e.queue.Add(copyContext, func(ctx context.Context) error {
			local, err := e.copyModule(ctx, response.Path, module)
			if err != nil {
				return err
			}
			paths[i] = local
			return nil
		})
	}

	// One deadline covers the whole closure.
	deadline := e.clock.After(e.moduleCopyTimeout)
	for i, task := range tasks {
		select {
		case <-task.Done():
			if err := task.Err(); err != nil {
				return nil, fmt.Errorf("copying module %s of %s: %w", response.Modules[i].Name, response.Path, err)
			}
		case <-deadline:
			e.logger.Error("module copy timed out",
				"application", response.Path,
				"module", response.Modules[i].Name,
				"timeout", e.moduleCopyTimeout,
			)
			return nil, fmt.Errorf("%w: %s", ErrSetupTimeout, response.Path)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return &ApplicationEnvironment{
		Application: response.Path,
		Binary:      paths[0],
		Modules:     paths,
	}, nil
}

func (e *Executor) copyModule(ctx context.Context, application string, module protocol.Module) (string, error) {
	file, err := e.host.GetFile(ctx, module.Path)
	if err != nil {
		return "", err
	}
	if !file.Found {
		return "", fmt.Errorf("module %s not found on coordinator", module.Path)
	}
	return e.cas.EnsureBinaryFile(ctx, application, module.Name, file.Key, module.Executable)
}
