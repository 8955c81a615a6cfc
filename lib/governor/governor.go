// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/buildagent/lib/clock"
	"github.com/bureau-foundation/buildagent/lib/executor"
	"github.com/bureau-foundation/buildagent/lib/hwinfo"
	"github.com/bureau-foundation/buildagent/lib/protocol"
)

const (
	// DefaultPollInterval is how long the loop waits between
	// offers when nothing happens.
	DefaultPollInterval = time.Second

	// DefaultPingInterval is the longest the loop goes without
	// talking to the coordinator.
	DefaultPingInterval = 30 * time.Second

	// weightEpsilon absorbs float rounding in weight sums.
	weightEpsilon = 1e-9
)

// State is the phase the loop is in.
type State int32

const (
	StateIdle State = iota
	StateRequestingWork
	StateSpawning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequestingWork:
		return "requesting-work"
	case StateSpawning:
		return "spawning"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Session is the coordinator as the scheduling loop sees it.
type Session interface {
	ProcessAvailable(ctx context.Context, request protocol.ProcessAvailableRequest) (protocol.ProcessAvailableResponse, error)
	ProcessFinished(ctx context.Context, request protocol.ProcessFinishedRequest) error
	ProcessReturned(ctx context.Context, request protocol.ProcessReturnedRequest) error
	Ping(ctx context.Context) error

	// TableSizes reports how much of the directory table and the
	// name-to-hash table this agent holds.
	TableSizes() (directory, names uint64)

	// SyncTables catches the local tables up to at least the given
	// sizes.
	SyncTables(ctx context.Context, directory, names uint64) error
}

// MemoryProbe returns the bytes of memory currently available.
type MemoryProbe func() (uint64, error)

// SystemMemory reads available memory from the kernel.
func SystemMemory() (uint64, error) {
	reading, err := hwinfo.ReadMemory()
	if err != nil {
		return 0, err
	}
	return reading.Available, nil
}

// Options configures a Governor.
type Options struct {
	Session  Session
	Executor *executor.Executor

	// MaxProcessCount is the capacity in weight units. It may be
	// fractional.
	MaxProcessCount float64

	PollInterval time.Duration
	PingInterval time.Duration

	// MaxIdle disables remote execution after this long without
	// active processes. Zero never times out.
	MaxIdle time.Duration

	// MemRequiredToSpawn pauses offers while available memory is
	// below it. MemRequiredFree kills a process when available
	// memory drops below it. Zero disables either check.
	MemRequiredToSpawn uint64
	MemRequiredFree    uint64

	// MemoryProbe defaults to SystemMemory.
	MemoryProbe MemoryProbe

	// KillPolicy defaults to LIFO.
	KillPolicy KillPolicy

	Clock  clock.Clock
	Logger *slog.Logger
}

// Stats counts processes over the life of a Governor.
type Stats struct {
	Started  int64
	Finished int64
	Returned int64
	Killed   int64
}

// activeProcess is a started process that still holds weight until
// its completion arrives.
type activeProcess struct {
	process *executor.Process
	weight  float64
	started time.Time
	killed  bool
	done    bool
}

// Governor is the scheduling loop.
type Governor struct {
	session            Session
	executor           *executor.Executor
	maxProcessCount    float64
	pollInterval       time.Duration
	pingInterval       time.Duration
	maxIdle            time.Duration
	memRequiredToSpawn uint64
	memRequiredFree    uint64
	memoryProbe        MemoryProbe
	killPolicy         KillPolicy
	clock              clock.Clock
	logger             *slog.Logger

	state atomic.Int32
	wake  chan struct{}

	stopRequested atomic.Bool
	stopMu        sync.Mutex
	stopCause     error

	mu           sync.Mutex
	active       []*activeProcess
	activeWeight float64

	started  atomic.Int64
	finished atomic.Int64
	returned atomic.Int64
	killed   atomic.Int64

	// Owned by the loop goroutine.
	disabled      bool
	disableReason string
	terminating   bool
	memoryWait    bool
	lastBusy      time.Time
	lastContact   time.Time
}

// New returns a Governor. Session, Executor and a positive
// MaxProcessCount are required.
func New(options Options) (*Governor, error) {
	switch {
	case options.Session == nil:
		return nil, errors.New("governor: Session is required")
	case options.Executor == nil:
		return nil, errors.New("governor: Executor is required")
	case options.MaxProcessCount <= 0:
		return nil, fmt.Errorf("governor: MaxProcessCount must be positive, got %v", options.MaxProcessCount)
	}
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultPollInterval
	}
	if options.PingInterval <= 0 {
		options.PingInterval = DefaultPingInterval
	}
	if options.MemoryProbe == nil {
		options.MemoryProbe = SystemMemory
	}
	if options.KillPolicy == nil {
		options.KillPolicy = LIFO
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	return &Governor{
		session:            options.Session,
		executor:           options.Executor,
		maxProcessCount:    options.MaxProcessCount,
		pollInterval:       options.PollInterval,
		pingInterval:       options.PingInterval,
		maxIdle:            options.MaxIdle,
		memRequiredToSpawn: options.MemRequiredToSpawn,
		memRequiredFree:    options.MemRequiredFree,
		memoryProbe:        options.MemoryProbe,
		killPolicy:         options.KillPolicy,
		clock:              options.Clock,
		logger:             options.Logger,
		wake:               make(chan struct{}, 1),
	}, nil
}

// State returns the loop's current phase.
func (g *Governor) State() State {
	return State(g.state.Load())
}

// ActiveWeight is the summed weight of processes whose completion
// has not arrived.
func (g *Governor) ActiveWeight() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeWeight
}

// ActiveCount is the number of processes whose completion has not
// arrived.
func (g *Governor) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	count := 0
	for _, record := range g.active {
		if !record.done {
			count++
		}
	}
	return count
}

// Stats returns the process counters.
func (g *Governor) Stats() Stats {
	return Stats{
		Started:  g.started.Load(),
		Finished: g.finished.Load(),
		Returned: g.returned.Load(),
		Killed:   g.killed.Load(),
	}
}

// Stop asks the loop to drain active work and return.
func (g *Governor) Stop() {
	g.stopRequested.Store(true)
	g.signal()
}

// SendFailed sets the stop flag because a coordinator message could
// not be delivered. Run returns err once active work has drained.
func (g *Governor) SendFailed(err error) {
	g.stopMu.Lock()
	first := g.stopCause == nil
	if first {
		g.stopCause = err
	}
	g.stopMu.Unlock()
	if first {
		g.logger.Error("coordinator message failed, stopping", "error", err)
	}
	g.stopRequested.Store(true)
	g.signal()
}

func (g *Governor) signal() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// Run drives the scheduling loop until it stops. It returns nil when
// remote execution was disabled or Stop was called, the send failure
// that stopped it, or the context's error.
func (g *Governor) Run(ctx context.Context) error {
	// Reports still go out while draining a cancelled context.
	reportContext := context.WithoutCancel(ctx)
	now := g.clock.Now()
	g.lastBusy = now
	g.lastContact = now

	for {
		g.reap(reportContext)

		if ctx.Err() != nil || g.stopRequested.Load() || g.disabled {
			if g.ActiveCount() == 0 {
				g.setState(StateStopped)
				return g.exitError(ctx)
			}
			g.drain(ctx)
			g.wait(ctx)
			continue
		}

		available, known := g.probeMemory()
		if known {
			g.relieveMemoryPressure(reportContext, available)
		}
		if g.checkIdle() {
			continue
		}

		capacity := g.maxProcessCount - g.ActiveWeight()
		if capacity > weightEpsilon && g.memoryAllowsSpawn(available, known) {
			if g.requestWork(ctx, capacity, available) > 0 {
				continue
			}
		} else if g.clock.Now().Sub(g.lastContact) >= g.pingInterval {
			g.ping(ctx)
		}

		g.setState(StateIdle)
		g.wait(ctx)
	}
}

func (g *Governor) exitError(ctx context.Context) error {
	g.stopMu.Lock()
	cause := g.stopCause
	g.stopMu.Unlock()
	if cause != nil {
		return cause
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if g.disabled {
		g.logger.Info("scheduling loop finished", "reason", g.disableReason)
	}
	return nil
}

// drain enters the draining state. Outside an orderly disable, the
// executor is told the agent is terminating so failing processes
// are handed back rather than reported.
func (g *Governor) drain(ctx context.Context) {
	if g.State() != StateDraining {
		g.logger.Info("draining active processes", "active", g.ActiveCount())
	}
	g.setState(StateDraining)
	if !g.terminating && (ctx.Err() != nil || g.stopRequested.Load()) {
		g.terminating = true
		g.executor.Terminate()
	}
}

func (g *Governor) wait(ctx context.Context) {
	done := ctx.Done()
	if ctx.Err() != nil {
		done = nil
	}
	select {
	case completion := <-g.executor.Completions():
		g.complete(context.WithoutCancel(ctx), completion)
	case <-g.wake:
	case <-g.clock.After(g.pollInterval):
	case <-done:
	}
}

func (g *Governor) setState(state State) {
	previous := State(g.state.Swap(int32(state)))
	if previous != state {
		g.logger.Debug("scheduler state", "from", previous, "to", state)
	}
}

func (g *Governor) disable(reason string) {
	if g.disabled {
		return
	}
	g.disabled = true
	g.disableReason = reason
	g.logger.Info("remote execution disabled", "reason", reason)
}

// requestWork offers capacity and starts what comes back. Returns
// the number of processes started.
func (g *Governor) requestWork(ctx context.Context, capacity float64, memoryAvailable uint64) int {
	g.setState(StateRequestingWork)
	directorySize, nameSize := g.session.TableSizes()
	response, err := g.session.ProcessAvailable(ctx, protocol.ProcessAvailableRequest{
		AvailableWeight:    capacity,
		ActiveWeight:       g.ActiveWeight(),
		ActiveCount:        g.ActiveCount(),
		MemoryAvailable:    memoryAvailable,
		DirectoryTableSize: directorySize,
		NameTableSize:      nameSize,
	})
	g.lastContact = g.clock.Now()
	if err != nil {
		if ctx.Err() == nil {
			g.SendFailed(fmt.Errorf("offering capacity: %w", err))
		}
		return 0
	}

	reportContext := context.WithoutCancel(ctx)
	for _, cancellation := range response.Cancel {
		g.cancelProcess(reportContext, cancellation)
	}

	// Tables catch up before anything starts, so new processes see
	// the namespace the coordinator assigned them against.
	if response.DirectoryTableSize > directorySize || response.NameTableSize > nameSize {
		if err := g.session.SyncTables(ctx, response.DirectoryTableSize, response.NameTableSize); err != nil {
			g.SendFailed(fmt.Errorf("synchronizing tables: %w", err))
			g.returnUnstarted(reportContext, response.Assignments, "table synchronization failed")
			return 0
		}
	}

	switch {
	case response.Disconnect:
		g.disable("coordinator requested disconnect")
	case response.RemoteExecutionDisabled:
		g.disable("coordinator disabled remote execution")
	}
	if g.disabled {
		g.returnUnstarted(reportContext, response.Assignments, g.disableReason)
		return 0
	}

	g.setState(StateSpawning)
	spawned := 0
	for _, assignment := range response.Assignments {
		weight := g.executor.Weight(assignment)
		if g.ActiveWeight()+weight > g.maxProcessCount+weightEpsilon {
			g.logger.Warn("assignment does not fit remaining capacity",
				"process_id", assignment.ProcessID,
				"weight", weight,
				"active_weight", g.ActiveWeight(),
				"max_process_count", g.maxProcessCount,
			)
			g.returnUnstarted(reportContext, []protocol.Assignment{assignment}, "over capacity")
			continue
		}
		g.spawn(ctx, assignment, weight)
		spawned++
	}
	return spawned
}

func (g *Governor) spawn(ctx context.Context, assignment protocol.Assignment, weight float64) {
	process := g.executor.Start(ctx, assignment)
	g.mu.Lock()
	g.active = append(g.active, &activeProcess{
		process: process,
		weight:  weight,
		started: g.clock.Now(),
	})
	g.recomputeLocked()
	g.mu.Unlock()
	g.started.Add(1)
	g.logger.Info("process started",
		"process_id", assignment.ProcessID,
		"application", assignment.StartInfo.Application,
		"weight", weight,
	)
}

func (g *Governor) returnUnstarted(ctx context.Context, assignments []protocol.Assignment, reason string) {
	for _, assignment := range assignments {
		g.report(ctx, assignment.ProcessID, reason)
	}
}

// recomputeLocked sums the weight of processes still running.
func (g *Governor) recomputeLocked() {
	total := 0.0
	for _, record := range g.active {
		if !record.done {
			total += record.weight
		}
	}
	g.activeWeight = total
}

func (g *Governor) findLocked(processID uint32) *activeProcess {
	for _, record := range g.active {
		if record.process.ID() == processID {
			return record
		}
	}
	return nil
}

// reap handles every completion already posted, then drops records
// of finished processes.
func (g *Governor) reap(ctx context.Context) {
	for drained := false; !drained; {
		select {
		case completion := <-g.executor.Completions():
			g.complete(ctx, completion)
		default:
			drained = true
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.active[:0]
	for _, record := range g.active {
		if !record.done {
			kept = append(kept, record)
		}
	}
	clear(g.active[len(kept):])
	g.active = kept
}

// complete releases the weight of a process and reports its result.
// A killed process was reported when it was killed.
func (g *Governor) complete(ctx context.Context, completion executor.Completion) {
	g.mu.Lock()
	record := g.findLocked(completion.ProcessID)
	killed := completion.Killed
	if record != nil && !record.done {
		record.done = true
		killed = killed || record.killed
		g.recomputeLocked()
	}
	g.mu.Unlock()

	logger := g.logger.With("process_id", completion.ProcessID)
	if killed {
		logger.Debug("killed process exited", "reason", completion.Reason)
		return
	}

	switch completion.Outcome {
	case executor.OutcomeFinished:
		g.finished.Add(1)
		logger.Info("process finished",
			"exit_code", completion.ExitCode,
			"written_files", len(completion.WrittenFiles),
			"run_time", time.Duration(completion.Stats.RunNanos),
		)
		err := g.session.ProcessFinished(ctx, protocol.ProcessFinishedRequest{
			ProcessID:    completion.ProcessID,
			ExitCode:     completion.ExitCode,
			LogLines:     completion.LogLines,
			WrittenFiles: completion.WrittenFiles,
			Stats:        completion.Stats,
		})
		if err != nil {
			g.SendFailed(fmt.Errorf("reporting process %d finished: %w", completion.ProcessID, err))
		}
	default:
		logger.Warn("returning process", "outcome", completion.Outcome, "reason", completion.Reason)
		g.report(ctx, completion.ProcessID, completion.Reason)
	}
}

// report hands a process back to the coordinator.
func (g *Governor) report(ctx context.Context, processID uint32, reason string) {
	g.returned.Add(1)
	err := g.session.ProcessReturned(ctx, protocol.ProcessReturnedRequest{ProcessID: processID, Reason: reason})
	if err != nil {
		g.SendFailed(fmt.Errorf("returning process %d: %w", processID, err))
	}
}

// kill stops a live process and hands it back immediately; its
// weight is released when its completion arrives.
func (g *Governor) kill(ctx context.Context, record *activeProcess, reason string) {
	g.mu.Lock()
	if record.killed || record.done {
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	// A process that already exited keeps its own completion.
	if !record.process.Kill(reason) {
		g.logger.Debug("process exited before it could be killed", "process_id", record.process.ID())
		return
	}
	g.mu.Lock()
	record.killed = true
	g.mu.Unlock()
	g.killed.Add(1)
	g.report(ctx, record.process.ID(), reason)
}

func (g *Governor) cancelProcess(ctx context.Context, cancellation protocol.Cancellation) {
	g.mu.Lock()
	record := g.findLocked(cancellation.ProcessID)
	g.mu.Unlock()
	if record == nil {
		g.logger.Debug("cancellation for unknown process", "process_id", cancellation.ProcessID)
		return
	}
	reason := cancellation.Reason
	if reason == "" {
		reason = "cancelled by coordinator"
	}
	g.logger.Warn("coordinator cancelled process", "process_id", cancellation.ProcessID, "reason", reason)
	g.kill(ctx, record, reason)
}

func (g *Governor) probeMemory() (uint64, bool) {
	if g.memRequiredFree == 0 && g.memRequiredToSpawn == 0 {
		return 0, false
	}
	available, err := g.memoryProbe()
	if err != nil {
		g.logger.Debug("reading available memory failed", "error", err)
		return 0, false
	}
	return available, true
}

// relieveMemoryPressure kills one process, chosen by the kill
// policy, when available memory is below MemRequiredFree. No further
// process is killed until the last victim has exited.
func (g *Governor) relieveMemoryPressure(ctx context.Context, available uint64) {
	if g.memRequiredFree == 0 || available >= g.memRequiredFree {
		return
	}
	// Processes whose completions are already posted are not victims.
	g.reap(ctx)

	g.mu.Lock()
	var candidates []Candidate
	var records []*activeProcess
	for _, record := range g.active {
		if record.done {
			continue
		}
		if record.killed {
			g.mu.Unlock()
			return
		}
		candidates = append(candidates, Candidate{
			ProcessID: record.process.ID(),
			Weight:    record.weight,
			Started:   record.started,
		})
		records = append(records, record)
	}
	g.mu.Unlock()
	if len(candidates) == 0 {
		return
	}

	index := g.killPolicy(candidates)
	if index < 0 || index >= len(candidates) {
		return
	}
	reason := fmt.Sprintf("memory pressure: %d bytes available, %d required", available, g.memRequiredFree)
	g.logger.Warn("killing process to relieve memory pressure",
		"process_id", candidates[index].ProcessID,
		"available", available,
		"required", g.memRequiredFree,
	)
	g.kill(ctx, records[index], reason)
}

func (g *Governor) memoryAllowsSpawn(available uint64, known bool) bool {
	if g.memRequiredToSpawn == 0 || !known {
		return true
	}
	if available < g.memRequiredToSpawn {
		if !g.memoryWait {
			g.logger.Info("waiting for memory before accepting work",
				"available", available,
				"required", g.memRequiredToSpawn,
			)
		}
		g.memoryWait = true
		return false
	}
	if g.memoryWait {
		g.logger.Info("memory available again", "available", available)
		g.memoryWait = false
	}
	return true
}

// checkIdle disables remote execution once the agent has had no
// active process for MaxIdle.
func (g *Governor) checkIdle() bool {
	now := g.clock.Now()
	if g.ActiveCount() > 0 {
		g.lastBusy = now
		return false
	}
	if g.maxIdle <= 0 || now.Sub(g.lastBusy) < g.maxIdle {
		return false
	}
	g.disable(fmt.Sprintf("idle for %s", now.Sub(g.lastBusy).Round(time.Second)))
	return true
}

func (g *Governor) ping(ctx context.Context) {
	err := g.session.Ping(ctx)
	g.lastContact = g.clock.Now()
	if err != nil && ctx.Err() == nil {
		g.SendFailed(fmt.Errorf("pinging coordinator: %w", err))
	}
}
