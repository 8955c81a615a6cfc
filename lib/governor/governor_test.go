// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package governor

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/buildagent/lib/cas"
	"github.com/bureau-foundation/buildagent/lib/dirtable"
	"github.com/bureau-foundation/buildagent/lib/executor"
	"github.com/bureau-foundation/buildagent/lib/hosttest"
	"github.com/bureau-foundation/buildagent/lib/protocol"
	"github.com/bureau-foundation/buildagent/lib/testutil"
	"github.com/bureau-foundation/buildagent/lib/workqueue"
)

const testTimeout = 5 * time.Second

// coordinatorSession adapts the in-memory coordinator to Session.
type coordinatorSession struct {
	*hosttest.Coordinator
	pings        atomic.Int32
	syncs        atomic.Int32
	availableErr error
}

func (s *coordinatorSession) ProcessAvailable(ctx context.Context, request protocol.ProcessAvailableRequest) (protocol.ProcessAvailableResponse, error) {
	if s.availableErr != nil {
		return protocol.ProcessAvailableResponse{}, s.availableErr
	}
	return s.Coordinator.ProcessAvailable(request), nil
}

func (s *coordinatorSession) ProcessFinished(ctx context.Context, request protocol.ProcessFinishedRequest) error {
	s.Coordinator.ProcessFinished(request)
	return nil
}

func (s *coordinatorSession) ProcessReturned(ctx context.Context, request protocol.ProcessReturnedRequest) error {
	s.Coordinator.ProcessReturned(request)
	return nil
}

func (s *coordinatorSession) Ping(ctx context.Context) error {
	s.pings.Add(1)
	return nil
}

// TableSizes reports empty local tables, so every offer whose reply
// carries table sizes triggers a sync.
func (s *coordinatorSession) TableSizes() (uint64, uint64) {
	return 0, 0
}

func (s *coordinatorSession) SyncTables(ctx context.Context, directory, names uint64) error {
	s.syncs.Add(1)
	return nil
}

// heldLauncher runs each process until the test releases it with an
// exit code. The process id is the name of its scratch directory.
type heldLauncher struct {
	mu       sync.Mutex
	started  []uint32
	exits    map[uint32]chan int
	onCancel func(processID uint32)
}

func (l *heldLauncher) exitChannel(processID uint32) chan int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.exits == nil {
		l.exits = make(map[uint32]chan int)
	}
	channel, ok := l.exits[processID]
	if !ok {
		channel = make(chan int, 1)
		l.exits[processID] = channel
	}
	return channel
}

func (l *heldLauncher) Run(ctx context.Context, request executor.LaunchRequest) (int, error) {
	id, err := strconv.ParseUint(filepath.Base(request.Directory), 10, 32)
	if err != nil {
		return -1, err
	}
	processID := uint32(id)
	exit := l.exitChannel(processID)
	l.mu.Lock()
	l.started = append(l.started, processID)
	l.mu.Unlock()

	select {
	case code := <-exit:
		return code, nil
	case <-ctx.Done():
		if l.onCancel != nil {
			l.onCancel(processID)
		}
		return -1, ctx.Err()
	}
}

func (l *heldLauncher) release(processID uint32, code int) {
	l.exitChannel(processID) <- code
}

func (l *heldLauncher) Started() []uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.started)
}

type governorFixture struct {
	governor    *Governor
	session     *coordinatorSession
	coordinator *hosttest.Coordinator
	launcher    *heldLauncher
	done        chan error
	exited      bool
}

func newGovernorFixture(t *testing.T, rules *executor.RuleSet, configure func(*Options)) *governorFixture {
	t.Helper()
	root := t.TempDir()
	coordinator := hosttest.New()
	coordinator.AddApplication("/tools/cc", hosttest.ModuleFile{Name: "cc", Content: []byte("#!compiler"), Executable: true})

	store, err := cas.NewStore(filepath.Join(root, "cas"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	client, err := cas.NewClient(cas.ClientOptions{
		Store:   store,
		Host:    coordinator,
		Names:   coordinator,
		BinRoot: filepath.Join(root, "bin"),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(client.Close)

	launcher := &heldLauncher{}
	exec, err := executor.New(executor.Options{
		Host:        coordinator,
		CAS:         client,
		Directory:   dirtable.New(dirtable.Options{}),
		Queue:       workqueue.New(4),
		Launcher:    launcher,
		Rules:       rules,
		TempRoot:    filepath.Join(root, "tmp"),
		StagingRoot: filepath.Join(root, "staging"),
	})
	if err != nil {
		t.Fatalf("executor.New: %v", err)
	}

	session := &coordinatorSession{Coordinator: coordinator}
	options := Options{
		Session:         session,
		Executor:        exec,
		MaxProcessCount: 1,
		PollInterval:    5 * time.Millisecond,
		PingInterval:    20 * time.Millisecond,
	}
	if configure != nil {
		configure(&options)
	}
	governor, err := New(options)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &governorFixture{
		governor:    governor,
		session:     session,
		coordinator: coordinator,
		launcher:    launcher,
	}
}

func (f *governorFixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.done = make(chan error, 1)
	go func() { f.done <- f.governor.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if f.exited {
			return
		}
		select {
		case <-f.done:
		case <-time.After(testTimeout):
			t.Error("scheduling loop did not exit")
		}
	})
}

func (f *governorFixture) result(t *testing.T) error {
	t.Helper()
	err := testutil.RequireReceive(t, f.done, testTimeout, "waiting for the scheduling loop to exit")
	f.exited = true
	return err
}

func assignment(processID uint32, weight float64) protocol.Assignment {
	return protocol.Assignment{
		ProcessID: processID,
		Weight:    weight,
		StartInfo: protocol.StartInfo{Application: "/tools/cc"},
	}
}

func finishedIDs(coordinator *hosttest.Coordinator) []uint32 {
	var ids []uint32
	for _, finished := range coordinator.Finished() {
		ids = append(ids, finished.ProcessID)
	}
	return ids
}

func TestNoOffersAtCapacity(t *testing.T) {
	fixture := newGovernorFixture(t, nil, nil)
	fixture.coordinator.Assign(assignment(1, 1), assignment(2, 1))
	fixture.run(t)

	testutil.Eventually(t, testTimeout, func() bool { return len(fixture.launcher.Started()) == 1 }, "first process start")
	// Pings only happen when the loop is not offering capacity.
	testutil.Eventually(t, testTimeout, func() bool { return fixture.session.pings.Load() >= 2 }, "pings while at capacity")

	if started := fixture.launcher.Started(); len(started) != 1 || started[0] != 1 {
		t.Fatalf("started = %v, want [1] while at capacity", started)
	}
	if weight := fixture.governor.ActiveWeight(); weight != 1 {
		t.Errorf("ActiveWeight = %v, want 1", weight)
	}
	for _, offer := range fixture.coordinator.Availability() {
		if offer.AvailableWeight <= 0 || offer.AvailableWeight+offer.ActiveWeight > 1 {
			t.Errorf("offer = %+v, want positive available weight within capacity", offer)
		}
	}

	fixture.launcher.release(1, 0)
	testutil.Eventually(t, testTimeout, func() bool { return len(fixture.launcher.Started()) == 2 }, "second process start")
	testutil.Eventually(t, testTimeout, func() bool { return len(fixture.coordinator.Finished()) == 1 }, "first process report")
	if ids := finishedIDs(fixture.coordinator); ids[0] != 1 {
		t.Errorf("finished = %v, want [1]", ids)
	}

	fixture.launcher.release(2, 0)
	testutil.Eventually(t, testTimeout, func() bool { return len(fixture.coordinator.Finished()) == 2 }, "second process report")
	if stats := fixture.governor.Stats(); stats.Started != 2 || stats.Finished != 2 {
		t.Errorf("stats = %+v, want 2 started and finished", stats)
	}
}

func TestFractionalWeights(t *testing.T) {
	fixture := newGovernorFixture(t, nil, nil)
	fixture.coordinator.Assign(assignment(1, 0.5), assignment(2, 0.5), assignment(3, 0.5))
	fixture.run(t)

	testutil.Eventually(t, testTimeout, func() bool { return len(fixture.launcher.Started()) == 2 }, "two half-weight starts")
	if weight := fixture.governor.ActiveWeight(); weight != 1 {
		t.Errorf("ActiveWeight = %v, want 1", weight)
	}
	if count := fixture.governor.ActiveCount(); count != 2 {
		t.Errorf("ActiveCount = %d, want 2", count)
	}

	fixture.launcher.release(1, 0)
	testutil.Eventually(t, testTimeout, func() bool { return len(fixture.launcher.Started()) == 3 }, "third start")
	if weight := fixture.governor.ActiveWeight(); weight != 1 {
		t.Errorf("ActiveWeight after replacement = %v, want 1", weight)
	}

	fixture.launcher.release(2, 0)
	fixture.launcher.release(3, 0)
	testutil.Eventually(t, testTimeout, func() bool { return fixture.governor.ActiveCount() == 0 }, "all processes done")
	if weight := fixture.governor.ActiveWeight(); weight != 0 {
		t.Errorf("ActiveWeight when idle = %v, want 0", weight)
	}
}

func TestMemoryPressureKillsNewest(t *testing.T) {
	var pressure atomic.Bool
	fixture := newGovernorFixture(t, nil, func(options *Options) {
		options.MaxProcessCount = 2
		options.MemRequiredFree = 100
		options.MemoryProbe = func() (uint64, error) {
			if pressure.Load() {
				return 10, nil
			}
			return 1000, nil
		}
	})
	// The victim's exit frees its memory.
	fixture.launcher.onCancel = func(uint32) { pressure.Store(false) }
	fixture.coordinator.Assign(assignment(1, 1), assignment(2, 1))
	fixture.run(t)

	testutil.Eventually(t, testTimeout, func() bool { return len(fixture.launcher.Started()) == 2 }, "both processes start")
	pressure.Store(true)

	testutil.Eventually(t, testTimeout, func() bool { return len(fixture.coordinator.Returned()) == 1 }, "memory pressure return")
	returned := fixture.coordinator.Returned()[0]
	if returned.ProcessID != 2 {
		t.Errorf("returned process = %d, want 2 (most recent)", returned.ProcessID)
	}
	if !strings.Contains(returned.Reason, "memory pressure") {
		t.Errorf("reason = %q, want memory pressure", returned.Reason)
	}
	testutil.Eventually(t, testTimeout, func() bool { return fixture.governor.ActiveCount() == 1 }, "victim exit")

	fixture.launcher.release(1, 0)
	testutil.Eventually(t, testTimeout, func() bool { return len(fixture.coordinator.Finished()) == 1 }, "survivor report")
	if ids := finishedIDs(fixture.coordinator); ids[0] != 1 {
		t.Errorf("finished = %v, want [1]", ids)
	}
	if returned := fixture.coordinator.Returned(); len(returned) != 1 {
		t.Errorf("returned = %+v, want the victim reported once", returned)
	}
	if stats := fixture.governor.Stats(); stats.Killed != 1 {
		t.Errorf("Killed = %d, want 1", stats.Killed)
	}
}

func TestMemoryPressureSparesExitedProcess(t *testing.T) {
	fixture := newGovernorFixture(t, nil, func(options *Options) {
		options.MemRequiredFree = 100
	})
	ctx := context.Background()
	fixture.governor.spawn(ctx, assignment(1, 1), 1)
	testutil.Eventually(t, testTimeout, func() bool { return len(fixture.launcher.Started()) == 1 }, "process start")
	fixture.launcher.release(1, 0)
	testutil.Eventually(t, testTimeout, func() bool { return len(fixture.governor.executor.Completions()) == 1 }, "completion posted")

	fixture.governor.relieveMemoryPressure(ctx, 10)

	if returned := fixture.coordinator.Returned(); len(returned) != 0 {
		t.Errorf("returned = %+v, want none", returned)
	}
	if ids := finishedIDs(fixture.coordinator); len(ids) != 1 || ids[0] != 1 {
		t.Errorf("finished = %v, want [1]", ids)
	}
	if stats := fixture.governor.Stats(); stats.Killed != 0 {
		t.Errorf("Killed = %d, want 0", stats.Killed)
	}
	if active := fixture.governor.ActiveCount(); active != 0 {
		t.Errorf("ActiveCount = %d, want 0", active)
	}
}

func TestMemoryGateStopsOffers(t *testing.T) {
	var available atomic.Uint64
	available.Store(10)
	fixture := newGovernorFixture(t, nil, func(options *Options) {
		options.MemRequiredToSpawn = 100
		options.MemoryProbe = func() (uint64, error) { return available.Load(), nil }
	})
	fixture.coordinator.Assign(assignment(1, 1))
	fixture.run(t)

	testutil.Eventually(t, testTimeout, func() bool { return fixture.session.pings.Load() >= 2 }, "pings while waiting for memory")
	if calls := fixture.coordinator.Calls("ProcessAvailable"); calls != 0 {
		t.Fatalf("ProcessAvailable calls = %d, want 0 below the spawn threshold", calls)
	}

	available.Store(1000)
	testutil.Eventually(t, testTimeout, func() bool { return len(fixture.launcher.Started()) == 1 }, "start after memory recovers")
	fixture.launcher.release(1, 0)
}

func TestCoordinatorCancellation(t *testing.T) {
	fixture := newGovernorFixture(t, nil, func(options *Options) {
		options.MaxProcessCount = 2
	})
	fixture.coordinator.Assign(assignment(1, 1))
	fixture.run(t)

	testutil.Eventually(t, testTimeout, func() bool { return len(fixture.launcher.Started()) == 1 }, "process start")
	fixture.coordinator.Cancel(1, "revoked by coordinator")

	testutil.Eventually(t, testTimeout, func() bool { return len(fixture.coordinator.Returned()) == 1 }, "cancellation return")
	if returned := fixture.coordinator.Returned()[0]; returned.ProcessID != 1 || returned.Reason != "revoked by coordinator" {
		t.Errorf("returned = %+v", returned)
	}
	testutil.Eventually(t, testTimeout, func() bool { return fixture.governor.ActiveCount() == 0 }, "cancelled process exit")
	if len(fixture.coordinator.Finished()) != 0 || len(fixture.coordinator.Returned()) != 1 {
		t.Errorf("finished = %v, returned = %v, want one return only", fixture.coordinator.Finished(), fixture.coordinator.Returned())
	}
}

func TestRemoteExecutionDisabledDrains(t *testing.T) {
	fixture := newGovernorFixture(t, nil, func(options *Options) {
		options.MaxProcessCount = 2
	})
	fixture.coordinator.Assign(assignment(1, 1))
	fixture.run(t)

	testutil.Eventually(t, testTimeout, func() bool { return len(fixture.launcher.Started()) == 1 }, "process start")
	fixture.coordinator.DisableRemoteExecution()
	testutil.Eventually(t, testTimeout, func() bool { return fixture.governor.State() == StateDraining }, "draining state")

	select {
	case err := <-fixture.done:
		t.Fatalf("Run returned %v with a process still active", err)
	default:
	}

	fixture.launcher.release(1, 3)
	if err := fixture.result(t); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
	finished := fixture.coordinator.Finished()
	if len(finished) != 1 || finished[0].ExitCode != 3 {
		t.Errorf("finished = %+v, want process 1 with exit 3", finished)
	}
	if state := fixture.governor.State(); state != StateStopped {
		t.Errorf("State = %v, want stopped", state)
	}
}

func TestIdleTimeoutDisables(t *testing.T) {
	fixture := newGovernorFixture(t, nil, func(options *Options) {
		options.MaxIdle = 30 * time.Millisecond
	})
	fixture.run(t)

	if err := fixture.result(t); err != nil {
		t.Fatalf("Run = %v, want nil after idle timeout", err)
	}
	if calls := fixture.coordinator.Calls("ProcessAvailable"); calls == 0 {
		t.Error("no capacity offered before the idle timeout")
	}
}

func TestStopDrains(t *testing.T) {
	fixture := newGovernorFixture(t, nil, nil)
	fixture.coordinator.Assign(assignment(1, 1))
	fixture.run(t)

	testutil.Eventually(t, testTimeout, func() bool { return len(fixture.launcher.Started()) == 1 }, "process start")
	fixture.governor.Stop()
	testutil.Eventually(t, testTimeout, func() bool { return fixture.governor.State() == StateDraining }, "draining state")

	fixture.launcher.release(1, 0)
	if err := fixture.result(t); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
	if ids := finishedIDs(fixture.coordinator); len(ids) != 1 {
		t.Errorf("finished = %v, want [1]", ids)
	}
}

func TestStopReturnsFailingProcess(t *testing.T) {
	fixture := newGovernorFixture(t, nil, nil)
	fixture.coordinator.Assign(assignment(1, 1))
	fixture.run(t)

	testutil.Eventually(t, testTimeout, func() bool { return len(fixture.launcher.Started()) == 1 }, "process start")
	fixture.governor.Stop()
	testutil.Eventually(t, testTimeout, func() bool { return fixture.governor.State() == StateDraining }, "draining state")

	fixture.launcher.release(1, 1)
	if err := fixture.result(t); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
	returned := fixture.coordinator.Returned()
	if len(returned) != 1 || returned[0].Reason != "agent terminating" {
		t.Errorf("returned = %+v, want process 1 handed back as terminating", returned)
	}
}

func TestSendFailureStops(t *testing.T) {
	connectionLost := errors.New("connection lost")
	fixture := newGovernorFixture(t, nil, nil)
	fixture.session.availableErr = connectionLost
	fixture.run(t)

	err := fixture.result(t)
	if !errors.Is(err, connectionLost) {
		t.Errorf("Run = %v, want wrapped %v", err, connectionLost)
	}
}

func TestSetupFailureReturned(t *testing.T) {
	fixture := newGovernorFixture(t, nil, nil)
	fixture.coordinator.Assign(protocol.Assignment{
		ProcessID: 4,
		Weight:    1,
		StartInfo: protocol.StartInfo{Application: "/tools/missing"},
	})
	fixture.run(t)

	testutil.Eventually(t, testTimeout, func() bool { return len(fixture.coordinator.Returned()) == 1 }, "setup failure return")
	if returned := fixture.coordinator.Returned()[0]; returned.ProcessID != 4 || returned.Reason == "" {
		t.Errorf("returned = %+v, want process 4 with a reason", returned)
	}
	if len(fixture.launcher.Started()) != 0 {
		t.Error("a process whose setup failed was launched")
	}
}

func TestRuleWeightOverCapacityReturned(t *testing.T) {
	rules, err := executor.ParseRules([]byte(`{"applications": {"cc": {"weight": 2}}}`))
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}
	fixture := newGovernorFixture(t, rules, nil)
	fixture.coordinator.Assign(assignment(5, 1))
	fixture.run(t)

	testutil.Eventually(t, testTimeout, func() bool { return len(fixture.coordinator.Returned()) == 1 }, "over capacity return")
	if returned := fixture.coordinator.Returned()[0]; returned.ProcessID != 5 || returned.Reason != "over capacity" {
		t.Errorf("returned = %+v", returned)
	}
	if weight := fixture.governor.ActiveWeight(); weight != 0 {
		t.Errorf("ActiveWeight = %v, want 0", weight)
	}
}

func TestTablesSyncBeforeSpawn(t *testing.T) {
	fixture := newGovernorFixture(t, nil, nil)
	fixture.coordinator.Assign(assignment(1, 1))
	fixture.run(t)

	testutil.Eventually(t, testTimeout, func() bool { return len(fixture.launcher.Started()) == 1 }, "process start")
	if syncs := fixture.session.syncs.Load(); syncs == 0 {
		t.Error("tables were not synchronized before the process started")
	}
	fixture.launcher.release(1, 0)
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("New without a session succeeded")
	}
	fixture := newGovernorFixture(t, nil, nil)
	_, err := New(Options{Session: fixture.session, Executor: fixture.governor.executor})
	if err == nil {
		t.Error("New with zero MaxProcessCount succeeded")
	}
}

func TestKillPolicies(t *testing.T) {
	base := time.Unix(1735689600, 0)
	candidates := []Candidate{
		{ProcessID: 1, Weight: 2, Started: base},
		{ProcessID: 2, Weight: 0.5, Started: base.Add(time.Second)},
		{ProcessID: 3, Weight: 2, Started: base.Add(2 * time.Second)},
		{ProcessID: 4, Weight: 1, Started: base.Add(3 * time.Second)},
	}
	if got := LIFO(candidates); got != 3 {
		t.Errorf("LIFO = %d, want 3", got)
	}
	if got := Heaviest(candidates); got != 2 {
		t.Errorf("Heaviest = %d, want 2", got)
	}
	if got := LIFO(nil); got != -1 {
		t.Errorf("LIFO(nil) = %d, want -1", got)
	}

	for name, want := range map[string]uint32{"": 4, "LIFO": 4, "heaviest": 3} {
		policy, err := ParseKillPolicy(name)
		if err != nil {
			t.Fatalf("ParseKillPolicy(%q): %v", name, err)
		}
		if got := candidates[policy(candidates)].ProcessID; got != want {
			t.Errorf("ParseKillPolicy(%q) chose %d, want %d", name, got, want)
		}
	}
	if _, err := ParseKillPolicy("random"); err == nil {
		t.Error("ParseKillPolicy(random) succeeded")
	}
}
