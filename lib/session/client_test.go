// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"context"
	"errors"
	"net"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/buildagent/lib/cas"
	"github.com/bureau-foundation/buildagent/lib/executor"
	"github.com/bureau-foundation/buildagent/lib/hosttest"
	"github.com/bureau-foundation/buildagent/lib/protocol"
	"github.com/bureau-foundation/buildagent/lib/testutil"
	"github.com/bureau-foundation/buildagent/lib/version"
	"github.com/bureau-foundation/buildagent/lib/wire"
)

const testTimeout = 5 * time.Second

type launcherFunc func(ctx context.Context, request executor.LaunchRequest) (int, error)

func (f launcherFunc) Run(ctx context.Context, request executor.LaunchRequest) (int, error) {
	return f(ctx, request)
}

func exitZero(ctx context.Context, request executor.LaunchRequest) (int, error) {
	return 0, nil
}

func connect(t *testing.T, coordinator *hosttest.Coordinator, configure func(*Options)) *Client {
	t.Helper()
	options := Options{
		Address:         coordinator.Listen(t),
		Root:            t.TempDir(),
		MaxProcessCount: 2,
		Workers:         2,
		Launcher:        launcherFunc(exitZero),
		PollInterval:    10 * time.Millisecond,
		MemoryProbe:     func() (uint64, error) { return 64 << 30, nil },
	}
	if configure != nil {
		configure(&options)
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	client, err := Connect(ctx, options)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestConnectHandshake(t *testing.T) {
	coordinator := hosttest.New()
	coordinator.SetEnvironment("PATH=/usr/bin", "LANG=C")
	coordinator.AddFile("/src/main.c", []byte("int main;"), 0o644)

	client := connect(t, coordinator, nil)

	if client.SessionID() != "session-1" {
		t.Errorf("SessionID = %q, want %q", client.SessionID(), "session-1")
	}
	if got := strings.Join(client.Environment(), " "); got != "PATH=/usr/bin LANG=C" {
		t.Errorf("Environment = %q, want %q", got, "PATH=/usr/bin LANG=C")
	}

	connects := coordinator.Connects()
	if len(connects) != 1 {
		t.Fatalf("connects = %d, want 1", len(connects))
	}
	request := connects[0]
	if request.ProtocolVersion != version.ProtocolVersion {
		t.Errorf("ProtocolVersion = %d, want %d", request.ProtocolVersion, version.ProtocolVersion)
	}
	if request.OS != runtime.GOOS || request.Arch != runtime.GOARCH {
		t.Errorf("platform = %s/%s, want %s/%s", request.OS, request.Arch, runtime.GOOS, runtime.GOARCH)
	}
	if request.MaxProcessCount != 2 {
		t.Errorf("MaxProcessCount = %v, want 2", request.MaxProcessCount)
	}
	if request.AgentName != "bureau-build-agent" {
		t.Errorf("AgentName = %q, want the default", request.AgentName)
	}
}

func TestConnectSyncsTables(t *testing.T) {
	coordinator := hosttest.New()
	coordinator.ChunkSize = protocol.NameTableRecordSize
	coordinator.AddFile("/src/a.c", []byte("a"), 0o644)
	coordinator.AddFile("/src/b.c", []byte("b"), 0o644)
	coordinator.AddFile("/include/c.h", []byte("c"), 0o644)

	client := connect(t, coordinator, nil)

	directory, names := client.TableSizes()
	if directory != coordinator.DirectoryTableSize() {
		t.Errorf("directory table = %d bytes, want %d", directory, coordinator.DirectoryTableSize())
	}
	if names != coordinator.NameTableSize() {
		t.Errorf("name table = %d records, want %d", names, coordinator.NameTableSize())
	}
	if !client.Directory().Exists("/src/b.c") {
		t.Error("/src/b.c missing from the synced directory table")
	}
	if !client.Directory().Exists("/include") {
		t.Error("/include missing from the synced directory table")
	}
	if calls := coordinator.Calls("GetNameToHashTable"); calls < 3 {
		t.Errorf("name table requests = %d, want one per record at least", calls)
	}
}

func TestSyncTablesCatchesUp(t *testing.T) {
	coordinator := hosttest.New()
	client := connect(t, coordinator, nil)

	coordinator.AddFile("/late/file.txt", []byte("late"), 0o644)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := client.SyncTables(ctx, coordinator.DirectoryTableSize(), coordinator.NameTableSize()); err != nil {
		t.Fatalf("SyncTables: %v", err)
	}
	if !client.Directory().Exists("/late/file.txt") {
		t.Error("/late/file.txt missing after sync")
	}
	if _, names := client.TableSizes(); names != coordinator.NameTableSize() {
		t.Errorf("name table = %d records, want %d", names, coordinator.NameTableSize())
	}
}

func TestTableSizesDuringNameSync(t *testing.T) {
	coordinator := hosttest.New()
	client := connect(t, coordinator, nil)
	_, before := client.TableSizes()

	coordinator.AddFile("/late/file.txt", []byte("late"), 0o644)
	reached, release := coordinator.BlockNameTable()
	t.Cleanup(release)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	synced := make(chan error, 1)
	go func() { synced <- client.UpdateNameToHashTable(ctx, coordinator.NameTableSize()) }()
	testutil.RequireReceive(t, reached, testTimeout, "waiting for the name table request")

	sizes := make(chan uint64, 1)
	go func() {
		_, names := client.TableSizes()
		sizes <- names
	}()
	if names := testutil.RequireReceive(t, sizes, testTimeout, "TableSizes blocked behind a name table pull"); names != before {
		t.Errorf("name table size during the pull = %d, want %d", names, before)
	}

	release()
	if err := testutil.RequireReceive(t, synced, testTimeout, "waiting for UpdateNameToHashTable"); err != nil {
		t.Fatalf("UpdateNameToHashTable: %v", err)
	}
	if _, names := client.TableSizes(); names != coordinator.NameTableSize() {
		t.Errorf("name table = %d records, want %d", names, coordinator.NameTableSize())
	}
}

func TestConnectRejected(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	server := wire.NewServer(nil)
	server.Handle(protocol.Connect, func(ctx context.Context, conn *wire.Conn, payload []byte) (any, error) {
		return protocol.ConnectResponse{Reason: "agent version too old"}, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, listener) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	_, err = Connect(ctx, Options{
		Address:         listener.Addr().String(),
		Root:            t.TempDir(),
		MaxProcessCount: 1,
		Launcher:        launcherFunc(exitZero),
	})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Connect error = %v, want ErrRejected", err)
	}
	if !strings.Contains(err.Error(), "agent version too old") {
		t.Errorf("error %q does not carry the coordinator's reason", err)
	}
}

func TestConnectValidatesOptions(t *testing.T) {
	cases := map[string]Options{
		"no address": {Root: "/tmp/agent", MaxProcessCount: 1},
		"no root":    {Address: "127.0.0.1:1", MaxProcessCount: 1},
		"no slots":   {Address: "127.0.0.1:1", Root: "/tmp/agent"},
	}
	for name, options := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Connect(context.Background(), options); err == nil {
				t.Fatal("Connect succeeded, want an options error")
			}
		})
	}
}

func TestStorageRemoteSegments(t *testing.T) {
	coordinator := hosttest.New()
	client := connect(t, coordinator, nil)
	remote := storageRemote{conn: client.conn}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	content := bytes.Repeat([]byte("0123456789abcdef"), (2*protocol.SegmentSize+100)/16)
	key := cas.HashContent(content)
	if err := remote.StoreCasFile(ctx, key, content); err != nil {
		t.Fatalf("StoreCasFile: %v", err)
	}
	stored, ok := coordinator.Stored(key)
	if !ok || !bytes.Equal(stored, content) {
		t.Fatalf("coordinator holds %d bytes (present %v), want %d", len(stored), ok, len(content))
	}

	// A second store of the same key stops after the first segment.
	before := coordinator.Calls("Store")
	if err := remote.StoreCasFile(ctx, key, content); err != nil {
		t.Fatalf("second StoreCasFile: %v", err)
	}
	if after := coordinator.Calls("Store"); after != before {
		t.Errorf("stores after re-upload = %d, want %d", after, before)
	}

	fetches := coordinator.Calls("Fetch")
	var fetched bytes.Buffer
	if err := remote.FetchCasFile(ctx, key, &fetched); err != nil {
		t.Fatalf("FetchCasFile: %v", err)
	}
	if !bytes.Equal(fetched.Bytes(), content) {
		t.Fatalf("fetched %d bytes, want %d", fetched.Len(), len(content))
	}
	if segments := coordinator.Calls("Fetch") - fetches; segments != 3 {
		t.Errorf("fetch requests = %d, want 3", segments)
	}

	err := remote.FetchCasFile(ctx, cas.HashContent([]byte("absent")), &fetched)
	if !errors.Is(err, cas.ErrNotFound) {
		t.Errorf("fetching an absent key = %v, want ErrNotFound", err)
	}
}

func TestRunFinishesAssignment(t *testing.T) {
	coordinator := hosttest.New()
	coordinator.AddApplication("/tools/cc",
		hosttest.ModuleFile{Name: "cc", Content: []byte("#!cc"), Executable: true},
	)
	coordinator.AddFile("/src/main.c", []byte("int main;"), 0o644)
	coordinator.Assign(protocol.Assignment{
		ProcessID: 41,
		Weight:    1,
		StartInfo: protocol.StartInfo{
			Application:      "/tools/cc",
			Arguments:        "-c main.c",
			WorkingDirectory: "/src",
			Description:      "compile main.c",
		},
	})

	launched := make(chan executor.LaunchRequest, 1)
	client := connect(t, coordinator, func(options *Options) {
		options.Launcher = launcherFunc(func(ctx context.Context, request executor.LaunchRequest) (int, error) {
			launched <- request
			return 0, nil
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	request := testutil.RequireReceive(t, launched, testTimeout, "waiting for launch")
	if strings.Join(request.Arguments, " ") != "-c main.c" {
		t.Errorf("arguments = %q, want %q", request.Arguments, []string{"-c", "main.c"})
	}
	testutil.Eventually(t, testTimeout, func() bool {
		return len(coordinator.Finished()) == 1
	}, "waiting for ProcessFinished")

	client.Stop()
	if err := testutil.RequireReceive(t, done, testTimeout, "waiting for Run"); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
	finished := coordinator.Finished()[0]
	if finished.ProcessID != 41 || finished.ExitCode != 0 {
		t.Errorf("finished = %+v, want process 41 with exit 0", finished)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	testutil.Eventually(t, testTimeout, func() bool {
		return len(coordinator.Summaries()) == 1
	}, "waiting for the session summary")
	summary := coordinator.Summaries()[0]
	if summary.ProcessesRun != 1 {
		t.Errorf("summary ProcessesRun = %d, want 1", summary.ProcessesRun)
	}
	if summary.DurationNanos <= 0 {
		t.Errorf("summary DurationNanos = %d, want positive", summary.DurationNanos)
	}
}

func TestRunStopsWhenCoordinatorDisables(t *testing.T) {
	coordinator := hosttest.New()
	client := connect(t, coordinator, nil)
	coordinator.DisableRemoteExecution()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := client.Run(ctx); err != nil {
		t.Fatalf("Run = %v, want nil after the coordinator disabled remote execution", err)
	}
	if calls := coordinator.Calls("ProcessAvailable"); calls != 1 {
		t.Errorf("offers = %d, want 1", calls)
	}
}

func TestWarningsForwarded(t *testing.T) {
	coordinator := hosttest.New()
	client := connect(t, coordinator, nil)

	client.logger.Info("routine progress", "process_id", uint32(7))
	client.logger.Warn("module copy slow", "process_id", uint32(7), "module", "cc")

	testutil.Eventually(t, testTimeout, func() bool {
		return len(coordinator.Logs()) > 0
	}, "waiting for a forwarded log notice")
	logs := coordinator.Logs()
	if len(logs) != 1 {
		t.Fatalf("forwarded notices = %d, want 1: %+v", len(logs), logs)
	}
	notice := logs[0]
	if notice.ProcessID != 7 {
		t.Errorf("ProcessID = %d, want 7", notice.ProcessID)
	}
	if notice.Level != "warn" {
		t.Errorf("Level = %q, want %q", notice.Level, "warn")
	}
	if !strings.HasPrefix(notice.Message, "module copy slow") || !strings.Contains(notice.Message, "module=cc") {
		t.Errorf("Message = %q, want the record message with its attributes", notice.Message)
	}
	if !strings.Contains(notice.Message, "session_id=session-1") {
		t.Errorf("Message = %q, want the session attribute", notice.Message)
	}
}
