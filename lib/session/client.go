// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/buildagent/lib/binhash"
	"github.com/bureau-foundation/buildagent/lib/cas"
	"github.com/bureau-foundation/buildagent/lib/clock"
	"github.com/bureau-foundation/buildagent/lib/dirtable"
	"github.com/bureau-foundation/buildagent/lib/executor"
	"github.com/bureau-foundation/buildagent/lib/governor"
	"github.com/bureau-foundation/buildagent/lib/hwinfo"
	"github.com/bureau-foundation/buildagent/lib/protocol"
	"github.com/bureau-foundation/buildagent/lib/version"
	"github.com/bureau-foundation/buildagent/lib/wire"
	"github.com/bureau-foundation/buildagent/lib/workqueue"
)

// ErrRejected means the coordinator refused the handshake.
var ErrRejected = errors.New("session: coordinator rejected the agent")

// Options configures a session.
type Options struct {
	// Address is the coordinator, "host:port" or "unix:///path".
	Address string

	// ProxyAddress is an optional storage proxy. A proxy that
	// cannot be reached is skipped.
	ProxyAddress string

	DialTimeout time.Duration
	CallTimeout time.Duration

	// AgentName identifies this agent to the coordinator.
	AgentName string

	// Root holds everything the session writes locally. The cas,
	// binary, scratch and staging directories default to
	// subdirectories of it.
	Root        string
	CasRoot     string
	BinRoot     string
	TempRoot    string
	StagingRoot string

	// MountRoot enables per-process mounted views.
	MountRoot  string
	AllowOther bool

	// Codec compresses cas files this agent stores.
	Codec           cas.Codec
	CompressOutputs bool

	// Workers bounds concurrent module copies and uploads.
	// Defaults to the CPU count.
	Workers int

	Rules    *executor.RuleSet
	Launcher executor.Launcher

	DirectoryWaitTimeout time.Duration
	ModuleCopyTimeout    time.Duration

	MaxProcessCount    float64
	PollInterval       time.Duration
	PingInterval       time.Duration
	MaxIdle            time.Duration
	MemRequiredToSpawn uint64
	MemRequiredFree    uint64
	MemoryProbe        governor.MemoryProbe
	KillPolicy         governor.KillPolicy

	// ForwardLevel is the lowest level of agent log records sent
	// to the coordinator. Nil means warn.
	ForwardLevel slog.Leveler

	Clock  clock.Clock
	Logger *slog.Logger
}

// Client is one session with a coordinator. It owns the connection,
// the cas client, the directory table and the scheduling loop.
type Client struct {
	conn   *wire.Conn
	proxy  *wire.Conn
	clock  clock.Clock
	logger *slog.Logger

	sessionID       string
	environment     []string
	caseInsensitive bool

	cas       *cas.Client
	names     *cas.NameTable
	directory *dirtable.Table
	queue     *workqueue.Queue
	executor  *executor.Executor
	governor  *governor.Governor

	// nameSync orders name table pulls against each other only;
	// namePos is the number of records applied and is read without it.
	nameSync sync.Mutex
	namePos  atomic.Uint64

	started   time.Time
	closing   atomic.Bool
	closeOnce sync.Once
}

func (o *Options) applyDefaults() error {
	if o.Address == "" {
		return errors.New("session: Address is required")
	}
	if o.Root == "" {
		return errors.New("session: Root is required")
	}
	if o.MaxProcessCount <= 0 {
		return fmt.Errorf("session: MaxProcessCount must be positive, got %v", o.MaxProcessCount)
	}
	defaultPath := func(value *string, name string) {
		if *value == "" {
			*value = filepath.Join(o.Root, name)
		}
	}
	defaultPath(&o.CasRoot, "cas")
	defaultPath(&o.BinRoot, "bin")
	defaultPath(&o.TempRoot, "tmp")
	defaultPath(&o.StagingRoot, "staging")
	if o.DialTimeout <= 0 {
		o.DialTimeout = 30 * time.Second
	}
	if o.AgentName == "" {
		o.AgentName = "bureau-build-agent"
	}
	if o.Workers <= 0 {
		o.Workers = hwinfo.CPUCount()
	}
	if o.ForwardLevel == nil {
		o.ForwardLevel = slog.LevelWarn
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return nil
}

// Connect dials the coordinator, performs the handshake, brings the
// directory and name tables up to date and wires the executor and
// scheduling loop. Call Run to start taking work and Close when done.
func Connect(ctx context.Context, options Options) (*Client, error) {
	if err := options.applyDefaults(); err != nil {
		return nil, err
	}
	forward := newForwardHandler(options.Logger.Handler(), options.ForwardLevel.Level())
	logger := slog.New(forward)

	dialContext, cancel := context.WithTimeout(ctx, options.DialTimeout)
	defer cancel()
	conn, err := wire.Dial(dialContext, options.Address, wire.ConnOptions{
		CallTimeout: options.CallTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	client := &Client{
		conn:    conn,
		clock:   options.Clock,
		logger:  logger,
		started: options.Clock.Now(),
	}
	if err := client.setup(ctx, options); err != nil {
		conn.Close()
		if client.proxy != nil {
			client.proxy.Close()
		}
		if client.cas != nil {
			client.cas.Close()
		}
		return nil, err
	}
	forward.setConn(conn)
	return client, nil
}

func (c *Client) setup(ctx context.Context, options Options) error {
	response, err := c.handshake(ctx, options)
	if err != nil {
		return err
	}
	c.sessionID = response.SessionID
	c.environment = response.Environment
	c.caseInsensitive = response.CaseInsensitive
	c.logger = c.logger.With("session_id", c.sessionID)

	var proxy cas.Remote
	if options.ProxyAddress != "" {
		dialContext, cancel := context.WithTimeout(ctx, options.DialTimeout)
		proxyConn, err := wire.Dial(dialContext, options.ProxyAddress, wire.ConnOptions{
			CallTimeout: options.CallTimeout,
			Logger:      c.logger,
		})
		cancel()
		if err != nil {
			c.logger.Warn("storage proxy unavailable, fetching from coordinator", "proxy", options.ProxyAddress, "error", err)
		} else {
			c.proxy = proxyConn
			proxy = storageRemote{conn: proxyConn}
		}
	}

	store, err := cas.NewStore(options.CasRoot)
	if err != nil {
		return err
	}
	c.names = cas.NewNameTable()
	c.cas, err = cas.NewClient(cas.ClientOptions{
		Store:             store,
		Host:              storageRemote{conn: c.conn},
		Proxy:             proxy,
		Names:             c,
		NameTable:         c.names,
		CaseInsensitive:   c.caseInsensitive,
		Codec:             options.Codec,
		BinRoot:           options.BinRoot,
		EphemeralPrefixes: []string{options.TempRoot, options.BinRoot, options.StagingRoot},
		Logger:            c.logger,
	})
	if err != nil {
		return err
	}
	c.directory = dirtable.New(dirtable.Options{
		CaseInsensitive: c.caseInsensitive,
		WaitTimeout:     options.DirectoryWaitTimeout,
		Clock:           options.Clock,
		Logger:          c.logger,
	})
	c.queue = workqueue.New(options.Workers)

	if err := c.SyncTables(ctx, response.DirectoryTableSize, response.NameTableSize); err != nil {
		return fmt.Errorf("initial table sync: %w", err)
	}

	c.executor, err = executor.New(executor.Options{
		Host:              c,
		CAS:               c.cas,
		Directory:         c.directory,
		Queue:             c.queue,
		Launcher:          options.Launcher,
		Rules:             options.Rules,
		TempRoot:          options.TempRoot,
		StagingRoot:       options.StagingRoot,
		MountRoot:         options.MountRoot,
		AllowOther:        options.AllowOther,
		Environment:       c.environment,
		CompressOutputs:   options.CompressOutputs,
		ModuleCopyTimeout: options.ModuleCopyTimeout,
		Clock:             options.Clock,
		Logger:            c.logger,
	})
	if err != nil {
		return err
	}
	c.governor, err = governor.New(governor.Options{
		Session:            c,
		Executor:           c.executor,
		MaxProcessCount:    options.MaxProcessCount,
		PollInterval:       options.PollInterval,
		PingInterval:       options.PingInterval,
		MaxIdle:            options.MaxIdle,
		MemRequiredToSpawn: options.MemRequiredToSpawn,
		MemRequiredFree:    options.MemRequiredFree,
		MemoryProbe:        options.MemoryProbe,
		KillPolicy:         options.KillPolicy,
		Clock:              options.Clock,
		Logger:             c.logger,
	})
	if err != nil {
		return err
	}

	c.conn.OnSendFailure(func(message wire.Message, err error) {
		c.governor.SendFailed(fmt.Errorf("sending %s: %w", message, err))
	})
	c.conn.OnDisconnect(func(err error) {
		if c.closing.Load() {
			return
		}
		if err == nil {
			err = wire.ErrDisconnected
		}
		c.governor.SendFailed(fmt.Errorf("coordinator connection closed: %w", err))
	})

	c.logger.Info("session established",
		"coordinator", options.Address,
		"case_insensitive", c.caseInsensitive,
		"directory_table", c.directory.MemorySize(),
		"name_table", c.names.Len(),
		"environment", len(c.environment),
	)
	return nil
}

func (c *Client) handshake(ctx context.Context, options Options) (protocol.ConnectResponse, error) {
	request := protocol.ConnectRequest{
		ProtocolVersion: version.ProtocolVersion,
		AgentName:       options.AgentName,
		AgentVersion:    version.Info(),
		OS:              runtime.GOOS,
		Arch:            runtime.GOARCH,
		CPUCount:        hwinfo.CPUCount(),
		MaxProcessCount: options.MaxProcessCount,
	}
	if digest, err := binhash.Self(); err != nil {
		c.logger.Warn("hashing agent binary failed", "error", err)
	} else {
		request.BinaryDigest = digest.String()
	}
	if memory, err := hwinfo.ReadMemory(); err == nil {
		request.MemoryTotal = memory.Total
	}

	var response protocol.ConnectResponse
	if err := c.conn.Call(ctx, protocol.Connect, request, &response); err != nil {
		return response, fmt.Errorf("handshake: %w", err)
	}
	if !response.Accepted {
		return response, fmt.Errorf("%w: %s", ErrRejected, response.Reason)
	}
	return response, nil
}

// SessionID is the coordinator's name for this session.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Environment is the variable list the coordinator sent in the
// handshake.
func (c *Client) Environment() []string {
	return c.environment
}

// CAS returns the session's cas client.
func (c *Client) CAS() *cas.Client {
	return c.cas
}

// Directory returns the session's copy of the directory table.
func (c *Client) Directory() *dirtable.Table {
	return c.directory
}

// Governor returns the scheduling loop.
func (c *Client) Governor() *governor.Governor {
	return c.governor
}

// Run takes work until the scheduling loop stops, then waits for
// every process to finish reporting.
func (c *Client) Run(ctx context.Context) error {
	err := c.governor.Run(ctx)
	c.executor.Wait()
	c.queue.Wait()
	return err
}

// Stop asks Run to drain active processes and return.
func (c *Client) Stop() {
	c.governor.Stop()
}

// Close sends the session summary, announces the disconnect and
// closes the connections. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		if c.conn.Err() == nil {
			summary := c.Summary()
			if notifyErr := c.conn.Notify(protocol.Summary, summary); notifyErr != nil {
				c.logger.Debug("sending session summary failed", "error", notifyErr)
			}
			c.conn.Notify(protocol.Disconnect, protocol.DisconnectNotice{Reason: "agent shutting down"})
		}
		if c.proxy != nil {
			c.proxy.Close()
		}
		err = c.conn.Close()
		c.cas.Close()
	})
	return err
}

// Summary collects the counters sent when the session ends.
func (c *Client) Summary() protocol.SummaryNotice {
	processes := c.governor.Stats()
	storage := c.cas.Stats()
	return protocol.SummaryNotice{
		ProcessesRun:      processes.Started,
		ProcessesReturned: processes.Returned,
		ProcessesKilled:   processes.Killed,
		BytesFetched:      storage.FetchedBytes,
		BytesStored:       storage.StoredBytes,
		CacheHits:         storage.CacheHits,
		DurationNanos:     c.clock.Now().Sub(c.started).Nanoseconds(),
	}
}
