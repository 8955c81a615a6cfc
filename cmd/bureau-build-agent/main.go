// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// bureau-build-agent runs build processes on behalf of a remote
// coordinator. It connects, offers its capacity, runs the processes the
// coordinator assigns inside a view of the coordinator's filesystem, and
// reports their outputs back.
//
// Configuration comes from the file named by --config or
// BUREAU_BUILD_AGENT_CONFIG. A few settings can be overridden by flags
// for one-off runs. SIGINT or SIGTERM stops taking work, drains the
// running processes and disconnects.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/buildagent/lib/cas"
	"github.com/bureau-foundation/buildagent/lib/config"
	"github.com/bureau-foundation/buildagent/lib/executor"
	"github.com/bureau-foundation/buildagent/lib/governor"
	"github.com/bureau-foundation/buildagent/lib/hwinfo"
	"github.com/bureau-foundation/buildagent/lib/process"
	"github.com/bureau-foundation/buildagent/lib/session"
	"github.com/bureau-foundation/buildagent/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

// flags holds command-line overrides of the config file.
type flags struct {
	configPath   string
	host         string
	maxProcesses float64
	mountpoint   string
	logLevel     string
}

func run() error {
	var overrides flags
	var showVersion bool

	flagSet := pflag.NewFlagSet("bureau-build-agent", pflag.ContinueOnError)
	flagSet.StringVar(&overrides.configPath, "config", "", "path to the agent config file (default: $"+config.EnvironmentVariable+")")
	flagSet.StringVar(&overrides.host, "host", "", "coordinator address, overriding host.address")
	flagSet.Float64Var(&overrides.maxProcesses, "max-processes", 0, "capacity in weight units, overriding scheduler.max_process_count")
	flagSet.StringVar(&overrides.mountpoint, "mount", "", "mount per-process filesystem views below this directory")
	flagSet.StringVar(&overrides.logLevel, "log-level", "", "debug, info, warn or error, overriding logging.level")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print("bureau-build-agent")
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	cfg, err := loadConfig(overrides)
	if err != nil {
		return err
	}
	level, err := process.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger := process.NewLogger(os.Stderr, level)
	for _, warning := range cfg.Warnings() {
		logger.Warn("questionable configuration", "detail", warning)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	options, err := sessionOptions(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := session.Connect(ctx, options)
	if err != nil {
		return err
	}
	defer client.Close()

	// A signal drains running processes instead of abandoning them.
	runContext, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()
	go func() {
		select {
		case <-ctx.Done():
			logger.Info("signal received, draining")
			client.Stop()
		case <-runContext.Done():
		}
	}()

	logger.Info("build agent running",
		"version", version.Info(),
		"coordinator", cfg.Host.Address,
		"max_process_count", options.MaxProcessCount,
	)
	if err := client.Run(runContext); err != nil {
		return fmt.Errorf("session ended: %w", err)
	}
	logger.Info("build agent stopped", "summary", client.Summary())
	return nil
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(overrides flags) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if overrides.configPath != "" {
		cfg, err = config.LoadFile(overrides.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if overrides.host != "" {
		cfg.Host.Address = overrides.host
	}
	if overrides.maxProcesses != 0 {
		cfg.Scheduler.MaxProcessCount = overrides.maxProcesses
	}
	if overrides.mountpoint != "" {
		cfg.Paths.Mountpoint = overrides.mountpoint
	}
	if overrides.logLevel != "" {
		cfg.Logging.Level = overrides.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// sessionOptions translates a validated config into session options.
func sessionOptions(cfg *config.Config, logger *slog.Logger) (session.Options, error) {
	options := session.Options{
		Address:              cfg.Host.Address,
		ProxyAddress:         cfg.Host.ProxyAddress,
		DialTimeout:          cfg.Host.DialTimeout.Std(),
		CallTimeout:          cfg.Timeouts.Call.Std(),
		AgentName:            cfg.Host.AgentName,
		Root:                 cfg.Paths.Root,
		CasRoot:              cfg.Paths.CAS,
		BinRoot:              cfg.Paths.Bin,
		TempRoot:             cfg.Paths.Temp,
		StagingRoot:          cfg.Paths.Staging,
		MountRoot:            cfg.Paths.Mountpoint,
		AllowOther:           cfg.Paths.AllowOther,
		CompressOutputs:      cfg.Storage.CompressOutputs,
		Workers:              cfg.Storage.WorkerCount,
		Launcher:             executor.ExecLauncher{},
		DirectoryWaitTimeout: cfg.Timeouts.DirectoryWait.Std(),
		ModuleCopyTimeout:    cfg.Timeouts.ModuleCopy.Std(),
		MaxProcessCount:      cfg.Scheduler.MaxProcessCount,
		PollInterval:         cfg.Scheduler.PollInterval.Std(),
		PingInterval:         cfg.Scheduler.PingInterval.Std(),
		MaxIdle:              cfg.Scheduler.MaxIdle.Std(),
		MemRequiredToSpawn:   cfg.Scheduler.MemRequiredToSpawn,
		MemRequiredFree:      cfg.Scheduler.MemRequiredFree,
		MemoryProbe:          governor.SystemMemory,
		Logger:               logger,
	}
	if options.MaxProcessCount == 0 {
		options.MaxProcessCount = float64(hwinfo.CPUCount())
	}

	if cfg.Storage.Compression != "none" {
		codec, err := cas.ParseCodec(cfg.Storage.Compression)
		if err != nil {
			return session.Options{}, err
		}
		options.Codec = codec
	}

	policy, err := governor.ParseKillPolicy(cfg.Scheduler.KillPolicy)
	if err != nil {
		return session.Options{}, err
	}
	options.KillPolicy = policy

	forwardLevel, err := process.ParseLevel(cfg.Logging.ForwardLevel)
	if err != nil {
		return session.Options{}, err
	}
	options.ForwardLevel = forwardLevel

	if cfg.RulesFile != "" {
		rules, err := executor.LoadRules(cfg.RulesFile)
		if err != nil {
			return session.Options{}, err
		}
		options.Rules = rules
	}
	return options, nil
}
