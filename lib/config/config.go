// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the config file when no --config flag is
// given.
const EnvironmentVariable = "BUREAU_BUILD_AGENT_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production build farms.
	Staging Environment = "staging"
	// Production is for production build farms.
	Production Environment = "production"
)

// Duration is a time.Duration written as a Go duration string
// ("30s", "5m") in the config file.
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"30s\": %w", node.Line, err)
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the build agent's configuration.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	Host      HostConfig      `yaml:"host"`
	Paths     PathsConfig     `yaml:"paths"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Storage   StorageConfig   `yaml:"storage"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Logging   LoggingConfig   `yaml:"logging"`

	// RulesFile is a JSONC file of per-application process rules.
	// Empty applies no rules.
	RulesFile string `yaml:"rules_file"`

	// Per-environment overrides, applied after the base config is
	// loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Host      *HostConfig      `yaml:"host,omitempty"`
	Paths     *PathsConfig     `yaml:"paths,omitempty"`
	Scheduler *SchedulerConfig `yaml:"scheduler,omitempty"`
	Logging   *LoggingConfig   `yaml:"logging,omitempty"`
}

// HostConfig locates the coordinator.
type HostConfig struct {
	// Address is "host:port" or a Unix socket path.
	Address string `yaml:"address"`

	// ProxyAddress is an optional storage proxy serving cas files.
	ProxyAddress string `yaml:"proxy_address"`

	// AgentName is reported in the handshake. Default: the hostname.
	AgentName string `yaml:"agent_name"`

	// DialTimeout bounds connecting to the coordinator. Default: 30s
	DialTimeout Duration `yaml:"dial_timeout"`
}

// PathsConfig configures local directories. Empty subdirectories
// default to directories under Root.
type PathsConfig struct {
	// Root is the base directory for agent data.
	Root string `yaml:"root"`

	CAS     string `yaml:"cas"`
	Bin     string `yaml:"bin"`
	Temp    string `yaml:"temp"`
	Staging string `yaml:"staging"`

	// Mountpoint enables per-process virtual filesystem mounts below
	// it. Empty runs processes without a mounted view.
	Mountpoint string `yaml:"mountpoint"`

	// AllowOther lets processes running as other users see mounts.
	AllowOther bool `yaml:"allow_other"`
}

// SchedulerConfig controls how much work the agent accepts.
type SchedulerConfig struct {
	// MaxProcessCount is the capacity in weight units. May be
	// fractional. Default: the CPU count.
	MaxProcessCount float64 `yaml:"max_process_count"`

	// PollInterval is how often the agent offers capacity. Default: 1s
	PollInterval Duration `yaml:"poll_interval"`

	// PingInterval is the longest the agent stays silent. Default: 30s
	PingInterval Duration `yaml:"ping_interval"`

	// MaxIdle disables remote execution after this long without
	// work. Zero never times out.
	MaxIdle Duration `yaml:"max_idle"`

	// MemRequiredToSpawn is the available memory, in bytes, below
	// which no new work is requested.
	MemRequiredToSpawn uint64 `yaml:"mem_required_to_spawn"`

	// MemRequiredFree is the available memory, in bytes, below which
	// a running process is killed.
	MemRequiredFree uint64 `yaml:"mem_required_free"`

	// KillPolicy picks the process killed under memory pressure:
	// "lifo" or "heaviest". Default: lifo
	KillPolicy string `yaml:"kill_policy"`
}

// StorageConfig controls the content-addressed store.
type StorageConfig struct {
	// Compression is "none", "lz4" or "zstd". Default: lz4
	Compression string `yaml:"compression"`

	// CompressOutputs stores written files compressed.
	CompressOutputs bool `yaml:"compress_outputs"`

	// WorkerCount bounds concurrent module copies and uploads.
	// Default: the CPU count.
	WorkerCount int `yaml:"worker_count"`
}

// TimeoutsConfig bounds waits on the coordinator.
type TimeoutsConfig struct {
	// DirectoryWait bounds waiting for the directory table to reach
	// a size. Default: 5m
	DirectoryWait Duration `yaml:"directory_wait"`

	// ModuleCopy bounds copying an application's modules. Default: 10m
	ModuleCopy Duration `yaml:"module_copy"`

	// Call bounds a single request. Zero waits for the connection.
	Call Duration `yaml:"call"`
}

// LoggingConfig configures the agent log.
type LoggingConfig struct {
	// Level is debug, info, warn or error. Default: info
	Level string `yaml:"level"`

	// ForwardLevel is the lowest level also sent to the coordinator.
	// Default: warn
	ForwardLevel string `yaml:"forward_level"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	hostname, _ := os.Hostname()

	return &Config{
		Environment: Development,
		Host: HostConfig{
			AgentName:   hostname,
			DialTimeout: Duration(30 * time.Second),
		},
		Paths: PathsConfig{
			Root: filepath.Join(homeDir, ".cache", "bureau-build-agent"),
		},
		Scheduler: SchedulerConfig{
			PollInterval: Duration(time.Second),
			PingInterval: Duration(30 * time.Second),
			KillPolicy:   "lifo",
		},
		Storage: StorageConfig{
			Compression: "lz4",
		},
		Timeouts: TimeoutsConfig{
			DirectoryWait: Duration(5 * time.Minute),
			ModuleCopy:    Duration(10 * time.Minute),
		},
		Logging: LoggingConfig{
			Level:        "info",
			ForwardLevel: "warn",
		},
	}
}

// Load loads configuration from the file named by
// BUREAU_BUILD_AGENT_CONFIG. There is no fallback when it is unset.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your build agent config file, or use --config flag", EnvironmentVariable)
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. The only expansion
// performed is ${HOME}, ${BUILD_AGENT_ROOT} and ${VAR:-default} in
// path fields.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the section matching Environment.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production agents forward only errors unless the file asks.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Logging: &LoggingConfig{ForwardLevel: "error"},
			}
		}
	}

	if overrides == nil {
		return
	}

	if host := overrides.Host; host != nil {
		setString(&c.Host.Address, host.Address)
		setString(&c.Host.ProxyAddress, host.ProxyAddress)
		setString(&c.Host.AgentName, host.AgentName)
		if host.DialTimeout != 0 {
			c.Host.DialTimeout = host.DialTimeout
		}
	}

	if paths := overrides.Paths; paths != nil {
		setString(&c.Paths.Root, paths.Root)
		setString(&c.Paths.CAS, paths.CAS)
		setString(&c.Paths.Bin, paths.Bin)
		setString(&c.Paths.Temp, paths.Temp)
		setString(&c.Paths.Staging, paths.Staging)
		setString(&c.Paths.Mountpoint, paths.Mountpoint)
		// AllowOther is a bool, so it is always applied from overrides.
		c.Paths.AllowOther = paths.AllowOther
	}

	if scheduler := overrides.Scheduler; scheduler != nil {
		if scheduler.MaxProcessCount != 0 {
			c.Scheduler.MaxProcessCount = scheduler.MaxProcessCount
		}
		if scheduler.PollInterval != 0 {
			c.Scheduler.PollInterval = scheduler.PollInterval
		}
		if scheduler.PingInterval != 0 {
			c.Scheduler.PingInterval = scheduler.PingInterval
		}
		if scheduler.MaxIdle != 0 {
			c.Scheduler.MaxIdle = scheduler.MaxIdle
		}
		if scheduler.MemRequiredToSpawn != 0 {
			c.Scheduler.MemRequiredToSpawn = scheduler.MemRequiredToSpawn
		}
		if scheduler.MemRequiredFree != 0 {
			c.Scheduler.MemRequiredFree = scheduler.MemRequiredFree
		}
		setString(&c.Scheduler.KillPolicy, scheduler.KillPolicy)
	}

	if logging := overrides.Logging; logging != nil {
		setString(&c.Logging.Level, logging.Level)
		setString(&c.Logging.ForwardLevel, logging.ForwardLevel)
	}
}

func setString(target *string, value string) {
	if value != "" {
		*target = value
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"BUILD_AGENT_ROOT": c.Paths.Root,
		"HOME":             os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["BUILD_AGENT_ROOT"] = c.Paths.Root

	c.Paths.CAS = expandVars(c.Paths.CAS, vars)
	c.Paths.Bin = expandVars(c.Paths.Bin, vars)
	c.Paths.Temp = expandVars(c.Paths.Temp, vars)
	c.Paths.Staging = expandVars(c.Paths.Staging, vars)
	c.Paths.Mountpoint = expandVars(c.Paths.Mountpoint, vars)
	c.RulesFile = expandVars(c.RulesFile, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns. Provided
// vars take precedence over the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. Every problem is
// reported, joined.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Host.Address == "" {
		errs = append(errs, errors.New("host.address is required"))
	}

	if c.Paths.Root == "" {
		errs = append(errs, errors.New("paths.root is required"))
	}

	if c.Scheduler.MaxProcessCount < 0 {
		errs = append(errs, fmt.Errorf("scheduler.max_process_count must not be negative, got %v", c.Scheduler.MaxProcessCount))
	}
	if c.Scheduler.PollInterval <= 0 {
		errs = append(errs, errors.New("scheduler.poll_interval must be positive"))
	}

	killPolicies := []string{"lifo", "heaviest"}
	if !contains(killPolicies, c.Scheduler.KillPolicy) {
		errs = append(errs, fmt.Errorf("scheduler.kill_policy must be one of: %v", killPolicies))
	}

	compressions := []string{"none", "lz4", "zstd"}
	if !contains(compressions, c.Storage.Compression) {
		errs = append(errs, fmt.Errorf("storage.compression must be one of: %v", compressions))
	}

	if c.Storage.WorkerCount < 0 {
		errs = append(errs, fmt.Errorf("storage.worker_count must not be negative, got %d", c.Storage.WorkerCount))
	}

	levels := []string{"debug", "info", "warn", "error"}
	if !contains(levels, c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level must be one of: %v", levels))
	}
	if !contains(levels, c.Logging.ForwardLevel) {
		errs = append(errs, fmt.Errorf("logging.forward_level must be one of: %v", levels))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Warnings lists settings that are valid but probably not intended.
func (c *Config) Warnings() []string {
	var warnings []string
	scheduler := c.Scheduler
	if scheduler.MemRequiredFree > scheduler.MemRequiredToSpawn && scheduler.MemRequiredToSpawn != 0 {
		warnings = append(warnings, fmt.Sprintf(
			"scheduler.mem_required_free (%d) exceeds mem_required_to_spawn (%d): the agent may kill work it just accepted",
			scheduler.MemRequiredFree, scheduler.MemRequiredToSpawn))
	}
	if c.Paths.AllowOther && c.Paths.Mountpoint == "" {
		warnings = append(warnings, "paths.allow_other has no effect without paths.mountpoint")
	}
	return warnings
}

// EnsurePaths creates the configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		c.Paths.CAS,
		c.Paths.Bin,
		c.Paths.Temp,
		c.Paths.Staging,
		c.Paths.Mountpoint,
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
