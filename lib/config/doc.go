// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the build
// agent.
//
// Configuration is loaded from a single file named by either the
// BUREAU_BUILD_AGENT_CONFIG environment variable (via [Load]) or a
// --config flag (via [LoadFile]). There are no fallbacks and no
// automatic file search.
//
// The file supports environment-specific sections (development,
// staging, production) that override base values when
// [Config].Environment matches. Production agents forward only error
// records to the coordinator unless the file says otherwise.
//
// Durations are written as Go duration strings ("30s", "5m"); memory
// thresholds are plain byte counts. Path fields expand ${HOME},
// ${BUILD_AGENT_ROOT} and ${VAR:-default} after loading. No other
// environment variables override config values.
//
// Key exports:
//
//   - [Config] -- host, paths, scheduler, storage, timeouts, logging
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//   - [Config.Validate] and [Config.Warnings] -- checks run at startup
//
// This package depends on no other Bureau packages.
package config
