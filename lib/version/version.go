// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version carries build and protocol version information for
// the build agent.
//
// Build metadata is injected with -ldflags:
//
//	go build -ldflags "-X github.com/bureau-foundation/buildagent/lib/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"os"
	"runtime"
)

// ProtocolVersion is sent in the connect handshake. The host refuses
// agents whose protocol version differs from its own; bump it on any
// incompatible change to frame layout or message payloads.
const ProtocolVersion uint32 = 7

// Set via -ldflags at build time.
var (
	GitCommit = "unknown"
	GitDirty  = "false"
	BuildTime = "unknown"
	Version   = "0.1.0-dev"
)

// Info returns a one-line version string for --version output and the
// handshake.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, GitCommit, dirty, BuildTime)
}

// Full adds the Go toolchain and platform to Info.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s\n  Protocol: %d",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH, ProtocolVersion)
}

// Print writes "<binary> <version>" to stdout.
func Print(binary string) {
	fmt.Fprintf(os.Stdout, "%s %s\n", binary, Full())
}
