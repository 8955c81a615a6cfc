// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"strings"
	"testing"
)

func TestInfoMarksDirtyBuilds(t *testing.T) {
	savedCommit, savedDirty := GitCommit, GitDirty
	defer func() { GitCommit, GitDirty = savedCommit, savedDirty }()

	GitCommit = "abc1234"
	GitDirty = "true"
	if info := Info(); !strings.Contains(info, "abc1234-dirty") {
		t.Errorf("Info() = %q, want it to contain %q", info, "abc1234-dirty")
	}

	GitDirty = "false"
	if info := Info(); strings.Contains(info, "-dirty") {
		t.Errorf("Info() = %q, clean build must not be marked dirty", info)
	}
}

func TestFullIncludesProtocol(t *testing.T) {
	if full := Full(); !strings.Contains(full, "Protocol: ") {
		t.Errorf("Full() = %q, want protocol version line", full)
	}
}
