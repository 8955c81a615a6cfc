// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"testing"
)

// TempDir creates a short-named directory in /tmp, removed when the
// test completes. FUSE mountpoints and Unix sockets placed under
// t.TempDir() can exceed path limits on build farms.
func TempDir(t *testing.T) string {
	t.Helper()
	directory, err := os.MkdirTemp("/tmp", "bba-*")
	if err != nil {
		t.Fatalf("creating temp directory: %v", err)
	}
	t.Cleanup(func() {
		_ = os.RemoveAll(directory)
	})
	return directory
}
