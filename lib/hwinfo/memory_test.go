// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hwinfo

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func writeSyntheticFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meminfo")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing synthetic meminfo: %v", err)
	}
	return path
}

func TestReadMemInfoFrom(t *testing.T) {
	path := writeSyntheticFile(t, `MemTotal:       16384000 kB
MemFree:         1024000 kB
MemAvailable:    8192000 kB
Buffers:          102400 kB
`)
	reading, err := readMemInfoFrom(path)
	if err != nil {
		t.Fatalf("readMemInfoFrom failed: %v", err)
	}
	if reading.Total != 16384000*1024 {
		t.Errorf("Total = %d, want %d", reading.Total, 16384000*1024)
	}
	if reading.Available != 8192000*1024 {
		t.Errorf("Available = %d, want %d", reading.Available, 8192000*1024)
	}
}

func TestReadMemInfoFromMissingAvailable(t *testing.T) {
	path := writeSyntheticFile(t, "MemTotal: 1000 kB\nMemFree: 10 kB\n")
	if _, err := readMemInfoFrom(path); err == nil {
		t.Error("readMemInfoFrom accepted a file without MemAvailable")
	}
}

func TestReadMemInfoFromBadNumber(t *testing.T) {
	path := writeSyntheticFile(t, "MemTotal: lots kB\nMemAvailable: 10 kB\n")
	if _, err := readMemInfoFrom(path); err == nil {
		t.Error("readMemInfoFrom accepted a non-numeric value")
	}
}

func TestReadMemoryLiveSystem(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("memory probing is linux-only")
	}
	reading, err := ReadMemory()
	if err != nil {
		t.Fatalf("ReadMemory failed: %v", err)
	}
	if reading.Total == 0 || reading.Available > reading.Total {
		t.Errorf("implausible reading %+v", reading)
	}
}
