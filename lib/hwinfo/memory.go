// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hwinfo

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// MemoryReading is a snapshot of system memory in bytes.
type MemoryReading struct {
	Total     uint64
	Available uint64
}

// ReadMemory returns the current memory snapshot. On Linux it prefers
// MemAvailable from /proc/meminfo (which accounts for reclaimable page
// cache) and falls back to sysinfo(2) free RAM when that is missing.
func ReadMemory() (MemoryReading, error) {
	reading, err := readMemInfoFrom("/proc/meminfo")
	if err == nil {
		return reading, nil
	}
	fallback, fallbackErr := sysinfoMemory()
	if fallbackErr != nil {
		return MemoryReading{}, fmt.Errorf("reading memory: %v; fallback: %w", err, fallbackErr)
	}
	return fallback, nil
}

// readMemInfoFrom parses a meminfo-format file. Values are in kB.
func readMemInfoFrom(path string) (MemoryReading, error) {
	file, err := os.Open(path)
	if err != nil {
		return MemoryReading{}, err
	}
	defer file.Close()

	var reading MemoryReading
	var haveTotal, haveAvailable bool
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		var target *uint64
		switch fields[0] {
		case "MemTotal:":
			target, haveTotal = &reading.Total, true
		case "MemAvailable:":
			target, haveAvailable = &reading.Available, true
		default:
			continue
		}
		kilobytes, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return MemoryReading{}, fmt.Errorf("parsing %s in %s: %w", fields[0], path, err)
		}
		*target = kilobytes * 1024
	}
	if err := scanner.Err(); err != nil {
		return MemoryReading{}, fmt.Errorf("reading %s: %w", path, err)
	}
	if !haveTotal || !haveAvailable {
		return MemoryReading{}, fmt.Errorf("%s lacks MemTotal or MemAvailable", path)
	}
	return reading, nil
}

// CPUCount returns the number of logical CPUs usable by this process.
func CPUCount() int {
	return runtime.NumCPU()
}
