// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hwinfo

import "golang.org/x/sys/unix"

func sysinfoMemory() (MemoryReading, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return MemoryReading{}, err
	}
	unit := uint64(info.Unit)
	return MemoryReading{
		Total:     uint64(info.Totalram) * unit,
		Available: (uint64(info.Freeram) + uint64(info.Bufferram)) * unit,
	}, nil
}
