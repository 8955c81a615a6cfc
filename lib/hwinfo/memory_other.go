// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package hwinfo

import "errors"

func sysinfoMemory() (MemoryReading, error) {
	return MemoryReading{}, errors.New("memory probing is only implemented on linux")
}
