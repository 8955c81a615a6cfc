// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package hwinfo reads host resource levels that drive admission
// control: available memory (for the spawn and kill thresholds) and
// the logical CPU count (reported to the coordinator in the
// handshake).
//
// Readers follow the pattern of a public function over the real
// /proc path plus an unexported *From variant that tests point at a
// synthetic file.
package hwinfo
