// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package governor

import (
	"fmt"
	"strings"
	"time"
)

// Candidate describes a live process the governor could kill to
// relieve memory pressure.
type Candidate struct {
	ProcessID uint32
	Weight    float64
	Started   time.Time
}

// KillPolicy chooses which candidate to kill. Candidates are in start
// order. It returns an index into candidates, or -1 to kill nothing.
type KillPolicy func(candidates []Candidate) int

// LIFO kills the most recently started process: it has done the
// least work, so it is the cheapest to run again elsewhere.
func LIFO(candidates []Candidate) int {
	return len(candidates) - 1
}

// Heaviest kills the process with the largest weight, the most
// recently started one among equals.
func Heaviest(candidates []Candidate) int {
	victim := -1
	for i, candidate := range candidates {
		if victim < 0 || candidate.Weight >= candidates[victim].Weight {
			victim = i
		}
	}
	return victim
}

// ParseKillPolicy resolves a configured policy name. The empty name
// is LIFO.
func ParseKillPolicy(name string) (KillPolicy, error) {
	switch strings.ToLower(name) {
	case "", "lifo":
		return LIFO, nil
	case "heaviest":
		return Heaviest, nil
	default:
		return nil, fmt.Errorf("unknown kill policy %q (valid: lifo, heaviest)", name)
	}
}
