// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package governor runs the agent's scheduling loop. A single
// goroutine offers capacity to the coordinator, starts the
// assignments it receives on an [executor.Executor], reports each
// completion, and sheds load when the machine runs short of memory.
//
// Capacity is a fractional weight: the sum of the weights of live
// processes never exceeds Options.MaxProcessCount. A process keeps
// its weight until its completion arrives, even after it was killed,
// so killed processes cannot be double-booked against a new
// assignment.
//
// The loop leaves in one of three ways. Remote execution being
// disabled (by the coordinator or by the idle timeout) drains active
// work and returns nil. Stop and send failures set the stop flag,
// which also drains before returning. Cancelling the context passed
// to Run cancels every process and returns once they have all
// reported.
package governor
