// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock lets the scheduler, the directory-table waiters and the
// module-copy waits run against injected time.
//
// Production code holds a Clock field set to Real(). Tests set it to
// Fake(epoch) and drive time with Advance, using WaitForTimers to make
// sure the goroutine under test has registered its timer first:
//
//	fake := clock.Fake(epoch)
//	go loop.Run(ctx)
//	fake.WaitForTimers(1)
//	fake.Advance(pollInterval)
package clock
