// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for the build agent.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// safety valve so tests do not call time.After directly. [Eventually]
// polls state owned by another goroutine. [TempDir] returns a short
// directory under /tmp for FUSE mountpoints, whose paths must stay
// short.
//
// All helpers call t.Fatalf on failure.
package testutil
