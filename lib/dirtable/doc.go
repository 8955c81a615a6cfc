// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dirtable holds the agent's copy of the coordinator's
// directory table: an append-only byte arena of directory records
// that the virtual filesystem consults for listings and attributes.
//
// The arena has two cursors. writePos counts bytes received;
// memorySize counts bytes readers may use. memorySize never exceeds
// writePos and only advances when the coordinator confirms it has
// nothing beyond a point (an empty chunk). Several goroutines may
// sync the table at once: a chunk that starts beyond writePos waits,
// with the table lock released, until the bytes before it land. Each
// wait is bounded (five minutes by default).
//
// Records are indexed by the [cas.StringKey] of their directory path
// as memorySize advances; a later record for a directory supersedes
// earlier ones.
package dirtable
