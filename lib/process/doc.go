// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint helpers for the agent binary:
// the structured logger constructor and the fatal-error exit used
// before (or after) the logger exists.
package process
