// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import "errors"

var (
	// ErrNotFound is returned when neither the local store nor any
	// remote source has the requested key.
	ErrNotFound = errors.New("cas: key not found")

	// ErrCorrupt is returned when cas file content fails to decode
	// or does not hash to its key.
	ErrCorrupt = errors.New("cas: corrupt cas file")

	// ErrBinaryConflict is returned when a materialized binary
	// already exists with different content.
	ErrBinaryConflict = errors.New("cas: binary file exists with different content")
)
