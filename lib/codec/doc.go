// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the CBOR configuration shared by every message
// the build agent exchanges with its coordinator.
//
// Frames on the wire (lib/wire) carry CBOR payloads encoded here with
// Core Deterministic Encoding (RFC 8949 §4.2), so the same logical
// request always produces the same bytes. That matters for the
// directory-table and name-to-hash chunk requests, which the host
// compares when it detects a retried request.
//
//	data, err := codec.Marshal(request)
//	err = codec.Unmarshal(data, &response)
//
// Message types use `cbor` struct tags. Fixed-size keys (cas.Key,
// cas.StringKey) are byte arrays and encode as CBOR byte strings.
package codec
