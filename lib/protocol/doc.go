// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the messages exchanged between a build
// agent and its coordinator: the [wire.Message] identities and the
// CBOR payload of each request and response.
//
// Payloads larger than one frame are never sent whole. Cas files
// travel in segments (FetchBegin/FetchSegment, StoreBegin/
// StoreSegment) and the directory and name-to-hash tables in chunks
// keyed by offset, so both sides can detect duplicate or out of order
// data.
package protocol
