// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package binhash computes identity digests of executables.
//
// The agent sends the digest of its own binary in the connect
// handshake so the coordinator can detect a fleet running mixed
// builds. Digests are unkeyed BLAKE3, streamed so memory use does not
// depend on file size.
package binhash
