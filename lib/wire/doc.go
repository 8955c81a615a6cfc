// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the framed request/response protocol
// between a build agent and its coordinator.
//
// Every frame carries a request id, a (service, type) [Message] pair,
// flags, and a CBOR payload. A request with id zero is a notification
// and gets no response. Responses reuse the id of their request, so
// many calls can be in flight on one connection: a single reader
// goroutine per [Conn] routes each response to the caller waiting for
// it, and a write mutex keeps frames from interleaving on the socket.
//
// Transport failures surface as errors wrapping [ErrDisconnected] (or
// the context error for timeouts). A failure from the remote handler
// surfaces as [*RemoteError] and leaves the connection usable.
// [Conn.OnSendFailure] hooks observe every transport failure; the
// session wires one to the scheduler's stop flag.
//
// [Server] registers handlers per Message and answers each incoming
// request on its own goroutine. The same [Conn] type is used on both
// ends, so either side may register handlers.
package wire
