// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session is the build agent's connection to a coordinator.
//
// [Connect] dials the coordinator, performs the versioned handshake,
// pulls the directory table and the name-to-hash table, and wires the
// content-addressed store, the executor and the scheduling loop to
// that one connection. [Client.Run] then offers capacity and runs
// assigned processes until the coordinator disables remote execution,
// the agent is stopped, or the connection fails. [Client.Close] sends
// the session summary and disconnects.
//
// Cas files move in segments that each fit a wire frame, either
// through the coordinator or through an optional storage proxy.
// Agent log records at or above a configured level are also sent to
// the coordinator as Log notices.
package session
