// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package executor prepares, launches and finishes the build
// processes a coordinator assigns to this agent.
//
// Preparing a process resolves its application to a module closure
// and materializes every module from the cas on the agent's work
// queue. The result is cached per application string.
//
// While a process runs, its filesystem view is served by the
// [Process] itself (it implements [vfs.FileSystem]). Reads resolve
// through the cas client and the directory table. Writes are staged
// on local disk and stay private to the process until it exits.
// Namespace changes to files the process did not write are sent to
// the coordinator, whose reply carries the directory table bytes
// that reflect the change.
//
// When a process exits, its outputs are stored in the cas and a
// [Completion] is posted on [Executor.Completions]. The scheduling
// loop reports it to the coordinator.
package executor
