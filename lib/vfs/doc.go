// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package vfs mounts the filesystem view a launched build process
// sees. Every lookup, read, write and namespace change made inside
// the mount is forwarded to a [FileSystem], which the executor
// implements on top of the cas client, the directory table and the
// process's own staged outputs.
//
// The mount is a go-fuse node tree. Node paths are recomputed from
// the inode tree on every call, so renames inside the mount need no
// bookkeeping here. Content is never cached in this package: reads
// go to the [io.ReaderAt] the FileSystem hands back, writes go to the
// staged file it creates.
package vfs
