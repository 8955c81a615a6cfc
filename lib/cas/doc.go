// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cas is the agent side of the content-addressed store: the
// key types, the on-disk cache of cas files, the compressed-file
// codec, memory mappings of cached content, and [Client], which
// guarantees that a requested key exists locally by fetching it from
// the coordinator (or a storage proxy) on a miss.
//
// # Keys
//
// A [Key] is a truncated BLAKE3 keyed hash of the uncompressed
// content plus one flag bit recording whether the cas file stored
// under that key is compressed. [AsCompressed] toggles only the flag,
// so the compressed and uncompressed variants of the same content
// share their hash bits. A [StringKey] identifies a path, optionally
// case-folded.
//
// # Concurrency
//
// The process-wide lookups (path to key, path to mapping) are
// [ShardedMap] instances holding records with their own locks.
// Requests for unrelated files never contend; requests for the same
// file serialize on that file's record so only one of them performs
// the network round trip. No lock in this package is held across a
// call into the network other than the record lock of the file being
// resolved.
//
// # Compressed files
//
// Compressed cas files use the framing from [Compress]: a "BCAS"
// magic, a codec byte, the uncompressed size, then blocks of at most
// [BlockSize] raw bytes, each compressed with LZ4 or zstd and stored
// raw when compression does not help.
package cas
