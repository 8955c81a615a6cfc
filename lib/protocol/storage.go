// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import "github.com/bureau-foundation/buildagent/lib/cas"

// SegmentSize is the largest Data chunk in one storage message,
// leaving room for the rest of the payload within a frame.
const SegmentSize = 512 * 1024

// FetchBeginRequest starts downloading a cas file.
type FetchBeginRequest struct {
	Key cas.Key `cbor:"key"`
}

// FetchBeginResponse carries the total size and the first segment.
type FetchBeginResponse struct {
	Found bool   `cbor:"found"`
	Size  int64  `cbor:"size"`
	Data  []byte `cbor:"data,omitempty"`
}

// FetchSegmentRequest asks for the bytes of key starting at Offset.
type FetchSegmentRequest struct {
	Key    cas.Key `cbor:"key"`
	Offset int64   `cbor:"offset"`
}

// FetchSegmentResponse echoes the offset so the receiver can reject a
// misrouted segment.
type FetchSegmentResponse struct {
	Offset int64  `cbor:"offset"`
	Data   []byte `cbor:"data"`
}

// StoreBeginRequest starts uploading a cas file with its first
// segment.
type StoreBeginRequest struct {
	Key  cas.Key `cbor:"key"`
	Size int64   `cbor:"size"`
	Data []byte  `cbor:"data,omitempty"`
}

// StoreBeginResponse tells the uploader whether to continue.
type StoreBeginResponse struct {
	// AlreadyPresent means the remote has the key and the upload
	// stops after the first message.
	AlreadyPresent bool `cbor:"already_present"`
}

// StoreSegmentRequest continues an upload at Offset.
type StoreSegmentRequest struct {
	Key    cas.Key `cbor:"key"`
	Offset int64   `cbor:"offset"`
	Data   []byte  `cbor:"data"`
}

// StoreSegmentResponse acknowledges a segment. Complete is set when
// the remote has all Size bytes and verified them.
type StoreSegmentResponse struct {
	Complete bool `cbor:"complete"`
}

// BadCasFileNotice reports a cas file that failed verification.
type BadCasFileNotice struct {
	Key cas.Key `cbor:"key"`
}
