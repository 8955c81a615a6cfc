// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

// ConnectRequest opens a session. BinaryDigest lets the coordinator
// refuse agents built from a different source than it expects.
type ConnectRequest struct {
	ProtocolVersion uint32  `cbor:"protocol_version"`
	AgentName       string  `cbor:"agent_name"`
	AgentVersion    string  `cbor:"agent_version,omitempty"`
	BinaryDigest    string  `cbor:"binary_digest"`
	OS              string  `cbor:"os"`
	Arch            string  `cbor:"arch"`
	CPUCount        int     `cbor:"cpu_count"`
	MemoryTotal     uint64  `cbor:"memory_total"`
	MaxProcessCount float64 `cbor:"max_process_count"`
}

// ConnectResponse accepts or rejects the session.
type ConnectResponse struct {
	SessionID string `cbor:"session_id"`
	Accepted  bool   `cbor:"accepted"`
	Reason    string `cbor:"reason,omitempty"`

	// CaseInsensitive selects the path hashing mode for the
	// session.
	CaseInsensitive bool `cbor:"case_insensitive"`

	// Environment is appended verbatim to every process
	// environment, as KEY=VALUE strings.
	Environment []string `cbor:"environment,omitempty"`

	DirectoryTableSize uint64 `cbor:"directory_table_size"`
	NameTableSize      uint64 `cbor:"name_table_size"`
}

// PingRequest is the idle heartbeat.
type PingRequest struct {
	SentUnixNano int64 `cbor:"sent_unix_nano"`
}

// PingResponse echoes the send time.
type PingResponse struct {
	SentUnixNano int64 `cbor:"sent_unix_nano"`
}

// DisconnectNotice announces an orderly disconnect from either side.
type DisconnectNotice struct {
	Reason string `cbor:"reason"`
}
