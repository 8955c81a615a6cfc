// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import "github.com/bureau-foundation/buildagent/lib/wire"

// System service.
var (
	Connect    = wire.Message{Service: wire.ServiceSystem, Type: 1, Name: "Connect"}
	Ping       = wire.Message{Service: wire.ServiceSystem, Type: 2, Name: "Ping"}
	Disconnect = wire.Message{Service: wire.ServiceSystem, Type: 3, Name: "Disconnect"}
)

// Storage service. A storage proxy serves the same messages.
var (
	FetchBegin       = wire.Message{Service: wire.ServiceStorage, Type: 1, Name: "FetchBegin"}
	FetchSegment     = wire.Message{Service: wire.ServiceStorage, Type: 2, Name: "FetchSegment"}
	StoreBegin       = wire.Message{Service: wire.ServiceStorage, Type: 3, Name: "StoreBegin"}
	StoreSegment     = wire.Message{Service: wire.ServiceStorage, Type: 4, Name: "StoreSegment"}
	ReportBadCasFile = wire.Message{Service: wire.ServiceStorage, Type: 5, Name: "ReportBadCasFile"}
)

// Session service.
var (
	GetApplication      = wire.Message{Service: wire.ServiceSession, Type: 1, Name: "GetApplication"}
	GetFileFromServer   = wire.Message{Service: wire.ServiceSession, Type: 2, Name: "GetFileFromServer"}
	GetDirectoryEntries = wire.Message{Service: wire.ServiceSession, Type: 3, Name: "GetDirectoryEntries"}
	GetNameToHash       = wire.Message{Service: wire.ServiceSession, Type: 4, Name: "GetNameToHash"}
	ProcessAvailable    = wire.Message{Service: wire.ServiceSession, Type: 5, Name: "ProcessAvailable"}
	ProcessFinished     = wire.Message{Service: wire.ServiceSession, Type: 6, Name: "ProcessFinished"}
	ProcessReturned     = wire.Message{Service: wire.ServiceSession, Type: 7, Name: "ProcessReturned"}
	FileMutation        = wire.Message{Service: wire.ServiceSession, Type: 8, Name: "FileMutation"}
	ListDirectory       = wire.Message{Service: wire.ServiceSession, Type: 9, Name: "ListDirectory"}
	Log                 = wire.Message{Service: wire.ServiceSession, Type: 10, Name: "Log"}
	Summary             = wire.Message{Service: wire.ServiceSession, Type: 11, Name: "Summary"}
	GetNameToHashTable  = wire.Message{Service: wire.ServiceSession, Type: 12, Name: "GetNameToHashTable"}
)
