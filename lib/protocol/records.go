// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/bureau-foundation/buildagent/lib/cas"
)

// EncodeNameRecords appends the fixed-size encoding of records.
func EncodeNameRecords(destination []byte, records []cas.NameRecord) []byte {
	for _, record := range records {
		destination = append(destination, record.Path[:]...)
		destination = append(destination, record.Key[:]...)
		destination = binary.BigEndian.AppendUint64(destination, record.Timestamp)
	}
	return destination
}

// DecodeNameRecords splits data into records. data must be a whole
// number of records.
func DecodeNameRecords(data []byte) ([]cas.NameRecord, error) {
	if len(data)%NameTableRecordSize != 0 {
		return nil, fmt.Errorf("name table chunk of %d bytes is not a multiple of %d", len(data), NameTableRecordSize)
	}
	records := make([]cas.NameRecord, 0, len(data)/NameTableRecordSize)
	for offset := 0; offset < len(data); offset += NameTableRecordSize {
		var record cas.NameRecord
		copy(record.Path[:], data[offset:offset+cas.StringKeySize])
		copy(record.Key[:], data[offset+cas.StringKeySize:offset+cas.StringKeySize+cas.KeySize])
		record.Timestamp = binary.BigEndian.Uint64(data[offset+cas.StringKeySize+cas.KeySize : offset+NameTableRecordSize])
		records = append(records, record)
	}
	return records, nil
}
