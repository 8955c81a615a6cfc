// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dirtable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"

	"github.com/bureau-foundation/buildagent/lib/cas"
)

// AttributeDirectory marks a directory entry. The low nine bits of
// Attributes are the permission bits.
const AttributeDirectory uint32 = 1 << 16

const permissionMask uint32 = 0o777

const flagRemoved byte = 0x01

// Entry is one name within a directory record.
type Entry struct {
	Name              string
	Attributes        uint32
	Size              uint64
	ModifiedUnixNanos int64
	Key               cas.Key
}

// IsDirectory reports whether the entry is a directory.
func (e Entry) IsDirectory() bool {
	return e.Attributes&AttributeDirectory != 0
}

// Mode returns the entry's file mode.
func (e Entry) Mode() fs.FileMode {
	mode := fs.FileMode(e.Attributes & permissionMask)
	if e.IsDirectory() {
		mode |= fs.ModeDir
	}
	return mode
}

// Record is the state of one directory.
type Record struct {
	Path    string
	Removed bool
	Entries []Entry
}

// errShortRecord means the buffer ends inside a record.
var errShortRecord = errors.New("dirtable: record extends past end of data")

// AppendRecord appends the encoding of record to destination.
func AppendRecord(destination []byte, record Record) []byte {
	var body []byte
	body = binary.AppendUvarint(body, uint64(len(record.Path)))
	body = append(body, record.Path...)
	var flags byte
	if record.Removed {
		flags |= flagRemoved
	}
	body = append(body, flags)
	body = binary.AppendUvarint(body, uint64(len(record.Entries)))
	for _, entry := range record.Entries {
		body = binary.AppendUvarint(body, uint64(len(entry.Name)))
		body = append(body, entry.Name...)
		body = binary.BigEndian.AppendUint32(body, entry.Attributes)
		body = binary.BigEndian.AppendUint64(body, entry.Size)
		body = binary.BigEndian.AppendUint64(body, uint64(entry.ModifiedUnixNanos))
		body = append(body, entry.Key[:]...)
	}
	destination = binary.AppendUvarint(destination, uint64(len(body)))
	return append(destination, body...)
}

// recordLength returns the total encoded length of the record at the
// start of data without decoding its body.
func recordLength(data []byte) (int, error) {
	bodyLength, prefix := binary.Uvarint(data)
	if prefix < 0 {
		return 0, errors.New("dirtable: record length overflows")
	}
	if prefix == 0 || bodyLength > uint64(len(data)-prefix) {
		return 0, errShortRecord
	}
	return prefix + int(bodyLength), nil
}

// DecodeRecord decodes the record at the start of data and returns
// it with its encoded length.
func DecodeRecord(data []byte) (Record, int, error) {
	total, err := recordLength(data)
	if err != nil {
		return Record{}, 0, err
	}
	_, prefix := binary.Uvarint(data)
	decoder := recordDecoder{data: data[prefix:total]}

	var record Record
	record.Path = decoder.text()
	flags := decoder.byte()
	record.Removed = flags&flagRemoved != 0
	count := decoder.uvarint()
	if decoder.err == nil && count > uint64(len(decoder.data)) {
		decoder.err = fmt.Errorf("dirtable: entry count %d exceeds record size", count)
	}
	if decoder.err == nil && count > 0 {
		record.Entries = make([]Entry, 0, count)
	}
	for i := uint64(0); i < count && decoder.err == nil; i++ {
		var entry Entry
		entry.Name = decoder.text()
		entry.Attributes = decoder.uint32()
		entry.Size = decoder.uint64()
		entry.ModifiedUnixNanos = int64(decoder.uint64())
		decoder.read(entry.Key[:])
		record.Entries = append(record.Entries, entry)
	}
	if decoder.err != nil {
		return Record{}, 0, fmt.Errorf("decoding directory record: %w", decoder.err)
	}
	if len(decoder.data) != 0 {
		return Record{}, 0, fmt.Errorf("decoding directory record %q: %d trailing bytes", record.Path, len(decoder.data))
	}
	return record, total, nil
}

// recordDecoder reads fields sequentially, remembering the first
// error.
type recordDecoder struct {
	data []byte
	err  error
}

func (d *recordDecoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n > len(d.data) {
		d.err = errShortRecord
		return nil
	}
	out := d.data[:n]
	d.data = d.data[n:]
	return out
}

func (d *recordDecoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	value, n := binary.Uvarint(d.data)
	if n <= 0 {
		d.err = errShortRecord
		return 0
	}
	d.data = d.data[n:]
	return value
}

func (d *recordDecoder) text() string {
	length := d.uvarint()
	if d.err == nil && length > uint64(len(d.data)) {
		d.err = errShortRecord
		return ""
	}
	return string(d.take(int(length)))
}

func (d *recordDecoder) byte() byte {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *recordDecoder) uint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *recordDecoder) uint64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *recordDecoder) read(destination []byte) {
	copy(destination, d.take(len(destination)))
}
