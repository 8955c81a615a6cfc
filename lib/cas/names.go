// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import "sync"

// NameRecord is one entry of the coordinator's name-to-hash table.
type NameRecord struct {
	Path      StringKey
	Key       Key
	Timestamp uint64
}

// hashRecord caches the key of one path. The lock is held across the
// coordinator round trip that resolves it, which is what makes
// concurrent lookups of one path share a single request.
type hashRecord struct {
	mu        sync.Mutex
	key       Key
	timestamp uint64
	resolved  bool

	// stale forces the next lookup to ask the coordinator while
	// keeping timestamp so older records are still rejected.
	stale bool
}

// update applies key if it is newer than what the record holds.
// Callers hold mu.
func (r *hashRecord) update(key Key, timestamp uint64) bool {
	if r.resolved && timestamp < r.timestamp {
		return false
	}
	if r.resolved && timestamp == r.timestamp && r.key == key {
		r.stale = false
		return false
	}
	r.key = key
	r.timestamp = timestamp
	r.resolved = true
	r.stale = false
	return true
}

// NameTable maps path keys to cas keys for the lifetime of a
// session. Entries are created on first lookup and overwritten only
// by records carrying a newer server timestamp, whatever order they
// arrive in.
type NameTable struct {
	records *ShardedMap[StringKey, *hashRecord]
}

// NewNameTable returns an empty table.
func NewNameTable() *NameTable {
	return &NameTable{records: NewShardedMap[StringKey, *hashRecord](ShardStringKey)}
}

func (t *NameTable) record(path StringKey) *hashRecord {
	return t.records.GetOrCreate(path, func() *hashRecord { return &hashRecord{} })
}

// Lookup returns the cached key for path.
func (t *NameTable) Lookup(path StringKey) (Key, uint64, bool) {
	record, ok := t.records.Get(path)
	if !ok {
		return KeyZero, 0, false
	}
	record.mu.Lock()
	defer record.mu.Unlock()
	return record.key, record.timestamp, record.resolved
}

// Update records key for path if timestamp is not older than the
// cached entry. Returns whether the entry changed.
func (t *NameTable) Update(path StringKey, key Key, timestamp uint64) bool {
	record := t.record(path)
	record.mu.Lock()
	defer record.mu.Unlock()
	return record.update(key, timestamp)
}

// Forget marks path stale so the next lookup goes back to the
// coordinator. Used after this agent mutates the path.
func (t *NameTable) Forget(path StringKey) {
	record, ok := t.records.Get(path)
	if !ok {
		return
	}
	record.mu.Lock()
	defer record.mu.Unlock()
	record.stale = true
}

// ApplyRecords applies a batch fetched from the coordinator and
// returns the number of entries that changed.
func (t *NameTable) ApplyRecords(records []NameRecord) int {
	changed := 0
	for _, record := range records {
		if t.Update(record.Path, record.Key, record.Timestamp) {
			changed++
		}
	}
	return changed
}

// Len returns the number of paths with a record.
func (t *NameTable) Len() int {
	return t.records.Len()
}
