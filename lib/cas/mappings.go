// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import "sync"

// mappingEntry is the outcome of resolving one path to mapped
// content. The write lock is held by the requester doing the
// resolution; everyone else blocks on the read lock until it is done.
type mappingEntry struct {
	mu      sync.RWMutex
	handled bool
	view    FileView
}

// MappingTable caches resolved file views by path key. The table
// holds one reference on each cached mapping; every view handed out
// by OpenFile holds another.
type MappingTable struct {
	entries *ShardedMap[StringKey, *mappingEntry]
}

// NewMappingTable returns an empty table.
func NewMappingTable() *MappingTable {
	return &MappingTable{entries: NewShardedMap[StringKey, *mappingEntry](ShardStringKey)}
}

func (t *MappingTable) entry(path StringKey) *mappingEntry {
	return t.entries.GetOrCreate(path, func() *mappingEntry { return &mappingEntry{} })
}

// Invalidate drops the cached view of path so the next request
// resolves it again. The mapping stays valid until readers that
// already hold it release their views.
func (t *MappingTable) Invalidate(path StringKey) {
	entry, ok := t.entries.Get(path)
	if !ok {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.view.Mapping != nil {
		entry.view.Mapping.Release()
	}
	entry.handled = false
	entry.view = FileView{}
}

// Close unmaps every cached view.
func (t *MappingTable) Close() {
	t.entries.Range(func(_ StringKey, entry *mappingEntry) bool {
		entry.mu.Lock()
		if entry.view.Mapping != nil {
			entry.view.Mapping.Close()
		}
		entry.handled = false
		entry.view = FileView{}
		entry.mu.Unlock()
		return true
	})
}

// Len returns the number of paths with an entry.
func (t *MappingTable) Len() int {
	return t.entries.Len()
}
