// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"encoding/binary"
	"sync"
)

const shardCount = 64

// ShardedMap is a concurrent map split into independently locked
// shards. Values are typically pointers to records carrying their
// own lock; the shard lock only protects map membership and is never
// held while a record is in use.
type ShardedMap[K comparable, V any] struct {
	shardOf func(K) uint32
	shards  [shardCount]struct {
		mu      sync.Mutex
		entries map[K]V
	}
}

// NewShardedMap returns an empty map distributing keys by shardOf.
func NewShardedMap[K comparable, V any](shardOf func(K) uint32) *ShardedMap[K, V] {
	m := &ShardedMap[K, V]{shardOf: shardOf}
	for i := range m.shards {
		m.shards[i].entries = make(map[K]V)
	}
	return m
}

// GetOrCreate returns the value for key, calling create to insert one
// if absent. create runs under the shard lock and must not block.
func (m *ShardedMap[K, V]) GetOrCreate(key K, create func() V) V {
	shard := &m.shards[m.shardOf(key)%shardCount]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	value, ok := shard.entries[key]
	if !ok {
		value = create()
		shard.entries[key] = value
	}
	return value
}

// Get returns the value for key.
func (m *ShardedMap[K, V]) Get(key K) (V, bool) {
	shard := &m.shards[m.shardOf(key)%shardCount]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	value, ok := shard.entries[key]
	return value, ok
}

// Delete removes key.
func (m *ShardedMap[K, V]) Delete(key K) {
	shard := &m.shards[m.shardOf(key)%shardCount]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.entries, key)
}

// Len returns the number of entries across all shards.
func (m *ShardedMap[K, V]) Len() int {
	total := 0
	for i := range m.shards {
		m.shards[i].mu.Lock()
		total += len(m.shards[i].entries)
		m.shards[i].mu.Unlock()
	}
	return total
}

// Range calls fn for every entry until it returns false. Each shard
// is snapshotted before fn runs, so fn may call back into the map.
func (m *ShardedMap[K, V]) Range(fn func(K, V) bool) {
	for i := range m.shards {
		shard := &m.shards[i]
		shard.mu.Lock()
		keys := make([]K, 0, len(shard.entries))
		values := make([]V, 0, len(shard.entries))
		for key, value := range shard.entries {
			keys = append(keys, key)
			values = append(values, value)
		}
		shard.mu.Unlock()
		for j := range keys {
			if !fn(keys[j], values[j]) {
				return
			}
		}
	}
}

// ShardStringKey distributes StringKeys by their leading bytes.
func ShardStringKey(key StringKey) uint32 {
	return binary.LittleEndian.Uint32(key[0:4])
}

// ShardKey distributes Keys by their leading bytes.
func ShardKey(key Key) uint32 {
	return binary.LittleEndian.Uint32(key[0:4])
}
