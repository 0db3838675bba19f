// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"container/list"
	"sync"
)

// DefaultMaxKeys bounds how many distinct keys a Store tracks.
const DefaultMaxKeys = 1024

// Store keeps a bounded ring buffer per key.
//
// # Description
//
// Two bounds apply: each key holds at most perKey entries (oldest dropped
// first) and the store tracks at most maxKeys keys. When a new key would
// exceed maxKeys, the least recently written key is evicted with all of its
// entries.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store[T any] struct {
	mu      sync.Mutex
	perKey  int
	maxKeys int
	buffers map[string]*list.Element
	lru     *list.List
}

type storeEntry[T any] struct {
	key string
	buf *RingBuffer[T]
}

// NewStore creates a keyed history store.
//
// # Inputs
//
//   - perKey: Entries kept per key. Non-positive uses DefaultCapacity.
//   - maxKeys: Keys kept in total. Non-positive uses DefaultMaxKeys.
//
// # Outputs
//
//   - *Store[T]: Empty store.
func NewStore[T any](perKey, maxKeys int) *Store[T] {
	if perKey <= 0 {
		perKey = DefaultCapacity
	}
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	return &Store[T]{
		perKey:  perKey,
		maxKeys: maxKeys,
		buffers: make(map[string]*list.Element),
		lru:     list.New(),
	}
}

// Append records an entry under key.
//
// # Outputs
//
//   - evictedKey: Key dropped to stay under maxKeys, or "" if none.
func (s *Store[T]) Append(key string, item T) (evictedKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.buffers[key]; ok {
		el.Value.(*storeEntry[T]).buf.Push(item)
		s.lru.MoveToFront(el)
		return ""
	}

	if s.lru.Len() >= s.maxKeys {
		oldest := s.lru.Back()
		entry := oldest.Value.(*storeEntry[T])
		s.lru.Remove(oldest)
		delete(s.buffers, entry.key)
		evictedKey = entry.key
	}

	buf := NewRingBuffer[T](s.perKey)
	buf.Push(item)
	s.buffers[key] = s.lru.PushFront(&storeEntry[T]{key: key, buf: buf})
	return evictedKey
}

// Get returns the entries for key, oldest first. Nil if the key is unknown.
func (s *Store[T]) Get(key string) []T {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.buffers[key]
	if !ok {
		return nil
	}
	return el.Value.(*storeEntry[T]).buf.Items()
}

// Last returns up to n entries for key, newest first.
func (s *Store[T]) Last(key string, n int) []T {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.buffers[key]
	if !ok {
		return nil
	}
	return el.Value.(*storeEntry[T]).buf.Last(n)
}

// Delete removes key and its entries.
func (s *Store[T]) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.buffers[key]
	if !ok {
		return false
	}
	s.lru.Remove(el)
	delete(s.buffers, key)
	return true
}

// Keys returns tracked keys, most recently written first.
func (s *Store[T]) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, s.lru.Len())
	for el := s.lru.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*storeEntry[T]).key)
	}
	return keys
}

// Len returns the number of tracked keys.
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}
