// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history keeps bounded, ordered records for the scheduler.
//
// Execution histories, repair logs and fallback invocations are all keyed by
// task id and would grow without limit over a long-running process. Every
// structure in this package has a fixed capacity and evicts the oldest entry
// first.
package history

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 64

// RingBuffer is a fixed-size circular buffer that keeps the newest entries.
//
// # Description
//
// Push is O(1). Once the buffer is full, each push overwrites the oldest
// entry and increments the eviction counter.
//
// # Thread Safety
//
// NOT safe for concurrent use; callers synchronize.
type RingBuffer[T any] struct {
	data    []T
	start   int
	size    int
	evicted int
}

// NewRingBuffer creates a ring buffer holding at most capacity entries.
//
// # Inputs
//
//   - capacity: Maximum number of entries. Non-positive values use DefaultCapacity.
//
// # Outputs
//
//   - *RingBuffer[T]: Empty buffer.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RingBuffer[T]{data: make([]T, capacity)}
}

// Push appends an entry, evicting the oldest one when full.
//
// # Outputs
//
//   - bool: True if an older entry was evicted to make room.
func (r *RingBuffer[T]) Push(item T) bool {
	if r.size < len(r.data) {
		r.data[(r.start+r.size)%len(r.data)] = item
		r.size++
		return false
	}
	r.data[r.start] = item
	r.start = (r.start + 1) % len(r.data)
	r.evicted++
	return true
}

// Items returns a copy of all entries, oldest first.
func (r *RingBuffer[T]) Items() []T {
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.data[(r.start+i)%len(r.data)]
	}
	return out
}

// Newest returns the most recently pushed entry.
//
// # Outputs
//
//   - T: The newest entry (zero value if empty).
//   - bool: False if the buffer is empty.
func (r *RingBuffer[T]) Newest() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.data[(r.start+r.size-1)%len(r.data)], true
}

// Last returns up to n entries, newest first.
func (r *RingBuffer[T]) Last(n int) []T {
	if n <= 0 || r.size == 0 {
		return nil
	}
	if n > r.size {
		n = r.size
	}
	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = r.data[(r.start+r.size-1-i)%len(r.data)]
	}
	return out
}

// Len returns the number of stored entries.
func (r *RingBuffer[T]) Len() int {
	return r.size
}

// Cap returns the buffer capacity.
func (r *RingBuffer[T]) Cap() int {
	return len(r.data)
}

// Evicted returns how many entries have been overwritten since creation.
func (r *RingBuffer[T]) Evicted() int {
	return r.evicted
}

// Reset drops all entries and releases references to them.
func (r *RingBuffer[T]) Reset() {
	var zero T
	for i := range r.data {
		r.data[i] = zero
	}
	r.start, r.size = 0, 0
}
