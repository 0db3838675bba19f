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
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBuffer_KeepsNewestInOrder(t *testing.T) {
	r := NewRingBuffer[int](3)

	for i := 1; i <= 5; i++ {
		r.Push(i)
	}

	assert.Equal(t, []int{3, 4, 5}, r.Items())
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 2, r.Evicted())

	newest, ok := r.Newest()
	require.True(t, ok)
	assert.Equal(t, 5, newest)
	assert.Equal(t, []int{5, 4}, r.Last(2))
}

func TestRingBuffer_PushReportsEviction(t *testing.T) {
	r := NewRingBuffer[string](1)

	assert.False(t, r.Push("a"))
	assert.True(t, r.Push("b"))
	assert.Equal(t, []string{"b"}, r.Items())
}

func TestRingBuffer_EmptyAndReset(t *testing.T) {
	r := NewRingBuffer[int](0)
	assert.Equal(t, DefaultCapacity, r.Cap())

	_, ok := r.Newest()
	assert.False(t, ok)
	assert.Nil(t, r.Last(3))
	assert.Empty(t, r.Items())

	r.Push(1)
	r.Reset()
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Items())
}

func TestStore_PerKeyBound(t *testing.T) {
	s := NewStore[int](2, 10)

	s.Append("task", 1)
	s.Append("task", 2)
	s.Append("task", 3)

	assert.Equal(t, []int{2, 3}, s.Get("task"))
	assert.Equal(t, []int{3}, s.Last("task", 1))
	assert.Nil(t, s.Get("missing"))
}

func TestStore_EvictsLeastRecentlyWrittenKey(t *testing.T) {
	s := NewStore[int](4, 2)

	assert.Equal(t, "", s.Append("a", 1))
	assert.Equal(t, "", s.Append("b", 1))
	// Touch a so b becomes least recently written.
	s.Append("a", 2)

	evicted := s.Append("c", 1)

	assert.Equal(t, "b", evicted)
	assert.Equal(t, []string{"c", "a"}, s.Keys())
	assert.Nil(t, s.Get("b"))
	assert.Equal(t, []int{1, 2}, s.Get("a"))
}

func TestStore_Delete(t *testing.T) {
	s := NewStore[int](4, 4)
	s.Append("a", 1)

	assert.True(t, s.Delete("a"))
	assert.False(t, s.Delete("a"))
	assert.Equal(t, 0, s.Len())
}

func TestStore_ConcurrentAppend(t *testing.T) {
	s := NewStore[int](1000, 8)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", w)
			for i := 0; i < 100; i++ {
				s.Append(key, i)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 8, s.Len())
	for _, key := range s.Keys() {
		assert.Len(t, s.Get(key), 100)
	}
}
