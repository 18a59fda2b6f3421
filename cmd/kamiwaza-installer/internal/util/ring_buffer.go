// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package util

import "sync"

// RingBuffer is a fixed-capacity FIFO that overwrites the oldest item when
// full.
//
// # Description
//
// The executor keeps the last lines of every streamed command here so a
// failure report can show a tail without holding an unbounded transcript.
//
// # Thread Safety
//
// Safe for concurrent use.
//
// # Example
//
//	tail := NewRingBuffer[string](40)
//	tail.Push("Setting up kamiwaza (0.5.0) ...")
//	lines := tail.Snapshot()
type RingBuffer[T any] struct {
	mu       sync.Mutex
	buffer   []T
	head     int
	size     int
	capacity int
	dropped  int64
}

// NewRingBuffer creates a buffer holding at most capacity items.
//
// # Inputs
//
//   - capacity: Maximum number of items. Must be positive.
//
// # Outputs
//
//   - *RingBuffer[T]: Empty buffer
//
// # Limitations
//
//   - Panics if capacity <= 0
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		panic("ring buffer capacity must be positive")
	}
	return &RingBuffer[T]{
		buffer:   make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends item, dropping the oldest item if the buffer is full.
// Returns true if an item was dropped.
func (r *RingBuffer[T]) Push(item T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	tail := (r.head + r.size) % r.capacity
	r.buffer[tail] = item

	if r.size == r.capacity {
		r.head = (r.head + 1) % r.capacity
		r.dropped++
		return true
	}
	r.size++
	return false
}

// Snapshot returns the buffered items oldest first without removing them.
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buffer[(r.head+i)%r.capacity]
	}
	return out
}

// Drain returns all items oldest first and empties the buffer.
func (r *RingBuffer[T]) Drain() []T {
	out := r.Snapshot()

	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	for i := range r.buffer {
		r.buffer[i] = zero
	}
	r.head = 0
	r.size = 0
	return out
}

// Size returns the number of buffered items.
func (r *RingBuffer[T]) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Capacity returns the maximum number of items.
func (r *RingBuffer[T]) Capacity() int {
	return r.capacity
}

// DroppedCount returns how many items were overwritten.
func (r *RingBuffer[T]) DroppedCount() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// LastLines returns at most n trailing elements of lines.
func LastLines(lines []string, n int) []string {
	if n <= 0 || len(lines) == 0 {
		return nil
	}
	if len(lines) <= n {
		out := make([]string, len(lines))
		copy(out, lines)
		return out
	}
	out := make([]string, n)
	copy(out, lines[len(lines)-n:])
	return out
}
