// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package mailbox implements a single slot hand-off between a producer task
// and a consumer task.
//
// A Signal holds at most one value. Publish replaces any unread value and
// never blocks; Take blocks until a value is present and empties the slot.
// It is meant to carry "the latest reading" where older readings are useless
// once a newer one exists.
package mailbox

import (
	"context"
	"sync"
)

// Signal is a single slot, overwrite on write, consume on read mailbox.
//
// The zero value is not usable, use New.
type Signal[T any] struct {
	// mu serializes publishers so the drain and refill of slot is atomic.
	mu   sync.Mutex
	slot chan T
}

// New returns an empty Signal.
func New[T any]() *Signal[T] {
	return &Signal[T]{slot: make(chan T, 1)}
}

// Publish stores v, discarding any value that was not taken yet.
//
// It unblocks one pending Take, if any.
func (s *Signal[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.slot:
	default:
	}
	// Only publishers send and they hold mu, so the slot is empty here.
	s.slot <- v
}

// Take blocks until a value was published since the slot was last emptied,
// then returns it and empties the slot.
//
// It returns ctx.Err() if ctx is done first. When several goroutines call
// Take concurrently, exactly one of them receives a given value.
func (s *Signal[T]) Take(ctx context.Context) (T, error) {
	select {
	case v := <-s.slot:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryTake returns the pending value, if any, without blocking.
func (s *Signal[T]) TryTake() (T, bool) {
	select {
	case v := <-s.slot:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Pending reports whether a value is waiting to be taken.
func (s *Signal[T]) Pending() bool {
	return len(s.slot) != 0
}

func (s *Signal[T]) String() string {
	return "mailbox"
}
