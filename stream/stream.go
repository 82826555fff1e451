//
// Tencent is pleased to support the open source community by making floword available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// floword is licensed under the Apache License Version 2.0.
//
//

// Package stream provides a bounded, append-only, multi-reader event buffer
// with replay-from-index for reattaching consumers.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrCompleted marks an append to a stream that already completed.
var ErrCompleted = errors.New("stream already completed")

// defaultCapacity bounds the buffer. Eviction is a safety valve, not a
// normal occurrence.
const defaultCapacity = 1000

// Event is one item of a stream, serialized verbatim to consumers.
type Event struct {
	// ID identifies the event within its stream.
	ID string `json:"id,omitempty"`
	// Object describes the payload kind (chat chunk, tool response, error).
	Object string `json:"object,omitempty"`
	// Data is the JSON payload.
	Data json.RawMessage `json:"data,omitempty"`
	// Timestamp is when the event was produced.
	Timestamp time.Time `json:"timestamp"`
}

// Stream is an append-only bounded event buffer. Indices are absolute over
// the life of the stream: eviction advances the base, so an index handed to
// a consumer stays meaningful until evicted by capacity overflow. Many
// subscribers may read concurrently; only the producer appends.
type Stream struct {
	mu        sync.Mutex
	events    []Event
	base      int
	capacity  int
	completed bool
	createdAt time.Time
	wake      chan struct{}
}

// Option configures a Stream.
type Option func(*Stream)

// WithCapacity overrides the buffer capacity.
func WithCapacity(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// New creates an empty stream.
func New(opts ...Option) *Stream {
	s := &Stream{
		capacity:  defaultCapacity,
		createdAt: time.Now(),
		wake:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreatedAt returns the stream creation time.
func (s *Stream) CreatedAt() time.Time {
	return s.createdAt
}

// Append adds one event and wakes every blocked subscriber. When capacity is
// exceeded the oldest event is evicted: consumers already past it are
// unaffected, consumers that had not read it yet lose it.
func (s *Stream) Append(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completed {
		return ErrCompleted
	}
	s.events = append(s.events, ev)
	if len(s.events) > s.capacity {
		evicted := len(s.events) - s.capacity
		s.events = append([]Event(nil), s.events[evicted:]...)
		s.base += evicted
	}
	s.broadcast()
	return nil
}

// Complete transitions the stream to its terminal state. One-way and
// idempotent; blocked subscribers wake and observe end-of-stream.
func (s *Stream) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completed {
		return
	}
	s.completed = true
	s.broadcast()
}

// Completed reports whether Complete has been called.
func (s *Stream) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// Len returns the total number of events appended over the stream's life,
// including evicted ones. It is the index the next appended event gets.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base + len(s.events)
}

// broadcast wakes all waiters by swapping and closing the wake channel.
// Callers must hold the lock.
func (s *Stream) broadcast() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// Subscribe returns a channel yielding every buffered event from fromIndex
// onward, then blocking until new events arrive or completion is marked. The
// channel closes at completion or when ctx is done. A consumer may
// disconnect and a new one reattach at an arbitrary fromIndex, typically the
// count of events it has already seen. Events arrive in exact production
// order; a fromIndex older than the eviction window resumes at the oldest
// retained event.
func (s *Stream) Subscribe(ctx context.Context, fromIndex int) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		next := fromIndex
		if next < 0 {
			next = 0
		}
		for {
			s.mu.Lock()
			if next < s.base {
				next = s.base
			}
			var batch []Event
			if next < s.base+len(s.events) {
				batch = append(batch, s.events[next-s.base:]...)
			}
			completed := s.completed
			wake := s.wake
			s.mu.Unlock()

			for _, ev := range batch {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			next += len(batch)
			if len(batch) > 0 {
				continue
			}
			if completed {
				return
			}
			select {
			case <-wake:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
