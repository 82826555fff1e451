//
// Tencent is pleased to support the open source community by making floword available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// floword is licensed under the Apache License Version 2.0.
//
//

package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Named failure kinds for registry lookups.
var (
	// ErrAlreadyExists marks creation of a stream id already registered.
	ErrAlreadyExists = errors.New("stream already exists")
	// ErrNotFound marks reattachment to a deleted or unknown stream id. The
	// condition is permanent; the caller must start a new exchange.
	ErrNotFound = errors.New("stream not found")
)

// DefaultGrace is how long a completed stream stays registered so a terminal
// read already in flight can drain before the entry disappears.
const DefaultGrace = 30 * time.Second

// Registry is the process-wide table of active streams keyed by an opaque
// stream id. It is an explicitly constructed, dependency-injected service
// with a defined lifecycle, not an ambient global.
type Registry struct {
	mu       sync.RWMutex
	streams  map[string]*Stream
	capacity int
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithStreamCapacity sets the buffer capacity of created streams.
func WithStreamCapacity(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		streams:  make(map[string]*Stream),
		capacity: defaultCapacity,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new stream under id. A live stream under the same id
// is a conflict; a completed one, kept around only for its grace window, is
// replaced so the next exchange can start immediately.
func (r *Registry) Create(id string) (*Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.streams[id]; ok && !existing.Completed() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	s := New(WithCapacity(r.capacity))
	r.streams[id] = s
	return s, nil
}

// Get returns the stream registered under id.
func (r *Registry) Get(id string) (*Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.streams[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Subscribe attaches a consumer to the stream registered under id, replaying
// from fromIndex.
func (r *Registry) Subscribe(ctx context.Context, id string, fromIndex int) (<-chan Event, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return s.Subscribe(ctx, fromIndex), nil
}

// Delete removes the stream registered under id, completing it first so any
// attached consumer observes end-of-stream instead of hanging.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	s, ok := r.streams[id]
	delete(r.streams, id)
	r.mu.Unlock()

	if ok {
		s.Complete()
	}
}

// CloseAndRemove marks the stream completed immediately and removes the
// entry after the grace window, so a terminal read already in flight drains
// first. A grace of zero removes the entry synchronously. The deferred
// removal targets this stream instance only: if a new exchange has replaced
// the entry in the meantime, the replacement is left alone.
func (r *Registry) CloseAndRemove(id string, grace time.Duration) {
	r.mu.RLock()
	s, ok := r.streams[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.Complete()

	if grace <= 0 {
		r.deleteIfCurrent(id, s)
		return
	}
	time.AfterFunc(grace, func() {
		r.deleteIfCurrent(id, s)
	})
}

// deleteIfCurrent removes the entry under id only while it still holds s.
func (r *Registry) deleteIfCurrent(id string, s *Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.streams[id]; ok && current == s {
		delete(r.streams, id)
	}
}

// Len returns the number of registered streams.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}
