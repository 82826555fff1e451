//
// Tencent is pleased to support the open source community by making floword available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// floword is licensed under the Apache License Version 2.0.
//
//

package conversation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryService is a Service backed by a process-local map. Suitable for
// tests and single-node deployments.
type InMemoryService struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewInMemoryService creates an empty in-memory service.
func NewInMemoryService() *InMemoryService {
	return &InMemoryService{
		records: make(map[string]*Record),
	}
}

// Create implements Service.
func (s *InMemoryService) Create(ctx context.Context, userID string) (*Record, error) {
	now := time.Now()
	record := &Record{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.records[record.ID] = record
	s.mu.Unlock()

	return record.Clone(), nil
}

// Get implements Service.
func (s *InMemoryService) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return record.Clone(), nil
}

// Update implements Service.
func (s *InMemoryService) Update(ctx context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.records[record.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, record.ID)
	}
	clone := record.Clone()
	clone.CreatedAt = stored.CreatedAt
	clone.UpdatedAt = time.Now()
	s.records[record.ID] = clone
	return nil
}

// Delete implements Service.
func (s *InMemoryService) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.records, id)
	return nil
}

// List implements Service.
func (s *InMemoryService) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	s.mu.RLock()
	records := make([]*Record, 0, len(s.records))
	for _, record := range s.records {
		if opts.UserID != "" && record.UserID != opts.UserID {
			continue
		}
		records = append(records, record.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		var before bool
		switch opts.OrderBy {
		case OrderByUpdated:
			before = records[i].UpdatedAt.Before(records[j].UpdatedAt)
		default:
			before = records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		if opts.Desc {
			return !before
		}
		return before
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(records) {
			return []*Record{}, nil
		}
		records = records[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(records) {
		records = records[:opts.Limit]
	}
	return records, nil
}
