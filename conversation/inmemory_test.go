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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floword/floword/agent"
	"github.com/floword/floword/model"
)

func TestInMemoryServiceCRUD(t *testing.T) {
	s := NewInMemoryService()
	ctx := context.Background()

	record, err := s.Create(ctx, "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, record.ID)
	assert.Equal(t, "user-1", record.UserID)
	assert.False(t, record.CreatedAt.IsZero())

	got, err := s.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.ID, got.ID)

	got.Title = "hello"
	got.Messages = []model.Message{model.NewUserMessage("hi")}
	got.Usage = agent.Usage{Requests: 1, TotalTokens: 15}
	require.NoError(t, s.Update(ctx, got))

	updated, err := s.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", updated.Title)
	require.Len(t, updated.Messages, 1)
	assert.Equal(t, 1, updated.Usage.Requests)
	assert.Equal(t, record.CreatedAt, updated.CreatedAt)
	assert.False(t, updated.UpdatedAt.Before(record.UpdatedAt))

	require.NoError(t, s.Delete(ctx, record.ID))
	_, err = s.Get(ctx, record.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryServiceNotFound(t *testing.T) {
	s := NewInMemoryService()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.Update(ctx, &Record{ID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.Delete(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryServiceCloneIsolation(t *testing.T) {
	s := NewInMemoryService()
	ctx := context.Background()

	record, err := s.Create(ctx, "user-1")
	require.NoError(t, err)

	// Mutating a returned record never leaks into the store.
	record.Title = "mutated"
	got, err := s.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Title)
}

func TestInMemoryServiceList(t *testing.T) {
	s := NewInMemoryService()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		owner := "alice"
		if i%2 == 1 {
			owner = "bob"
		}
		record, err := s.Create(ctx, owner)
		require.NoError(t, err)
		record.Title = fmt.Sprintf("conv %d", i)
		require.NoError(t, s.Update(ctx, record))
		ids = append(ids, record.ID)
		time.Sleep(time.Millisecond)
	}

	all, err := s.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, ids[0], all[0].ID)

	desc, err := s.List(ctx, ListOptions{Desc: true})
	require.NoError(t, err)
	assert.Equal(t, ids[4], desc[0].ID)

	alice, err := s.List(ctx, ListOptions{UserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, alice, 3)
	for _, record := range alice {
		assert.Equal(t, "alice", record.UserID)
	}

	page, err := s.List(ctx, ListOptions{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[1], page[0].ID)
	assert.Equal(t, ids[2], page[1].ID)

	empty, err := s.List(ctx, ListOptions{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestInMemoryServiceListOrderByUpdated(t *testing.T) {
	s := NewInMemoryService()
	ctx := context.Background()

	first, err := s.Create(ctx, "u")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	second, err := s.Create(ctx, "u")
	require.NoError(t, err)

	// Touch the older record so it sorts last by update time.
	time.Sleep(time.Millisecond)
	first.Title = "touched"
	require.NoError(t, s.Update(ctx, first))

	records, err := s.List(ctx, ListOptions{OrderBy: OrderByUpdated, Desc: true})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, first.ID, records[0].ID)
	assert.Equal(t, second.ID, records[1].ID)
}
