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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCreateAndGet(t *testing.T) {
	r := NewRegistry()

	s, err := r.Create("conv-1")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, 1, r.Len())

	got, err := r.Get("conv-1")
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = r.Create("conv-1")
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = r.Get("conv-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistrySubscribe(t *testing.T) {
	r := NewRegistry()
	s, err := r.Create("conv-1")
	require.NoError(t, err)

	require.NoError(t, s.Append(event(0)))
	s.Complete()

	ch, err := r.Subscribe(context.Background(), "conv-1", 0)
	require.NoError(t, err)
	got := collect(t, ch, 1)
	assert.Equal(t, "ev-0", got[0].ID)
	requireClosed(t, ch)

	_, err = r.Subscribe(context.Background(), "missing", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryDeleteCompletesStream(t *testing.T) {
	r := NewRegistry()
	s, err := r.Create("conv-1")
	require.NoError(t, err)

	ch := s.Subscribe(context.Background(), 0)
	r.Delete("conv-1")

	// Attached consumers observe end-of-stream rather than hanging.
	requireClosed(t, ch)
	assert.Equal(t, 0, r.Len())

	// Deleting an absent id is a no-op.
	r.Delete("conv-1")
}

func TestRegistryCloseAndRemoveImmediate(t *testing.T) {
	r := NewRegistry()
	s, err := r.Create("conv-1")
	require.NoError(t, err)

	r.CloseAndRemove("conv-1", 0)
	assert.True(t, s.Completed())
	_, err = r.Get("conv-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryCloseAndRemoveGraceWindow(t *testing.T) {
	r := NewRegistry()
	s, err := r.Create("conv-1")
	require.NoError(t, err)
	require.NoError(t, s.Append(event(0)))

	r.CloseAndRemove("conv-1", 50*time.Millisecond)

	// Completed immediately, but a terminal read still finds the entry.
	assert.True(t, s.Completed())
	ch, err := r.Subscribe(context.Background(), "conv-1", 0)
	require.NoError(t, err)
	got := collect(t, ch, 1)
	assert.Equal(t, "ev-0", got[0].ID)
	requireClosed(t, ch)

	// After the grace window the entry is gone.
	assert.Eventually(t, func() bool {
		_, err := r.Get("conv-1")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegistryCreateReplacesCompleted(t *testing.T) {
	r := NewRegistry()
	first, err := r.Create("conv-1")
	require.NoError(t, err)
	require.NoError(t, first.Append(event(0)))

	// Completed but still registered for its grace window.
	r.CloseAndRemove("conv-1", time.Minute)
	require.True(t, first.Completed())

	// The next exchange starts immediately under the same id.
	second, err := r.Create("conv-1")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.False(t, second.Completed())

	got, err := r.Get("conv-1")
	require.NoError(t, err)
	assert.Same(t, second, got)
}

func TestRegistryGraceRemovalSparesReplacement(t *testing.T) {
	r := NewRegistry()
	first, err := r.Create("conv-1")
	require.NoError(t, err)

	r.CloseAndRemove("conv-1", 20*time.Millisecond)
	second, err := r.Create("conv-1")
	require.NoError(t, err)

	// The first stream's deferred removal fires, but the entry now holds
	// the replacement and must survive.
	time.Sleep(100 * time.Millisecond)
	got, err := r.Get("conv-1")
	require.NoError(t, err)
	assert.Same(t, second, got)
	assert.False(t, got.Completed())
	assert.True(t, first.Completed())
}

func TestRegistryCloseAndRemoveUnknown(t *testing.T) {
	r := NewRegistry()
	r.CloseAndRemove("missing", 0)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryStreamCapacityOption(t *testing.T) {
	r := NewRegistry(WithStreamCapacity(2))
	s, err := r.Create("conv-1")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, s.Append(event(i)))
	}
	s.Complete()

	ch := s.Subscribe(context.Background(), 0)
	got := collect(t, ch, 2)
	assert.Equal(t, "ev-2", got[0].ID)
	assert.Equal(t, "ev-3", got[1].ID)
	requireClosed(t, ch)
}
