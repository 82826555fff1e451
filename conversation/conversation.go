//
// Tencent is pleased to support the open source community by making floword available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// floword is licensed under the Apache License Version 2.0.
//
//

// Package conversation persists conversation records and orchestrates
// exchanges between the agent, the tool-server manager and event streams.
package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/floword/floword/agent"
	"github.com/floword/floword/model"
)

// ErrNotFound marks a lookup of an unknown conversation id.
var ErrNotFound = errors.New("conversation not found")

// OrderBy values for listing.
const (
	OrderByCreated = "created"
	OrderByUpdated = "updated"
)

// Record is the persisted state of one conversation: enough for the agent
// to resume after a client disconnects.
type Record struct {
	// ID is the conversation id.
	ID string `json:"id"`
	// UserID is the owning user.
	UserID string `json:"user_id"`
	// Title is a display title, defaulted from the first prompt.
	Title string `json:"title"`
	// SystemPrompt is fixed at conversation creation.
	SystemPrompt string `json:"system_prompt,omitempty"`
	// Messages is the ordered message history.
	Messages []model.Message `json:"messages"`
	// Usage holds the cumulative usage counters.
	Usage agent.Usage `json:"usage"`
	// CreatedAt is when the conversation was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt advances on every persisted exchange.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Messages = make([]model.Message, len(r.Messages))
	copy(clone.Messages, r.Messages)
	return &clone
}

// ListOptions selects and orders a page of conversations.
type ListOptions struct {
	// UserID filters by owner; empty matches every conversation.
	UserID string
	// Limit caps the page size; zero means no cap.
	Limit int
	// Offset skips that many records after ordering.
	Offset int
	// OrderBy is "created" or "updated"; empty defaults to "created".
	OrderBy string
	// Desc reverses the order.
	Desc bool
}

// Service is the conversation persistence collaborator.
type Service interface {
	// Create creates an empty conversation for the user.
	Create(ctx context.Context, userID string) (*Record, error)
	// Get returns the conversation by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)
	// Update persists the record's history, usage and title.
	Update(ctx context.Context, record *Record) error
	// Delete removes the conversation by id, or ErrNotFound.
	Delete(ctx context.Context, id string) error
	// List returns a page of conversations.
	List(ctx context.Context, opts ListOptions) ([]*Record, error)
}
