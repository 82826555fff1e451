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
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/floword/floword/agent"
	"github.com/floword/floword/log"
	"github.com/floword/floword/model"
	"github.com/floword/floword/stream"
)

// maxTitleRunes caps the defaulted conversation title.
const maxTitleRunes = 64

// Controller wires one conversation exchange end to end: it hydrates an
// agent from the persisted record, pumps the agent's response events into a
// registered stream, and persists history and usage when the exchange
// settles. It is a dependency-injected service with an explicit lifecycle.
type Controller struct {
	service Service
	manager agent.ToolCaller
	model   model.Model
	streams *stream.Registry

	systemPrompt string
	grace        time.Duration
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithSystemPrompt sets the system prompt given to new conversations.
func WithSystemPrompt(prompt string) ControllerOption {
	return func(c *Controller) {
		c.systemPrompt = prompt
	}
}

// WithStreamGrace sets how long a completed stream stays registered for a
// terminal read before removal.
func WithStreamGrace(grace time.Duration) ControllerOption {
	return func(c *Controller) {
		c.grace = grace
	}
}

// NewController creates a controller over the given collaborators.
func NewController(
	service Service,
	manager agent.ToolCaller,
	m model.Model,
	streams *stream.Registry,
	opts ...ControllerOption,
) *Controller {
	c := &Controller{
		service: service,
		manager: manager,
		model:   m,
		streams: streams,
		grace:   stream.DefaultGrace,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create creates an empty conversation for the user.
func (c *Controller) Create(ctx context.Context, userID string) (*Record, error) {
	record, err := c.service.Create(ctx, userID)
	if err != nil {
		return nil, err
	}
	if c.systemPrompt != "" {
		record.SystemPrompt = c.systemPrompt
		if err := c.service.Update(ctx, record); err != nil {
			return nil, err
		}
	}
	return record, nil
}

// Get returns the conversation by id.
func (c *Controller) Get(ctx context.Context, id string) (*Record, error) {
	return c.service.Get(ctx, id)
}

// Delete removes the conversation and any stream registered under its id.
func (c *Controller) Delete(ctx context.Context, id string) error {
	c.streams.Delete(id)
	return c.service.Delete(ctx, id)
}

// List returns a page of conversations.
func (c *Controller) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	return c.service.List(ctx, opts)
}

// Chat starts a chat exchange on the conversation and returns the stream id
// consumers subscribe to. Production runs under a detached context: a client
// disconnecting never cancels the model or tool execution.
func (c *Controller) Chat(ctx context.Context, conversationID, prompt string, cfg model.GenerationConfig) (string, error) {
	return c.startExchange(ctx, conversationID, func(ctx context.Context, a *agent.Agent) (<-chan *model.Response, error) {
		return a.Chat(ctx, prompt, cfg)
	}, prompt)
}

// PermitAndRun resolves the conversation's pending tool calls with the given
// decision and returns the stream id of the follow-up exchange.
func (c *Controller) PermitAndRun(ctx context.Context, conversationID string, decision agent.PermissionDecision, cfg model.GenerationConfig) (string, error) {
	return c.startExchange(ctx, conversationID, func(ctx context.Context, a *agent.Agent) (<-chan *model.Response, error) {
		return a.PermitAndRun(ctx, decision, cfg)
	}, "")
}

// Subscribe attaches a consumer to the conversation's active stream,
// replaying events from fromIndex.
func (c *Controller) Subscribe(ctx context.Context, conversationID string, fromIndex int) (<-chan stream.Event, error) {
	return c.streams.Subscribe(ctx, conversationID, fromIndex)
}

type exchangeFunc func(ctx context.Context, a *agent.Agent) (<-chan *model.Response, error)

func (c *Controller) startExchange(ctx context.Context, conversationID string, start exchangeFunc, prompt string) (string, error) {
	record, err := c.service.Get(ctx, conversationID)
	if err != nil {
		return "", err
	}

	a := agent.New(c.manager, c.model,
		agent.WithSystemPrompt(record.SystemPrompt),
		agent.WithHistory(record.Messages),
		agent.WithUsage(record.Usage),
	)

	// The stream id is the conversation id: one active exchange per
	// conversation. A live stream means an exchange is still in flight; a
	// completed one lingering for its grace window is replaced, so a
	// follow-up exchange never waits out the window.
	st, err := c.streams.Create(conversationID)
	if err != nil {
		return "", err
	}

	pctx := detach(ctx)
	ch, err := start(pctx, a)
	if err != nil {
		c.streams.Delete(conversationID)
		return "", err
	}

	if record.Title == "" && prompt != "" {
		record.Title = truncateTitle(prompt)
	}

	go c.pump(pctx, record, a, st, ch, conversationID)
	return conversationID, nil
}

// pump forwards agent events into the stream, then persists the settled
// conversation and schedules stream removal after the grace window.
func (c *Controller) pump(ctx context.Context, record *Record, a *agent.Agent, st *stream.Stream, ch <-chan *model.Response, conversationID string) {
	for rsp := range ch {
		data, err := json.Marshal(rsp)
		if err != nil {
			log.Errorf("marshal response event for conversation %s: %v", conversationID, err)
			continue
		}
		if err := st.Append(stream.Event{
			ID:        uuid.NewString(),
			Object:    rsp.Object,
			Data:      data,
			Timestamp: time.Now(),
		}); err != nil {
			log.Warnf("append to stream %s: %v", conversationID, err)
		}
	}

	record.Messages = a.Messages()
	record.Usage = a.Usage()
	if err := c.service.Update(ctx, record); err != nil {
		log.Errorf("persist conversation %s: %v", conversationID, err)
	}

	c.streams.CloseAndRemove(conversationID, c.grace)
}

func truncateTitle(prompt string) string {
	runes := []rune(prompt)
	if len(runes) <= maxTitleRunes {
		return prompt
	}
	return string(runes[:maxTitleRunes])
}

// detachedContext keeps the parent's values but disables its deadline and
// cancellation, so event production outlives the originating request.
type detachedContext struct {
	parent context.Context
}

func detach(ctx context.Context) context.Context {
	return detachedContext{parent: ctx}
}

func (d detachedContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (d detachedContext) Done() <-chan struct{}       { return nil }
func (d detachedContext) Err() error                  { return nil }
func (d detachedContext) Value(key any) any           { return d.parent.Value(key) }
