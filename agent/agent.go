//
// Tencent is pleased to support the open source community by making floword available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// floword is licensed under the Apache License Version 2.0.
//
//

// Package agent drives one conversation's multi-turn exchange with a model,
// gating tool execution behind an explicit permission step.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/floword/floword/log"
	"github.com/floword/floword/mcp"
	"github.com/floword/floword/model"
)

// State-conflict failure kinds. The caller must take the indicated
// corrective action, not retry blindly.
var (
	// ErrNeedsPermission marks a new prompt while the last response still
	// carries unresolved tool calls.
	ErrNeedsPermission = errors.New("pending tool calls need a permission decision")
	// ErrAlreadyResolved marks a permission decision when nothing is pending.
	ErrAlreadyResolved = errors.New("no pending tool calls to resolve")
	// ErrBusy marks a second exchange on a conversation with one in flight.
	ErrBusy = errors.New("conversation already has an exchange in flight")
)

// notPermittedResult is returned to the model for pending calls the
// permission decision did not select.
const notPermittedResult = "tool call was not permitted by the user"

// responseBufferSize buffers the forwarded response channel so slow
// consumers do not stall tool dispatch.
const responseBufferSize = 64

// ToolCaller is the tool-server registry surface the agent depends on.
type ToolCaller interface {
	// AllTools returns the aggregated catalog across usable servers.
	AllTools() []mcp.Tool
	// CallToolID dispatches one tool invocation by typed identity.
	CallToolID(ctx context.Context, id mcp.ToolID, args map[string]any) (*mcp.ToolResult, error)
}

// Usage holds the conversation's monotonically increasing counters.
type Usage struct {
	// Requests is the number of completed model exchanges.
	Requests int `json:"requests"`
	// PromptTokens is the accumulated prompt token count.
	PromptTokens int `json:"prompt_tokens"`
	// CompletionTokens is the accumulated completion token count.
	CompletionTokens int `json:"completion_tokens"`
	// TotalTokens is the accumulated total token count.
	TotalTokens int `json:"total_tokens"`
}

func (u *Usage) add(requests int, usage *model.Usage) {
	u.Requests += requests
	if usage == nil {
		return
	}
	u.PromptTokens += usage.PromptTokens
	u.CompletionTokens += usage.CompletionTokens
	u.TotalTokens += usage.TotalTokens
}

// PermissionDecision selects which pending tool calls to execute. ExecuteAll
// supersedes a narrower id list: the executed set is the union of the
// explicit ids and, when ExecuteAll is set, every pending id. The zero value
// executes nothing and resolves the pending set.
type PermissionDecision struct {
	ExecuteAll  bool     `json:"execute_all"`
	ToolCallIDs []string `json:"execute_tool_call_ids"`
}

func (d PermissionDecision) selects(pending []model.ToolCall) map[string]bool {
	selected := make(map[string]bool, len(pending))
	for _, id := range d.ToolCallIDs {
		selected[id] = true
	}
	if d.ExecuteAll {
		for _, call := range pending {
			selected[call.ID] = true
		}
	}
	return selected
}

// Agent holds one conversation's message history, pending tool calls and
// cumulative usage counters. Chat and PermitAndRun serialize per
// conversation: a second exchange while one is in flight fails fast with
// ErrBusy rather than corrupt history.
type Agent struct {
	manager ToolCaller
	model   model.Model

	mu           sync.Mutex
	systemPrompt string
	history      []model.Message
	usage        Usage
	pending      []model.ToolCall
	toolIDs      map[string]mcp.ToolID
	inflight     bool
}

// Option configures an Agent.
type Option func(*Agent)

// WithSystemPrompt fixes the system prompt at conversation creation.
func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) {
		a.systemPrompt = prompt
	}
}

// WithHistory resumes a persisted message history. When the last message is
// an assistant turn carrying tool calls, those calls become pending again.
func WithHistory(history []model.Message) Option {
	return func(a *Agent) {
		a.history = append([]model.Message(nil), history...)
		if len(history) > 0 {
			last := history[len(history)-1]
			if last.Role == model.RoleAssistant && len(last.ToolCalls) > 0 {
				a.pending = append([]model.ToolCall(nil), last.ToolCalls...)
			}
		}
	}
}

// WithUsage resumes persisted usage counters.
func WithUsage(usage Usage) Option {
	return func(a *Agent) {
		a.usage = usage
	}
}

// New creates an agent over the given tool registry and model.
func New(manager ToolCaller, m model.Model, opts ...Option) *Agent {
	a := &Agent{
		manager: manager,
		model:   m,
		toolIDs: make(map[string]mcp.ToolID),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Chat appends a user prompt and streams the model's response events. It
// fails with ErrNeedsPermission, without touching history, while the last
// response still carries unresolved tool calls, and with ErrBusy while
// another exchange is in flight. The returned channel closes when the
// exchange settles: the finalized response turn is appended to history and
// usage is incremented by one request plus the reported token deltas.
func (a *Agent) Chat(ctx context.Context, prompt string, cfg model.GenerationConfig) (<-chan *model.Response, error) {
	a.mu.Lock()
	if a.inflight {
		a.mu.Unlock()
		return nil, ErrBusy
	}
	if len(a.pending) > 0 {
		a.mu.Unlock()
		return nil, ErrNeedsPermission
	}
	a.inflight = true
	a.history = append(a.history, model.NewUserMessage(prompt))
	a.mu.Unlock()

	out := make(chan *model.Response, responseBufferSize)
	go func() {
		defer close(out)
		a.generate(ctx, out, cfg)
	}()
	return out, nil
}

// PermitAndRun resolves the pending tool calls with the given decision,
// executes the selected ones concurrently against the tool registry, appends
// the tool returns to history and re-invokes the model exactly as in Chat.
// It fails with ErrAlreadyResolved when nothing is pending. Each executed
// result surfaces on the returned channel as a tool.response event before
// the follow-up model events.
func (a *Agent) PermitAndRun(ctx context.Context, decision PermissionDecision, cfg model.GenerationConfig) (<-chan *model.Response, error) {
	a.mu.Lock()
	if a.inflight {
		a.mu.Unlock()
		return nil, ErrBusy
	}
	if len(a.pending) == 0 {
		a.mu.Unlock()
		return nil, ErrAlreadyResolved
	}
	pending := a.pending
	a.pending = nil
	a.inflight = true
	a.mu.Unlock()

	selected := decision.selects(pending)

	out := make(chan *model.Response, responseBufferSize)
	go func() {
		defer close(out)

		// Results are slotted by index so the result-to-call-id pairing is
		// exact regardless of completion order.
		results := make([]model.Message, len(pending))
		var wg sync.WaitGroup
		for i, call := range pending {
			if !selected[call.ID] {
				results[i] = model.NewToolMessage(call.ID, call.Function.Name, notPermittedResult)
				continue
			}
			wg.Add(1)
			go func(i int, call model.ToolCall) {
				defer wg.Done()
				msg := a.executeCall(ctx, call)
				results[i] = msg
				a.emitToolResponse(ctx, out, msg)
			}(i, call)
		}
		wg.Wait()

		a.mu.Lock()
		a.history = append(a.history, results...)
		a.mu.Unlock()

		a.generate(ctx, out, cfg)
	}()
	return out, nil
}

// Messages returns a copy of the conversation history. Before any turn it
// returns an empty sequence, not an error.
func (a *Agent) Messages() []model.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	msgs := make([]model.Message, len(a.history))
	copy(msgs, a.history)
	return msgs
}

// Usage returns the cumulative usage counters.
func (a *Agent) Usage() Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage
}

// PendingToolCalls returns the unresolved tool calls of the last response.
func (a *Agent) PendingToolCalls() []model.ToolCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	pending := make([]model.ToolCall, len(a.pending))
	copy(pending, a.pending)
	return pending
}

// generate submits the current history plus tool catalog to the model,
// forwards every streaming event to out and settles the exchange when the
// model channel drains.
func (a *Agent) generate(ctx context.Context, out chan<- *model.Response, cfg model.GenerationConfig) {
	a.mu.Lock()
	req := a.buildRequestLocked(cfg)
	a.mu.Unlock()

	ch, err := a.model.GenerateContent(ctx, req)
	if err != nil {
		a.emit(ctx, out, &model.Response{
			Object: model.ObjectTypeError,
			Error: &model.ResponseError{
				Message: err.Error(),
				Type:    model.ErrorTypeAPIError,
			},
			Timestamp: time.Now(),
			Done:      true,
		})
		a.settle(nil)
		return
	}

	var final *model.Response
	for rsp := range ch {
		a.emit(ctx, out, rsp)
		if !rsp.IsPartial && rsp.Error == nil {
			final = rsp
		}
	}
	a.settle(final)
}

// settle finishes one exchange. The finalized response turn is appended to
// history, tool calls it carries become pending, and usage counters advance
// by exactly one request plus the engine-reported token deltas. A nil final
// (stream error) releases the in-flight guard without counting a request.
func (a *Agent) settle(final *model.Response) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.inflight = false
	if final == nil || len(final.Choices) == 0 {
		return
	}

	msg := final.Choices[0].Message
	msg.Role = model.RoleAssistant
	a.history = append(a.history, msg)
	if len(msg.ToolCalls) > 0 {
		a.pending = append([]model.ToolCall(nil), msg.ToolCalls...)
	}
	a.usage.add(1, final.Usage)
}

// buildRequestLocked assembles the model request: system prompt, full
// history and the aggregated tool catalog. Typed tool identities are built
// here, once per catalog, and dispatch later carries them opaquely.
func (a *Agent) buildRequestLocked(cfg model.GenerationConfig) *model.Request {
	tools := a.manager.AllTools()
	catalog := make([]model.Tool, 0, len(tools))
	a.toolIDs = make(map[string]mcp.ToolID, len(tools))
	for _, t := range tools {
		name := t.ID.String()
		a.toolIDs[name] = t.ID
		catalog = append(catalog, model.Tool{
			Name:        name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	var messages []model.Message
	if a.systemPrompt != "" {
		messages = append(messages, model.NewSystemMessage(a.systemPrompt))
	}
	messages = append(messages, a.history...)

	return &model.Request{
		Messages:         messages,
		GenerationConfig: cfg,
		Tools:            catalog,
	}
}

// executeCall runs one permitted tool call and packages the outcome as a
// tool-return message tagged with the originating call id. A tool-level
// failure (IsError) and a transport failure both become data here; neither
// aborts the surrounding exchange.
func (a *Agent) executeCall(ctx context.Context, call model.ToolCall) model.Message {
	name := call.Function.Name

	a.mu.Lock()
	id, ok := a.toolIDs[name]
	a.mu.Unlock()
	if !ok {
		parsed, err := mcp.ParseToolID(name)
		if err != nil {
			log.Warnf("tool call %s has unresolvable tool %q: %v", call.ID, name, err)
			return model.NewToolMessage(call.ID, name, fmt.Sprintf("tool call failed: %v", err))
		}
		id = parsed
	}

	var args map[string]any
	if len(call.Function.Arguments) > 0 {
		if err := json.Unmarshal(call.Function.Arguments, &args); err != nil {
			return model.NewToolMessage(call.ID, name, fmt.Sprintf("tool call failed: invalid arguments: %v", err))
		}
	}

	result, err := a.manager.CallToolID(ctx, id, args)
	if err != nil {
		log.Warnf("tool call %s (%s) failed: %v", call.ID, name, err)
		return model.NewToolMessage(call.ID, name, fmt.Sprintf("tool call failed: %v", err))
	}
	content := result.Content
	if result.IsError {
		content = "tool reported an error: " + content
	}
	return model.NewToolMessage(call.ID, name, content)
}

func (a *Agent) emitToolResponse(ctx context.Context, out chan<- *model.Response, msg model.Message) {
	a.emit(ctx, out, &model.Response{
		Object:    model.ObjectTypeToolResponse,
		Choices:   []model.Choice{{Message: msg}},
		Timestamp: time.Now(),
	})
}

func (a *Agent) emit(ctx context.Context, out chan<- *model.Response, rsp *model.Response) {
	select {
	case out <- rsp:
	case <-ctx.Done():
	}
}
