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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floword/floword/agent"
	"github.com/floword/floword/mcp"
	"github.com/floword/floword/model"
	"github.com/floword/floword/stream"
)

// nopCaller is an empty tool registry.
type nopCaller struct{}

func (nopCaller) AllTools() []mcp.Tool { return nil }
func (nopCaller) CallToolID(ctx context.Context, id mcp.ToolID, args map[string]any) (*mcp.ToolResult, error) {
	return &mcp.ToolResult{Content: "ran " + id.Tool}, nil
}

// scriptedModel replays one response sequence per invocation.
type scriptedModel struct {
	mu    sync.Mutex
	turns [][]*model.Response
	calls int
	gate  chan struct{}
}

func (m *scriptedModel) GenerateContent(ctx context.Context, req *model.Request) (<-chan *model.Response, error) {
	m.mu.Lock()
	var turn []*model.Response
	if m.calls < len(m.turns) {
		turn = m.turns[m.calls]
	}
	m.calls++
	gate := m.gate
	m.mu.Unlock()

	ch := make(chan *model.Response, len(turn))
	go func() {
		defer close(ch)
		if gate != nil {
			<-gate
		}
		for _, rsp := range turn {
			ch <- rsp
		}
	}()
	return ch, nil
}

func (m *scriptedModel) Info() model.Info { return model.Info{Name: "scripted"} }

func finalTurn(text string) []*model.Response {
	return []*model.Response{{
		Object:  model.ObjectTypeChatCompletion,
		Choices: []model.Choice{{Message: model.NewAssistantMessage(text)}},
		Usage:   &model.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		Done:    true,
	}}
}

func pendingTurn(callID, toolName string) []*model.Response {
	return []*model.Response{{
		Object: model.ObjectTypeChatCompletion,
		Choices: []model.Choice{{Message: model.Message{
			Role: model.RoleAssistant,
			ToolCalls: []model.ToolCall{{
				Type: "function",
				ID:   callID,
				Function: model.FunctionDefinitionParam{
					Name:      toolName,
					Arguments: []byte(`{}`),
				},
			}},
		}}},
	}}
}

func newTestController(m model.Model, opts ...ControllerOption) (*Controller, *InMemoryService) {
	service := NewInMemoryService()
	opts = append([]ControllerOption{WithStreamGrace(50 * time.Millisecond)}, opts...)
	c := NewController(service, nopCaller{}, m, stream.NewRegistry(), opts...)
	return c, service
}

func drainStream(t *testing.T, ch <-chan stream.Event) []stream.Event {
	t.Helper()
	var events []stream.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, open := <-ch:
			if !open {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not complete")
		}
	}
}

func TestControllerCreateAppliesSystemPrompt(t *testing.T) {
	c, _ := newTestController(&scriptedModel{}, WithSystemPrompt("be helpful"))

	record, err := c.Create(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "be helpful", record.SystemPrompt)

	got, err := c.Get(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, "be helpful", got.SystemPrompt)
}

func TestControllerChatStreamsAndPersists(t *testing.T) {
	c, _ := newTestController(&scriptedModel{turns: [][]*model.Response{
		finalTurn("hello there"),
	}})
	ctx := context.Background()

	record, err := c.Create(ctx, "user-1")
	require.NoError(t, err)

	streamID, err := c.Chat(ctx, record.ID, "say hello", model.GenerationConfig{})
	require.NoError(t, err)
	assert.Equal(t, record.ID, streamID)

	ch, err := c.Subscribe(ctx, streamID, 0)
	require.NoError(t, err)
	events := drainStream(t, ch)
	require.Len(t, events, 1)
	assert.Equal(t, model.ObjectTypeChatCompletion, events[0].Object)

	var rsp model.Response
	require.NoError(t, json.Unmarshal(events[0].Data, &rsp))
	assert.Equal(t, "hello there", rsp.Choices[0].Message.Content)

	// The settled exchange is persisted: history, usage and default title.
	assert.Eventually(t, func() bool {
		got, err := c.Get(ctx, record.ID)
		return err == nil && len(got.Messages) == 2
	}, 2*time.Second, 10*time.Millisecond)

	got, err := c.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, "say hello", got.Title)
	assert.Equal(t, 1, got.Usage.Requests)
	assert.Equal(t, 15, got.Usage.TotalTokens)
	assert.Equal(t, model.RoleAssistant, got.Messages[1].Role)
}

func TestControllerChatUnknownConversation(t *testing.T) {
	c, _ := newTestController(&scriptedModel{})
	_, err := c.Chat(context.Background(), "missing", "hi", model.GenerationConfig{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestControllerChatWhileInFlight(t *testing.T) {
	gate := make(chan struct{})
	m := &scriptedModel{
		turns: [][]*model.Response{finalTurn("slow")},
		gate:  gate,
	}
	c, _ := newTestController(m)
	ctx := context.Background()

	record, err := c.Create(ctx, "user-1")
	require.NoError(t, err)

	_, err = c.Chat(ctx, record.ID, "first", model.GenerationConfig{})
	require.NoError(t, err)

	// A second exchange on the same conversation conflicts with the live one.
	_, err = c.Chat(ctx, record.ID, "second", model.GenerationConfig{})
	assert.ErrorIs(t, err, stream.ErrAlreadyExists)

	close(gate)
}

func TestControllerPermitFlow(t *testing.T) {
	// Production grace window: the follow-up exchange must start at once,
	// not wait for the completed stream to expire.
	c, _ := newTestController(&scriptedModel{turns: [][]*model.Response{
		pendingTurn("call-1", "fs-read"),
		finalTurn("file contents summarized"),
	}}, WithStreamGrace(stream.DefaultGrace))
	ctx := context.Background()

	record, err := c.Create(ctx, "user-1")
	require.NoError(t, err)

	streamID, err := c.Chat(ctx, record.ID, "read the file", model.GenerationConfig{})
	require.NoError(t, err)
	ch, err := c.Subscribe(ctx, streamID, 0)
	require.NoError(t, err)
	drainStream(t, ch)

	// Once the stream has completed the exchange is persisted, pending tool
	// call included.
	got, err := c.Get(ctx, record.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	require.NotEmpty(t, got.Messages[1].ToolCalls)

	_, err = c.PermitAndRun(ctx, record.ID, agent.PermissionDecision{ExecuteAll: true}, model.GenerationConfig{})
	require.NoError(t, err)

	ch, err = c.Subscribe(ctx, record.ID, 0)
	require.NoError(t, err)
	events := drainStream(t, ch)
	require.Len(t, events, 2)
	assert.Equal(t, model.ObjectTypeToolResponse, events[0].Object)
	assert.Equal(t, model.ObjectTypeChatCompletion, events[1].Object)

	got, err = c.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 4)
	assert.Equal(t, 2, got.Usage.Requests)
}

func TestControllerBackToBackExchanges(t *testing.T) {
	c, _ := newTestController(&scriptedModel{turns: [][]*model.Response{
		finalTurn("first answer"),
		finalTurn("second answer"),
	}}, WithStreamGrace(stream.DefaultGrace))
	ctx := context.Background()

	record, err := c.Create(ctx, "user-1")
	require.NoError(t, err)

	for i, prompt := range []string{"first", "second"} {
		streamID, err := c.Chat(ctx, record.ID, prompt, model.GenerationConfig{})
		require.NoError(t, err, "exchange %d", i)
		ch, err := c.Subscribe(ctx, streamID, 0)
		require.NoError(t, err)
		drainStream(t, ch)
	}

	got, err := c.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 4)
	assert.Equal(t, 2, got.Usage.Requests)
}

func TestControllerReattachFromIndex(t *testing.T) {
	c, _ := newTestController(&scriptedModel{turns: [][]*model.Response{
		{
			{Object: model.ObjectTypeChatCompletionChunk, IsPartial: true,
				Choices: []model.Choice{{Delta: model.Message{Content: "hel"}}}},
			{Object: model.ObjectTypeChatCompletionChunk, IsPartial: true,
				Choices: []model.Choice{{Delta: model.Message{Content: "lo"}}}},
			finalTurn("hello")[0],
		},
	}})
	ctx := context.Background()

	record, err := c.Create(ctx, "user-1")
	require.NoError(t, err)

	streamID, err := c.Chat(ctx, record.ID, "hi", model.GenerationConfig{})
	require.NoError(t, err)

	full, err := c.Subscribe(ctx, streamID, 0)
	require.NoError(t, err)
	all := drainStream(t, full)
	require.Len(t, all, 3)

	// A reattaching consumer skips what it already saw.
	tail, err := c.Subscribe(ctx, streamID, 2)
	require.NoError(t, err)
	rest := drainStream(t, tail)
	require.Len(t, rest, 1)
	assert.Equal(t, model.ObjectTypeChatCompletion, rest[0].Object)
}

func TestControllerDeleteRemovesStream(t *testing.T) {
	gate := make(chan struct{})
	c, _ := newTestController(&scriptedModel{
		turns: [][]*model.Response{finalTurn("x")},
		gate:  gate,
	})
	ctx := context.Background()

	record, err := c.Create(ctx, "user-1")
	require.NoError(t, err)
	_, err = c.Chat(ctx, record.ID, "hi", model.GenerationConfig{})
	require.NoError(t, err)

	require.NoError(t, c.Delete(ctx, record.ID))
	close(gate)

	_, err = c.Get(ctx, record.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Subscribe(ctx, record.ID, 0)
	assert.ErrorIs(t, err, stream.ErrNotFound)
}

func TestControllerTitleTruncation(t *testing.T) {
	c, _ := newTestController(&scriptedModel{turns: [][]*model.Response{
		finalTurn("ok"),
	}})
	ctx := context.Background()

	record, err := c.Create(ctx, "user-1")
	require.NoError(t, err)

	prompt := strings.Repeat("héllo ", 30)
	_, err = c.Chat(ctx, record.ID, prompt, model.GenerationConfig{})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := c.Get(ctx, record.ID)
		return err == nil && got.Title != ""
	}, 2*time.Second, 10*time.Millisecond)

	got, err := c.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, maxTitleRunes, len([]rune(got.Title)))
	assert.True(t, strings.HasPrefix(prompt, got.Title))
}

func TestControllerKeepsExistingTitle(t *testing.T) {
	c, service := newTestController(&scriptedModel{turns: [][]*model.Response{
		finalTurn("ok"),
	}})
	ctx := context.Background()

	record, err := c.Create(ctx, "user-1")
	require.NoError(t, err)
	record.Title = "named by hand"
	require.NoError(t, service.Update(ctx, record))

	_, err = c.Chat(ctx, record.ID, "new prompt", model.GenerationConfig{})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := c.Get(ctx, record.ID)
		return err == nil && len(got.Messages) == 2
	}, 2*time.Second, 10*time.Millisecond)

	got, err := c.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, "named by hand", got.Title)
}
