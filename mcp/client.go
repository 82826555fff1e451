//
// Tencent is pleased to support the open source community by making floword available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// floword is licensed under the Apache License Version 2.0.
//
//

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/floword/floword/log"
)

// clientImplementation identifies this process during the handshake.
var clientImplementation = &mcpsdk.Implementation{
	Name:    "floword",
	Version: "0.1.0",
}

// Tool is one catalog entry advertised by a tool server.
type Tool struct {
	// ID is the typed (server, tool) identity built at catalog time.
	ID ToolID
	// Name is the server-local tool name.
	Name string
	// Description is the tool description advertised by the server.
	Description string
	// InputSchema is the JSON schema of the tool arguments.
	InputSchema map[string]any
}

// ToolResult is the outcome of one tool invocation. IsError marks a
// tool-level failure reported by the tool itself, a normal outcome distinct
// from a transport error.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// Client wraps one tool-server connection. Lifecycle: NewClient (not yet
// connected) -> Initialize (transport + handshake + cached catalog) ->
// Tools/CallTool -> Close. A client that fails Initialize is never retried.
type Client struct {
	name string
	cfg  *ServerConfig

	mu          sync.Mutex
	session     *mcpsdk.ClientSession
	tools       []Tool
	initialized bool

	retry *RetryConfig
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRetry enables retry with exponential backoff on tool calls.
func WithRetry(rc *RetryConfig) ClientOption {
	return func(c *Client) {
		c.retry = rc
	}
}

// NewClient creates a client for one configured tool server. The connection
// is not established until Initialize.
func NewClient(name string, cfg *ServerConfig, opts ...ClientOption) *Client {
	c := &Client{
		name: name,
		cfg:  cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the configured server name.
func (c *Client) Name() string {
	return c.name
}

// Initialize establishes the transport, performs the protocol handshake and
// caches the advertised tool catalog. Whatever was opened is released on the
// failure path.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return nil
	}

	transport, err := c.buildTransport()
	if err != nil {
		return fmt.Errorf("build transport for server %s: %w", c.name, err)
	}

	client := mcpsdk.NewClient(clientImplementation, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect to server %s: %w", c.name, err)
	}

	tools, err := c.fetchTools(ctx, session)
	if err != nil {
		if closeErr := session.Close(); closeErr != nil {
			log.Warnf("close server %s after failed tool listing: %v", c.name, closeErr)
		}
		return fmt.Errorf("list tools of server %s: %w", c.name, err)
	}

	c.session = session
	c.tools = tools
	c.initialized = true
	log.Debugf("initialized tool server %s with %d tools", c.name, len(tools))
	return nil
}

func (c *Client) buildTransport() (mcpsdk.Transport, error) {
	switch c.cfg.transport() {
	case TransportStdio:
		cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
		if len(c.cfg.Env) > 0 {
			env := os.Environ()
			for k, v := range c.cfg.Env {
				env = append(env, fmt.Sprintf("%s=%s", k, v))
			}
			cmd.Env = env
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil
	case TransportSSE:
		return &mcpsdk.SSEClientTransport{
			Endpoint:   c.cfg.URL,
			HTTPClient: c.httpClient(),
		}, nil
	case TransportStreamable:
		return &mcpsdk.StreamableClientTransport{
			Endpoint:   c.cfg.URL,
			HTTPClient: c.httpClient(),
		}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", c.cfg.Transport)
	}
}

func (c *Client) httpClient() *http.Client {
	dialer := &net.Dialer{Timeout: c.cfg.ConnectTimeout()}
	base := &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: c.cfg.ReadTimeout(),
	}
	return &http.Client{
		Transport: &headerRoundTripper{
			next:    base,
			headers: c.cfg.Headers,
		},
	}
}

func (c *Client) fetchTools(ctx context.Context, session *mcpsdk.ClientSession) ([]Tool, error) {
	result, err := session.ListTools(ctx, nil)
	if err != nil {
		return nil, err
	}

	tools := make([]Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		if !c.cfg.allowsTool(t.Name) {
			continue
		}
		schema, err := schemaToMap(t.InputSchema)
		if err != nil {
			log.Warnf("skip tool %s of server %s: bad input schema: %v", t.Name, c.name, err)
			continue
		}
		tools = append(tools, Tool{
			ID:          ToolID{Server: c.name, Tool: t.Name},
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return tools, nil
}

// Tools returns the catalog cached at initialize time.
func (c *Client) Tools() []Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	tools := make([]Tool, len(c.tools))
	copy(tools, c.tools)
	return tools
}

// CallTool invokes one tool and returns its result payload verbatim. A
// tool-level failure comes back as IsError=true, not as an error.
func (c *Client) CallTool(ctx context.Context, toolName string, args map[string]any) (*ToolResult, error) {
	c.mu.Lock()
	session := c.session
	initialized := c.initialized
	c.mu.Unlock()

	if !initialized || session == nil {
		return nil, fmt.Errorf("server %s is not initialized", c.name)
	}

	call := func() (*ToolResult, error) {
		result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      toolName,
			Arguments: args,
		})
		if err != nil {
			return nil, fmt.Errorf("call tool %s on server %s: %w", toolName, c.name, err)
		}
		return &ToolResult{
			Content: contentToText(result.Content),
			IsError: result.IsError,
		}, nil
	}
	if c.retry != nil {
		return executeWithRetry(ctx, c.retry, call, c.name+Separator+toolName)
	}
	return call()
}

// Ping checks connection liveness.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return fmt.Errorf("server %s is not connected", c.name)
	}
	return session.Ping(ctx, nil)
}

// Close releases the transport. Safe to call on a never-initialized client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	c.initialized = false
	if err != nil {
		return fmt.Errorf("close server %s: %w", c.name, err)
	}
	return nil
}

// contentToText flattens the content blocks of a tool result into text.
func contentToText(content []mcpsdk.Content) string {
	var text string
	for _, block := range content {
		if tc, ok := block.(*mcpsdk.TextContent); ok {
			text += tc.Text
		}
	}
	return text
}

// schemaToMap converts the SDK schema representation into a plain map.
func schemaToMap(schema any) (map[string]any, error) {
	if schema == nil {
		return nil, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// headerRoundTripper injects configured headers into every request of an
// HTTP-based transport.
type headerRoundTripper struct {
	next    http.RoundTripper
	headers map[string]string
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(h.headers) > 0 {
		req = req.Clone(req.Context())
		for k, v := range h.headers {
			req.Header.Set(k, v)
		}
	}
	return h.next.RoundTrip(req)
}
