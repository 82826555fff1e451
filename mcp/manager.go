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
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/floword/floword/log"
)

// Named failure kinds for tool dispatch. Callers branch on these with
// errors.Is; neither is retried by this layer.
var (
	// ErrServerNotFound marks dispatch to an unknown, disabled or failed server.
	ErrServerNotFound = errors.New("tool server not found")
	// ErrToolNotFound marks dispatch to a tool the server does not advertise.
	ErrToolNotFound = errors.New("tool not found")
)

// defaultInitParallelism bounds the initialize fan-out pool.
const defaultInitParallelism = 8

// FailedServer records a server whose initialization failed, with its
// original parameters and the captured error.
type FailedServer struct {
	Config *ServerConfig
	Err    error
}

// Manager owns the named collection of tool-server clients. Every configured
// name lives in exactly one of {usable clients, disabled list, failed map}.
type Manager struct {
	mu          sync.RWMutex
	clients     map[string]*Client
	disabled    []string
	failed      map[string]*FailedServer
	initialized bool

	parallelism  int
	retry        *RetryConfig
	pingInterval time.Duration
	pingStop     chan struct{}
	pingDone     chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithParallelism bounds how many clients initialize concurrently.
func WithParallelism(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.parallelism = n
		}
	}
}

// WithClientRetry applies a retry policy to every client's tool calls.
func WithClientRetry(rc *RetryConfig) ManagerOption {
	return func(m *Manager) {
		m.retry = rc
	}
}

// WithPingInterval enables a background keepalive ping per usable client.
func WithPingInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) {
		m.pingInterval = interval
	}
}

// NewManager builds a manager from a validated configuration. Disabled
// entries are recorded up-front and never attempted; the remaining entries
// become constructed, not-yet-connected clients.
func NewManager(cfg *Config, opts ...ManagerOption) (*Manager, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		clients:     make(map[string]*Client),
		failed:      make(map[string]*FailedServer),
		parallelism: defaultInitParallelism,
	}
	for _, opt := range opts {
		opt(m)
	}

	for name, server := range cfg.MCPServers {
		if !server.IsEnabled() {
			m.disabled = append(m.disabled, name)
			continue
		}
		var clientOpts []ClientOption
		if m.retry != nil {
			clientOpts = append(clientOpts, WithRetry(m.retry))
		}
		m.clients[name] = NewClient(name, server, clientOpts...)
	}
	sort.Strings(m.disabled)
	return m, nil
}

// Initialize attempts every non-disabled client's handshake concurrently.
// Each attempt is independent: one failing transport never aborts the
// others. Failed clients move to the failed map with their captured error.
// The initialized flag flips exactly once, after every attempt has settled;
// zero usable clients is a degraded state, not an error. A second call is a
// no-op.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	var (
		failMu   sync.Mutex
		failures = make(map[string]error)
		wg       sync.WaitGroup
	)

	size := m.parallelism
	if len(clients) > 0 && len(clients) < size {
		size = len(clients)
	}
	pool, err := ants.NewPoolWithFunc(size, func(arg any) {
		defer wg.Done()
		c := arg.(*Client)
		if initErr := c.Initialize(ctx); initErr != nil {
			failMu.Lock()
			failures[c.Name()] = initErr
			failMu.Unlock()
		}
	})
	if err != nil {
		return fmt.Errorf("create initialize pool: %w", err)
	}
	defer pool.Release()

	for _, c := range clients {
		wg.Add(1)
		if invokeErr := pool.Invoke(c); invokeErr != nil {
			wg.Done()
			failMu.Lock()
			failures[c.Name()] = invokeErr
			failMu.Unlock()
		}
	}
	wg.Wait()

	m.mu.Lock()
	for name, initErr := range failures {
		client, ok := m.clients[name]
		if !ok {
			continue
		}
		m.failed[name] = &FailedServer{Config: client.cfg, Err: initErr}
		delete(m.clients, name)
		log.Errorf("tool server %s failed to initialize: %v", name, initErr)
	}
	m.initialized = true
	usable := len(m.clients)
	m.mu.Unlock()

	log.Infof("tool server manager initialized: %d usable, %d disabled, %d failed",
		usable, len(m.disabled), len(failures))

	if m.pingInterval > 0 {
		m.startPinger()
	}
	return nil
}

// Initialized reports whether every initialize attempt has settled.
func (m *Manager) Initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// ServerNames returns the usable server names, sorted.
func (m *Manager) ServerNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DisabledServers returns the names disabled by configuration.
func (m *Manager) DisabledServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	disabled := make([]string, len(m.disabled))
	copy(disabled, m.disabled)
	return disabled
}

// FailedServers returns the servers whose initialization failed.
func (m *Manager) FailedServers() map[string]*FailedServer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	failed := make(map[string]*FailedServer, len(m.failed))
	for name, f := range m.failed {
		failed[name] = f
	}
	return failed
}

// Tools returns the cached tool catalog per usable server.
func (m *Manager) Tools() map[string][]Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tools := make(map[string][]Tool, len(m.clients))
	for name, client := range m.clients {
		tools[name] = client.Tools()
	}
	return tools
}

// AllTools returns the aggregated catalog across usable servers, sorted by
// external identity for a stable presentation to the model.
func (m *Manager) AllTools() []Tool {
	byServer := m.Tools()
	var all []Tool
	for _, tools := range byServer {
		all = append(all, tools...)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].ID.String() < all[j].ID.String()
	})
	return all
}

// CallTool dispatches one tool invocation to the named server. Unknown,
// disabled or failed server names yield ErrServerNotFound; a known server
// without the named tool yields ErrToolNotFound.
func (m *Manager) CallTool(ctx context.Context, serverName, toolName string, args map[string]any) (*ToolResult, error) {
	m.mu.RLock()
	client, ok := m.clients[serverName]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, serverName)
	}

	found := false
	for _, t := range client.Tools() {
		if t.Name == toolName {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s on server %s", ErrToolNotFound, toolName, serverName)
	}

	return client.CallTool(ctx, toolName, args)
}

// CallToolID dispatches by typed tool identity.
func (m *Manager) CallToolID(ctx context.Context, id ToolID, args map[string]any) (*ToolResult, error) {
	return m.CallTool(ctx, id.Server, id.Tool, args)
}

// Close shuts down every usable client, attempting all of them and
// aggregating failures.
func (m *Manager) Close() error {
	m.stopPinger()

	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	var errs []error
	for _, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) startPinger() {
	m.pingStop = make(chan struct{})
	m.pingDone = make(chan struct{})
	go func() {
		defer close(m.pingDone)
		ticker := time.NewTicker(m.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.pingStop:
				return
			case <-ticker.C:
				m.pingAll()
			}
		}
	}()
}

func (m *Manager) pingAll() {
	m.mu.RLock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	for _, c := range clients {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.Ping(ctx); err != nil {
			log.Warnf("keepalive ping to tool server %s failed: %v", c.Name(), err)
		}
		cancel()
	}
}

func (m *Manager) stopPinger() {
	if m.pingStop == nil {
		return
	}
	select {
	case <-m.pingStop:
	default:
		close(m.pingStop)
	}
	<-m.pingDone
}
