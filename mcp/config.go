//
// Tencent is pleased to support the open source community by making floword available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// floword is licensed under the Apache License Version 2.0.
//
//

// Package mcp manages connections to external tool servers.
package mcp

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Transport type constants for ServerConfig.Transport.
const (
	// TransportStdio runs the server as a subprocess speaking over pipes.
	TransportStdio = "stdio"
	// TransportSSE connects to a server-sent-events endpoint.
	TransportSSE = "sse"
	// TransportStreamable connects to a streamable HTTP endpoint.
	TransportStreamable = "streamable"
)

// Default timeouts for HTTP-based transports, in seconds.
const (
	defaultConnectTimeout = 5
	defaultReadTimeout    = 300
)

// ServerConfig describes one tool server. The transport discriminates the
// union: stdio entries use Command/Args/Env, sse and streamable entries use
// URL/Headers and the timeouts. Immutable once loaded.
type ServerConfig struct {
	// Transport is one of "stdio", "sse" or "streamable". When empty it is
	// inferred: stdio if Command is set, sse if URL is set.
	Transport string `json:"transport,omitempty" yaml:"transport,omitempty"`

	// Command is the executable to spawn for stdio transports.
	Command string `json:"command,omitempty" yaml:"command,omitempty"`
	// Args are the command arguments.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`
	// Env is appended to the subprocess environment.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// URL is the endpoint for sse and streamable transports.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`
	// Headers are sent with every request of HTTP-based transports.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	// Timeout is the connect timeout in seconds for HTTP-based transports.
	Timeout float64 `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// SSEReadTimeout is the read timeout in seconds for HTTP-based transports.
	SSEReadTimeout float64 `json:"sse_read_timeout,omitempty" yaml:"sse_read_timeout,omitempty"`

	// Enabled defaults to true when absent. Disabled servers are recorded
	// but never initialized.
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	// ToolFilter is an optional glob allowlist over tool names. Empty means
	// every advertised tool is kept.
	ToolFilter []string `json:"tool_filter,omitempty" yaml:"tool_filter,omitempty"`
}

// IsEnabled reports whether the server should be initialized.
func (s *ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// ConnectTimeout returns the connect timeout as a duration.
func (s *ServerConfig) ConnectTimeout() time.Duration {
	t := s.Timeout
	if t <= 0 {
		t = defaultConnectTimeout
	}
	return time.Duration(t * float64(time.Second))
}

// ReadTimeout returns the read timeout as a duration.
func (s *ServerConfig) ReadTimeout() time.Duration {
	t := s.SSEReadTimeout
	if t <= 0 {
		t = defaultReadTimeout
	}
	return time.Duration(t * float64(time.Second))
}

// transport resolves the effective transport type.
func (s *ServerConfig) transport() string {
	if s.Transport != "" {
		return s.Transport
	}
	if s.Command != "" {
		return TransportStdio
	}
	if s.URL != "" {
		return TransportSSE
	}
	return ""
}

// allowsTool reports whether the tool name passes the filter globs.
func (s *ServerConfig) allowsTool(name string) bool {
	if len(s.ToolFilter) == 0 {
		return true
	}
	for _, pattern := range s.ToolFilter {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// Config is the declarative tool-server configuration, keyed by server name.
type Config struct {
	MCPServers map[string]*ServerConfig `json:"mcpServers" yaml:"mcpServers"`
}

// LoadConfig reads and validates a tool-server configuration file. The
// format is selected by extension: .yaml/.yml is YAML, everything else JSON.
// A malformed or invalid config is a startup error, not a partial failure.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool server config: %w", err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse tool server config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse tool server config %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every server entry. Server names must not contain the
// tool-identity separator, so that the external "{server}-{tool}" form
// always splits unambiguously on its first separator. Disabled entries only
// get the name checks: they are never initialized, so a half-written entry
// parked with enabled=false must not block startup.
func (c *Config) Validate() error {
	for name, server := range c.MCPServers {
		if name == "" {
			return fmt.Errorf("tool server with empty name")
		}
		if strings.Contains(name, Separator) {
			return fmt.Errorf("tool server name %q must not contain %q", name, Separator)
		}
		if server == nil {
			return fmt.Errorf("tool server %q: missing parameters", name)
		}
		if !server.IsEnabled() {
			continue
		}
		switch server.transport() {
		case TransportStdio:
			if server.Command == "" {
				return fmt.Errorf("tool server %q: stdio transport requires a command", name)
			}
		case TransportSSE, TransportStreamable:
			u, err := url.Parse(server.URL)
			if err != nil || !u.IsAbs() {
				return fmt.Errorf("tool server %q: invalid url %q", name, server.URL)
			}
		default:
			return fmt.Errorf("tool server %q: unknown transport %q", name, server.Transport)
		}
		for _, pattern := range server.ToolFilter {
			if !doublestar.ValidatePattern(pattern) {
				return fmt.Errorf("tool server %q: invalid tool filter pattern %q", name, pattern)
			}
		}
	}
	return nil
}
