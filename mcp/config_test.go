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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigJSON(t *testing.T) {
	path := writeConfigFile(t, "mcp.json", `{
		"mcpServers": {
			"fs": {
				"command": "fs-server",
				"args": ["--root", "/tmp"],
				"env": {"FS_MODE": "ro"}
			},
			"web": {
				"transport": "sse",
				"url": "http://localhost:8080/sse",
				"timeout": 2.5,
				"enabled": false
			}
		}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.MCPServers, 2)

	fs := cfg.MCPServers["fs"]
	require.NotNil(t, fs)
	assert.Equal(t, TransportStdio, fs.transport())
	assert.Equal(t, "fs-server", fs.Command)
	assert.Equal(t, []string{"--root", "/tmp"}, fs.Args)
	assert.True(t, fs.IsEnabled())

	web := cfg.MCPServers["web"]
	require.NotNil(t, web)
	assert.Equal(t, TransportSSE, web.transport())
	assert.False(t, web.IsEnabled())
	assert.Equal(t, 2500*time.Millisecond, web.ConnectTimeout())
	assert.Equal(t, 300*time.Second, web.ReadTimeout())
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeConfigFile(t, "mcp.yaml", `
mcpServers:
  search:
    transport: streamable
    url: http://localhost:9000/mcp
    headers:
      Authorization: Bearer token
    tool_filter:
      - "search_*"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	search := cfg.MCPServers["search"]
	require.NotNil(t, search)
	assert.Equal(t, TransportStreamable, search.transport())
	assert.Equal(t, "Bearer token", search.Headers["Authorization"])
	assert.True(t, search.allowsTool("search_web"))
	assert.False(t, search.allowsTool("delete_index"))
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	disabled := false
	tests := []struct {
		name    string
		cfg     *Config
		wantErr string
	}{
		{
			name: "valid stdio",
			cfg: &Config{MCPServers: map[string]*ServerConfig{
				"fs": {Command: "fs-server"},
			}},
		},
		{
			name: "name contains separator",
			cfg: &Config{MCPServers: map[string]*ServerConfig{
				"my-server": {Command: "srv"},
			}},
			wantErr: "must not contain",
		},
		{
			name: "stdio without command",
			cfg: &Config{MCPServers: map[string]*ServerConfig{
				"fs": {Transport: TransportStdio},
			}},
			wantErr: "requires a command",
		},
		{
			name: "sse with relative url",
			cfg: &Config{MCPServers: map[string]*ServerConfig{
				"web": {Transport: TransportSSE, URL: "/sse"},
			}},
			wantErr: "invalid url",
		},
		{
			name: "unknown transport",
			cfg: &Config{MCPServers: map[string]*ServerConfig{
				"x": {Transport: "carrier-pigeon", URL: "http://localhost"},
			}},
			wantErr: "unknown transport",
		},
		{
			name: "no transport inferable",
			cfg: &Config{MCPServers: map[string]*ServerConfig{
				"x": {},
			}},
			wantErr: "unknown transport",
		},
		{
			name: "invalid tool filter pattern",
			cfg: &Config{MCPServers: map[string]*ServerConfig{
				"fs": {Command: "srv", ToolFilter: []string{"[unclosed"}},
			}},
			wantErr: "invalid tool filter pattern",
		},
		{
			// A half-written entry parked with enabled=false must not block
			// startup.
			name: "disabled entry skips transport checks",
			cfg: &Config{MCPServers: map[string]*ServerConfig{
				"off": {Transport: "carrier-pigeon", Enabled: &disabled},
			}},
		},
		{
			name: "disabled entry still gets name checks",
			cfg: &Config{MCPServers: map[string]*ServerConfig{
				"my-server": {Command: "srv", Enabled: &disabled},
			}},
			wantErr: "must not contain",
		},
		{
			name: "nil server entry",
			cfg: &Config{MCPServers: map[string]*ServerConfig{
				"fs": nil,
			}},
			wantErr: "missing parameters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
