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
	"fmt"
	"strings"
)

// Separator joins server and tool name in the external tool identity.
const Separator = "-"

// ToolID addresses one tool on one server. It is built once when the tool
// catalog is assembled and carried through tool-call parts, so dispatch never
// re-parses strings.
type ToolID struct {
	Server string
	Tool   string
}

// String returns the external "{server}-{tool}" form.
func (id ToolID) String() string {
	return id.Server + Separator + id.Tool
}

// ParseToolID splits an external tool identity on the first separator only.
// Tool names may therefore contain the separator; server names may not,
// which Config.Validate enforces at load time.
func ParseToolID(s string) (ToolID, error) {
	server, tool, ok := strings.Cut(s, Separator)
	if !ok || server == "" || tool == "" {
		return ToolID{}, fmt.Errorf("invalid tool identity %q: want {server}%s{tool}", s, Separator)
	}
	return ToolID{Server: server, Tool: tool}, nil
}
