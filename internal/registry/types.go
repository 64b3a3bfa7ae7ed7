// Package registry implements the ephemeral tool-session registry:
// on-disk manifest discovery, just-in-time subprocess spawning over
// line-delimited JSON-RPC 2.0 (stdio/SSE transports), semantic tool
// search via embeddings + cosine similarity with a keyword fallback,
// exact tool_name->server_name lookup, an idle-TTL sweeper, and
// auto-wiring of missing tool arguments from the dag.ArtifactStore.
// Grounded on original_source's session_registry.py (RegisteredTool /
// ServerConfig / exact lookup) and auto_wiring.py (AutoWirer scoring),
// with the bbolt cache adapted from the teacher's persistence.go.
package registry

import "time"

// Transport is how a server process is reached.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportSSE   Transport = "sse"
)

// ServerConfig is one MCP-style tool server's manifest entry.
type ServerConfig struct {
	Name      string    `json:"name"`
	Command   string    `json:"command"`
	Args      []string  `json:"args,omitempty"`
	Transport Transport `json:"transport"`
	URL       string    `json:"url,omitempty"`
	Enabled   bool      `json:"enabled"`
}

// RegisteredTool is one discovered tool and the server that owns it.
type RegisteredTool struct {
	Name          string
	Description   string
	ServerName    string
	InputSchema   map[string]any // raw JSON Schema, stored as-is; not compiled or validated on registration
	Enabled       bool
	CallCount     int
	AvgDurationMs float64
}

// manifestFile is the on-disk shape discovery.go scans for, one file per
// server in the manifest directory.
type manifestFile struct {
	Server ServerConfig     `json:"server"`
	Tools  []manifestTool   `json:"tools"`
}

type manifestTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

const defaultIdleTTL = 10 * time.Minute
