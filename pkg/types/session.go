// Package types defines the shared data model for the companion bridge:
// session state, history entries, wire frames on both sides, and the
// persisted session schema.
package types

// BackendKind identifies which kind of upstream feeds a session.
type BackendKind string

const (
	// BackendPrimary is the default: a CLI process speaking
	// newline-delimited JSON over its attached transport.
	BackendPrimary BackendKind = "primary"
	// BackendSubprocess is a subprocess adapter delivering pre-translated
	// messages. Once set, a session never reverts to primary.
	BackendSubprocess BackendKind = "subprocess-adapter"
)

// MCPServerInfo is the UI-visible summary of one MCP server.
type MCPServerInfo struct {
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// SessionState is the UI-visible snapshot of a session. It is broadcast to
// browsers in session_init/session_update frames and persisted verbatim.
type SessionState struct {
	// SessionID is the CLI-internal session id reported by the upstream in
	// its init message, used for resume. Distinct from the bridge's own id.
	SessionID   string      `json:"session_id,omitempty"`
	BackendKind BackendKind `json:"backend_kind"`

	Model          string          `json:"model,omitempty"`
	Cwd            string          `json:"cwd,omitempty"`
	Tools          []string        `json:"tools,omitempty"`
	PermissionMode string          `json:"permissionMode,omitempty"`
	Version        string          `json:"version,omitempty"`
	MCPServers     []MCPServerInfo `json:"mcp_servers,omitempty"`
	Agents         []string        `json:"agents,omitempty"`
	SlashCommands  []string        `json:"slash_commands,omitempty"`
	Skills         []string        `json:"skills,omitempty"`

	TotalCostUSD       float64 `json:"total_cost_usd"`
	NumTurns           int     `json:"num_turns"`
	ContextUsedPercent float64 `json:"context_used_percent"`
	IsCompacting       bool    `json:"is_compacting"`

	GitBranch  string `json:"git_branch,omitempty"`
	IsWorktree bool   `json:"is_worktree,omitempty"`
	RepoRoot   string `json:"repo_root,omitempty"`
	GitAhead   int    `json:"git_ahead,omitempty"`
	GitBehind  int    `json:"git_behind,omitempty"`

	TotalLinesAdded   int `json:"total_lines_added"`
	TotalLinesRemoved int `json:"total_lines_removed"`
}

// StatusInfo is the payload of a status_change frame.
type StatusInfo struct {
	IsCompacting   bool   `json:"is_compacting"`
	PermissionMode string `json:"permission_mode,omitempty"`
}

// ImageAttachment is an image carried alongside a user message.
type ImageAttachment struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"` // base64
}

// Insight is a single plugin observation surfaced to browsers.
type Insight struct {
	PluginID string `json:"plugin_id,omitempty"`
	Level    string `json:"level"` // "info" | "warning" | "error"
	Title    string `json:"title"`
	Detail   string `json:"detail,omitempty"`
}

// PermissionRecord is an unanswered can_use_tool request from upstream,
// addressable by its request id.
type PermissionRecord struct {
	RequestID   string         `json:"request_id"`
	ToolName    string         `json:"tool_name"`
	Input       map[string]any `json:"input,omitempty"`
	Description string         `json:"description,omitempty"`
	ToolUseID   string         `json:"tool_use_id,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	Timestamp   int64          `json:"timestamp"` // unix millis
}
