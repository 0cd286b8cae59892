package types

import "encoding/json"

// Upstream (CLI) inbound message types.
const (
	CLITypeSystem          = "system"
	CLITypeAssistant       = "assistant"
	CLITypeResult          = "result"
	CLITypeStreamEvent     = "stream_event"
	CLITypeControlRequest  = "control_request"
	CLITypeControlResponse = "control_response"
	CLITypeToolProgress    = "tool_progress"
	CLITypeToolUseSummary  = "tool_use_summary"
	CLITypeAuthStatus      = "auth_status"
	CLITypeKeepAlive       = "keep_alive"
)

// System message subtypes.
const (
	CLISubtypeInit   = "init"
	CLISubtypeStatus = "status"
)

// ControlSubtypeCanUseTool is the only control_request subtype the bridge
// acts on; control requests with any other subtype are ignored.
const ControlSubtypeCanUseTool = "can_use_tool"

// ModelUsage reports token consumption for one model within a result frame.
type ModelUsage struct {
	InputTokens   int64 `json:"inputTokens"`
	OutputTokens  int64 `json:"outputTokens"`
	ContextWindow int64 `json:"contextWindow"`
}

// ControlRequestBody is the request payload of an upstream control_request.
type ControlRequestBody struct {
	Subtype     string         `json:"subtype"`
	ToolName    string         `json:"tool_name,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Description string         `json:"description,omitempty"`
	ToolUseID   string         `json:"tool_use_id,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
}

// ControlResponseBody is the response payload of an upstream control_response.
type ControlResponseBody struct {
	Subtype   string          `json:"subtype"`
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// CLIMessage is one parsed upstream frame. The upstream protocol is a wide
// union keyed on Type; fields irrelevant to a given type stay zero. Raw keeps
// the original bytes so frames can be rebroadcast or stored verbatim, and so
// unknown fields survive round trips.
type CLIMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// system/init
	SessionID      string          `json:"session_id,omitempty"`
	Model          string          `json:"model,omitempty"`
	Cwd            string          `json:"cwd,omitempty"`
	Tools          []string        `json:"tools,omitempty"`
	PermissionMode string          `json:"permissionMode,omitempty"`
	MCPServers     []MCPServerInfo `json:"mcp_servers,omitempty"`
	Agents         []string        `json:"agents,omitempty"`
	SlashCommands  []string        `json:"slash_commands,omitempty"`
	Skills         []string        `json:"skills,omitempty"`
	Version        string          `json:"version,omitempty"`

	// system/status
	IsCompacting bool `json:"is_compacting,omitempty"`

	// assistant / stream_event
	Message         json.RawMessage `json:"message,omitempty"`
	Event           json.RawMessage `json:"event,omitempty"`
	ParentToolUseID string          `json:"parent_tool_use_id,omitempty"`

	// result
	TotalCostUSD      float64               `json:"total_cost_usd,omitempty"`
	NumTurns          int                   `json:"num_turns,omitempty"`
	Usage             json.RawMessage       `json:"usage,omitempty"`
	ModelUsage        map[string]ModelUsage `json:"modelUsage,omitempty"`
	IsError           bool                  `json:"is_error,omitempty"`
	Result            string                `json:"result,omitempty"`
	TotalLinesAdded   int                   `json:"total_lines_added,omitempty"`
	TotalLinesRemoved int                   `json:"total_lines_removed,omitempty"`

	// control_request / control_response
	RequestID string               `json:"request_id,omitempty"`
	Request   *ControlRequestBody  `json:"request,omitempty"`
	Response  *ControlResponseBody `json:"response,omitempty"`

	// tool_progress / tool_use_summary
	ToolUseID          string   `json:"tool_use_id,omitempty"`
	ToolName           string   `json:"tool_name,omitempty"`
	ElapsedTimeSeconds float64  `json:"elapsed_time_seconds,omitempty"`
	Summary            string   `json:"summary,omitempty"`
	ToolUseIDs         []string `json:"tool_use_ids,omitempty"`

	// auth_status
	IsAuthenticating bool   `json:"isAuthenticating,omitempty"`
	Output           string `json:"output,omitempty"`
	Error            string `json:"error,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ParseCLIMessage decodes one upstream line, retaining the raw bytes.
func ParseCLIMessage(line []byte) (*CLIMessage, error) {
	var msg CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, err
	}
	msg.Raw = json.RawMessage(append([]byte(nil), line...))
	return &msg, nil
}

// Upstream outbound wire forms. Each frame is serialized as one JSON object
// followed by a single newline.

// UserWireMessage carries a user turn to the CLI.
type UserWireMessage struct {
	Type            string          `json:"type"` // "user"
	Message         UserWirePayload `json:"message"`
	ParentToolUseID *string         `json:"parent_tool_use_id"`
	SessionID       string          `json:"session_id,omitempty"`
}

// UserWirePayload holds the role and content. Content is a plain string for
// text-only messages, or a block array when images are attached.
type UserWirePayload struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ContentBlock is one element of a block-array user message.
type ContentBlock struct {
	Type   string       `json:"type"` // "text" | "image"
	Text   string       `json:"text,omitempty"`
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource is the wire form of an attached image.
type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// PermissionResult answers a can_use_tool request.
type PermissionResult struct {
	Behavior           string            `json:"behavior"` // "allow" | "deny"
	UpdatedInput       map[string]any    `json:"updatedInput,omitempty"`
	UpdatedPermissions []json.RawMessage `json:"updatedPermissions,omitempty"`
	Message            string            `json:"message,omitempty"`
}

// ControlResponseWire is the envelope for answers the bridge sends upstream.
type ControlResponseWire struct {
	Type     string                     `json:"type"` // "control_response"
	Response ControlResponseWirePayload `json:"response"`
}

// ControlResponseWirePayload wraps a success response toward the CLI.
type ControlResponseWirePayload struct {
	Subtype   string            `json:"subtype"` // "success"
	RequestID string            `json:"request_id"`
	Response  *PermissionResult `json:"response,omitempty"`
}

// ControlRequestWire is a bridge-originated request toward the CLI
// (interrupt, model/mode changes, MCP operations).
type ControlRequestWire struct {
	Type      string         `json:"type"` // "control_request"
	RequestID string         `json:"request_id"`
	Request   map[string]any `json:"request"`
}
