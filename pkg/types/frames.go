package types

import "encoding/json"

// Browser inbound message types.
const (
	BrowserUserMessage        = "user_message"
	BrowserPermissionResponse = "permission_response"
	BrowserInterrupt          = "interrupt"
	BrowserSetModel           = "set_model"
	BrowserSetPermissionMode  = "set_permission_mode"
	BrowserMCPGetStatus       = "mcp_get_status"
	BrowserMCPToggle          = "mcp_toggle"
	BrowserMCPReconnect       = "mcp_reconnect"
	BrowserMCPSetServers      = "mcp_set_servers"
	BrowserSessionSubscribe   = "session_subscribe"
	BrowserSessionAck         = "session_ack"
)

// BrowserMessage is one parsed browser frame. Like CLIMessage it is a wide
// union keyed on Type. Raw keeps the original bytes so adapter sessions can
// forward the message untouched.
type BrowserMessage struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id,omitempty"`
	ClientMsgID string `json:"client_msg_id,omitempty"`

	// user_message
	Content string            `json:"content,omitempty"`
	Images  []ImageAttachment `json:"images,omitempty"`

	// permission_response
	RequestID          string            `json:"request_id,omitempty"`
	Behavior           string            `json:"behavior,omitempty"`
	UpdatedInput       map[string]any    `json:"updated_input,omitempty"`
	UpdatedPermissions []json.RawMessage `json:"updated_permissions,omitempty"`
	Message            string            `json:"message,omitempty"`
	Automated          bool              `json:"automated,omitempty"`

	// set_model / set_permission_mode
	Model string `json:"model,omitempty"`
	Mode  string `json:"mode,omitempty"`

	// mcp operations
	ServerName string          `json:"server_name,omitempty"`
	Enabled    *bool           `json:"enabled,omitempty"`
	Servers    json.RawMessage `json:"servers,omitempty"`

	// session_subscribe / session_ack
	LastSeq int64 `json:"last_seq,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ParseBrowserMessage decodes one browser frame, retaining the raw bytes.
func ParseBrowserMessage(data []byte) (*BrowserMessage, error) {
	var msg BrowserMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	msg.Raw = json.RawMessage(append([]byte(nil), data...))
	return &msg, nil
}

// Browser outbound frame types.
const (
	FrameSessionInit         = "session_init"
	FrameSessionUpdate       = "session_update"
	FrameAssistant           = "assistant"
	FrameUserMessage         = "user_message"
	FrameStreamEvent         = "stream_event"
	FrameResult              = "result"
	FramePermissionRequest   = "permission_request"
	FramePermissionCancelled = "permission_cancelled"
	FrameToolProgress        = "tool_progress"
	FrameToolUseSummary      = "tool_use_summary"
	FrameStatusChange        = "status_change"
	FrameAuthStatus          = "auth_status"
	FrameError               = "error"
	FrameCLIConnected        = "cli_connected"
	FrameCLIDisconnected     = "cli_disconnected"
	FrameMessageHistory      = "message_history"
	FrameEventReplay         = "event_replay"
	FramePluginInsight       = "plugin_insight"
	FrameMCPStatus           = "mcp_status"
	FrameSessionNameUpdate   = "session_name_update"
)

// Outbound is implemented by every browser-bound frame. The sequencer uses
// it to stamp a sequence number before marshaling.
type Outbound interface {
	FrameType() string
	SetSeq(seq int64)
}

// OutMeta is embedded by all outbound frames.
type OutMeta struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq,omitempty"`
}

func (m *OutMeta) FrameType() string { return m.Type }
func (m *OutMeta) SetSeq(seq int64)  { m.Seq = seq }

// Meta builds the embedded metadata for a frame type.
func Meta(frameType string) OutMeta { return OutMeta{Type: frameType} }

type SessionInitFrame struct {
	OutMeta
	Session *SessionState `json:"session"`
}

type SessionUpdateFrame struct {
	OutMeta
	Session *SessionState `json:"session"`
}

type AssistantFrame struct {
	OutMeta
	Message         json.RawMessage `json:"message"`
	ParentToolUseID string          `json:"parent_tool_use_id,omitempty"`
}

type UserMessageFrame struct {
	OutMeta
	ID      string            `json:"id"`
	Content string            `json:"content"`
	Images  []ImageAttachment `json:"images,omitempty"`
}

type StreamEventFrame struct {
	OutMeta
	Event           json.RawMessage `json:"event"`
	ParentToolUseID string          `json:"parent_tool_use_id,omitempty"`
}

type ResultFrame struct {
	OutMeta
	Data json.RawMessage `json:"data"`
}

type PermissionRequestFrame struct {
	OutMeta
	Request *PermissionRecord `json:"request"`
}

type PermissionCancelledFrame struct {
	OutMeta
	RequestID string `json:"request_id"`
}

type ToolProgressFrame struct {
	OutMeta
	ToolUseID          string  `json:"tool_use_id"`
	ToolName           string  `json:"tool_name,omitempty"`
	ElapsedTimeSeconds float64 `json:"elapsed_time_seconds,omitempty"`
}

type ToolUseSummaryFrame struct {
	OutMeta
	Summary    string   `json:"summary"`
	ToolUseIDs []string `json:"tool_use_ids,omitempty"`
}

type StatusChangeFrame struct {
	OutMeta
	Status StatusInfo `json:"status"`
}

type AuthStatusFrame struct {
	OutMeta
	IsAuthenticating bool   `json:"isAuthenticating"`
	Output           string `json:"output,omitempty"`
	Error            string `json:"error,omitempty"`
}

type ErrorFrame struct {
	OutMeta
	Message string `json:"message"`
}

type CLIConnectedFrame struct {
	OutMeta
}

type CLIDisconnectedFrame struct {
	OutMeta
}

type MessageHistoryFrame struct {
	OutMeta
	Messages []HistoryEntry `json:"messages"`
}

// BufferedEvent is one replayable broadcast retained in the event buffer.
type BufferedEvent struct {
	Seq     int64           `json:"seq"`
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message"`
}

type EventReplayFrame struct {
	OutMeta
	Events []BufferedEvent `json:"events"`
}

type PluginInsightFrame struct {
	OutMeta
	Insight Insight `json:"insight"`
}

type MCPStatusFrame struct {
	OutMeta
	Servers json.RawMessage `json:"servers"`
}

type SessionNameUpdateFrame struct {
	OutMeta
	Name string `json:"name"`
}
