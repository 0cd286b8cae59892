// Package plugin defines the middleware contract the bridge invokes around
// user messages and permission decisions, and the invoker that shields the
// bridge from middleware failures.
package plugin

import (
	"context"

	"github.com/companion-dev/companion/pkg/types"
)

// Event names emitted by the bridge.
const (
	EventSessionStatusChanged  = "session.status.changed"
	EventMessageAssistant      = "message.assistant"
	EventResultReceived        = "result.received"
	EventToolStarted           = "tool.started"
	EventToolFinished          = "tool.finished"
	EventPermissionRequested   = "permission.requested"
	EventPermissionResponded   = "permission.responded"
	EventUserMessageBeforeSend = "user.message.before_send"
	EventUserMessageSent       = "user.message.sent"
	EventMCPStatusChanged      = "mcp.status.changed"
	EventSessionDisconnected   = "session.disconnected"
)

// Event sources.
const (
	SourceBridge  = "bridge"
	SourceAdapter = "adapter"
)

// Meta carries event identity and provenance.
type Meta struct {
	EventID       string            `json:"event_id"`
	Timestamp     int64             `json:"timestamp"` // unix millis
	Source        string            `json:"source"`
	SessionID     string            `json:"session_id"`
	BackendKind   types.BackendKind `json:"backend_kind"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// Event is one typed event delivered to the manager.
type Event struct {
	Name string         `json:"name"`
	Meta Meta           `json:"meta"`
	Data map[string]any `json:"data,omitempty"`
}

// PermissionDecision is an automated answer to a permission request.
type PermissionDecision struct {
	Behavior     string         `json:"behavior"` // "allow" | "deny"
	Message      string         `json:"message,omitempty"`
	UpdatedInput map[string]any `json:"updated_input,omitempty"`
	PluginID     string         `json:"plugin_id,omitempty"`
}

// MessageMutation rewrites or blocks a user message before it is sent.
// Nil fields leave the corresponding part unchanged.
type MessageMutation struct {
	Content *string                 `json:"content,omitempty"`
	Images  []types.ImageAttachment `json:"images,omitempty"`
	Blocked bool                    `json:"blocked,omitempty"`
}

// Result is what a manager returns for one event.
type Result struct {
	Insights   []types.Insight     `json:"insights,omitempty"`
	Permission *PermissionDecision `json:"permission_decision,omitempty"`
	Message    *MessageMutation    `json:"user_message_mutation,omitempty"`
	Aborted    bool                `json:"aborted,omitempty"`
}

// Manager is the middleware collaborator. Implementations are expected to
// bound their own execution time; errors and panics never propagate past the
// invoker.
type Manager interface {
	Emit(ctx context.Context, ev Event) (Result, error)
}
