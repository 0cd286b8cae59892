package types

import "encoding/json"

// HistoryKind discriminates history entries.
type HistoryKind string

const (
	HistoryUserMessage      HistoryKind = "user_message"
	HistoryAssistantMessage HistoryKind = "assistant_message"
	HistoryResult           HistoryKind = "result"
	HistorySystemError      HistoryKind = "system_error"
)

// ResultInfo summarizes one completed turn.
type ResultInfo struct {
	TotalCostUSD float64         `json:"total_cost_usd"`
	NumTurns     int             `json:"num_turns"`
	Usage        json.RawMessage `json:"usage,omitempty"`
	IsError      bool            `json:"is_error"`
	Summary      string          `json:"summary,omitempty"`
}

// HistoryEntry is one durable conversation record. Exactly one of the
// kind-specific field groups is populated, selected by Kind.
type HistoryEntry struct {
	Kind      HistoryKind `json:"kind"`
	ID        string      `json:"id,omitempty"`
	Timestamp int64       `json:"timestamp"` // unix millis

	// user_message
	Text   string            `json:"text,omitempty"`
	Images []ImageAttachment `json:"images,omitempty"`

	// assistant_message: the structured content blocks as received.
	Message         json.RawMessage `json:"message,omitempty"`
	ParentToolUseID string          `json:"parent_tool_use_id,omitempty"`

	// result
	Result *ResultInfo `json:"result,omitempty"`

	// system_error
	Error string `json:"error,omitempty"`
}
