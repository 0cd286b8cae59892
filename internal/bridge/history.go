package bridge

import "github.com/companion-dev/companion/pkg/types"

// HistoryRetentionLimit is the soft cap on in-memory history entries. Only
// the head is ever truncated; the tail is append-only.
const HistoryRetentionLimit = 2000

// historyLog is the ordered list of durable conversation messages.
type historyLog struct {
	limit   int
	entries []types.HistoryEntry
}

func newHistoryLog(limit int) *historyLog {
	if limit <= 0 {
		limit = HistoryRetentionLimit
	}
	return &historyLog{limit: limit}
}

func (h *historyLog) append(entry types.HistoryEntry) {
	h.entries = append(h.entries, entry)
	if excess := len(h.entries) - h.limit; excess > 0 {
		h.entries = append(h.entries[:0:0], h.entries[excess:]...)
	}
}

func (h *historyLog) len() int { return len(h.entries) }

func (h *historyLog) all() []types.HistoryEntry {
	return append([]types.HistoryEntry(nil), h.entries...)
}

// firstUserText returns the text of the earliest user message, if any.
func (h *historyLog) firstUserText() (string, bool) {
	for _, entry := range h.entries {
		if entry.Kind == types.HistoryUserMessage {
			return entry.Text, true
		}
	}
	return "", false
}

func (h *historyLog) restore(entries []types.HistoryEntry) {
	h.entries = append([]types.HistoryEntry(nil), entries...)
	if excess := len(h.entries) - h.limit; excess > 0 {
		h.entries = h.entries[excess:]
	}
}
