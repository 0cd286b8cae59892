// Package bridge implements the session bridge between browser clients and
// interactive AI coding CLIs: per-session state, the sequenced event bus,
// the dual-direction message router, pending-permission correlation, the
// reconnect/replay protocol and durable persistence.
package bridge

import (
	"encoding/json"

	"github.com/companion-dev/companion/pkg/types"
)

// EventBufferLimit bounds the replay window of recent broadcast events.
const EventBufferLimit = 600

// historyBacked marks event kinds that browsers can recover from the history
// log. Everything else is transient and only recoverable from the buffer.
var historyBacked = map[string]bool{
	types.FrameAssistant:   true,
	types.FrameResult:      true,
	types.FrameUserMessage: true,
	types.FrameError:       true,
}

// sequencer assigns monotonic sequence numbers and keeps the bounded buffer
// of recent replayable events. Assignment and buffer append are a single
// step: a frame never reaches a browser with a seq missing from the buffer
// unless it was a non-replayable snapshot.
type sequencer struct {
	nextSeq int64
	limit   int
	buffer  []types.BufferedEvent
}

func newSequencer(limit int) *sequencer {
	if limit <= 0 {
		limit = EventBufferLimit
	}
	return &sequencer{nextSeq: 1, limit: limit}
}

// tag stamps the next sequence number onto the frame, marshals it, and
// appends it to the buffer when replayable. The seq is consumed even if
// marshaling fails; sequence numbers are never reused.
func (q *sequencer) tag(f types.Outbound, replayable bool) (int64, []byte, error) {
	seq := q.nextSeq
	q.nextSeq++
	f.SetSeq(seq)

	data, err := json.Marshal(f)
	if err != nil {
		return seq, nil, err
	}

	if replayable {
		q.buffer = append(q.buffer, types.BufferedEvent{
			Seq:     seq,
			Type:    f.FrameType(),
			Message: json.RawMessage(data),
		})
		if excess := len(q.buffer) - q.limit; excess > 0 {
			q.buffer = append(q.buffer[:0:0], q.buffer[excess:]...)
		}
	}
	return seq, data, nil
}

// next returns the sequence number the next broadcast will receive.
func (q *sequencer) next() int64 { return q.nextSeq }

// earliest returns the lowest seq still buffered.
func (q *sequencer) earliest() (int64, bool) {
	if len(q.buffer) == 0 {
		return 0, false
	}
	return q.buffer[0].Seq, true
}

// eventsAfter returns buffered events with seq greater than the given one.
func (q *sequencer) eventsAfter(seq int64) []types.BufferedEvent {
	var events []types.BufferedEvent
	for _, ev := range q.buffer {
		if ev.Seq > seq {
			events = append(events, ev)
		}
	}
	return events
}

// transientAfter returns buffered non-history-backed events with seq greater
// than the given one. Used by the gap-repair path so history-backed items
// are not delivered twice.
func (q *sequencer) transientAfter(seq int64) []types.BufferedEvent {
	var events []types.BufferedEvent
	for _, ev := range q.buffer {
		if ev.Seq > seq && !historyBacked[ev.Type] {
			events = append(events, ev)
		}
	}
	return events
}

func (q *sequencer) snapshot() []types.BufferedEvent {
	return append([]types.BufferedEvent(nil), q.buffer...)
}

func (q *sequencer) restore(nextSeq int64, events []types.BufferedEvent) {
	if nextSeq < 1 {
		nextSeq = 1
	}
	q.nextSeq = nextSeq
	q.buffer = append([]types.BufferedEvent(nil), events...)
	if excess := len(q.buffer) - q.limit; excess > 0 {
		q.buffer = q.buffer[excess:]
	}
}
