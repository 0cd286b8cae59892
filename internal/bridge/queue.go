package bridge

import "encoding/json"

// outboundQueue holds CLI-bound frames produced while no upstream is
// attached. Frames drain in FIFO order on attach; a delivery failure keeps
// the remainder queued.
type outboundQueue struct {
	frames []json.RawMessage
}

func newOutboundQueue() *outboundQueue { return &outboundQueue{} }

func (q *outboundQueue) push(frame json.RawMessage) {
	q.frames = append(q.frames, append(json.RawMessage(nil), frame...))
}

func (q *outboundQueue) len() int { return len(q.frames) }

// drain delivers frames in order until send fails or the queue is empty.
// Undelivered frames stay queued.
func (q *outboundQueue) drain(send func(frame json.RawMessage) error) error {
	for len(q.frames) > 0 {
		if err := send(q.frames[0]); err != nil {
			return err
		}
		q.frames = append(q.frames[:0:0], q.frames[1:]...)
	}
	return nil
}

func (q *outboundQueue) snapshot() []json.RawMessage {
	return append([]json.RawMessage(nil), q.frames...)
}

func (q *outboundQueue) restore(frames []json.RawMessage) {
	q.frames = append([]json.RawMessage(nil), frames...)
}
