package bridge

import (
	"github.com/companion-dev/companion/internal/event"
	"github.com/companion-dev/companion/pkg/types"
)

// snapshotLocked captures the session's durable state.
func (s *Session) snapshotLocked() *types.PersistedSession {
	return &types.PersistedSession{
		ID:                 s.id,
		State:              s.state,
		History:            s.history.all(),
		OutboundQueue:      s.queue.snapshot(),
		PendingPerms:       s.pending.permsInOrder(),
		EventBuffer:        s.seq.snapshot(),
		NextSeq:            s.seq.next(),
		LastAckSeq:         s.lastAck,
		ProcessedClientIDs: s.ledger.snapshot(),
	}
}

// Restore rebuilds live sessions from persisted records. Restored sessions
// start with no sockets attached; queued frames drain when a new upstream
// attaches. A session that already completed turns keeps its first-turn
// marker so the callback never fires twice across restarts.
func (r *Registry) Restore(records []*types.PersistedSession) {
	for _, p := range records {
		if p == nil || p.ID == "" {
			continue
		}
		p.Normalize()

		r.mu.Lock()
		if _, exists := r.sessions[p.ID]; exists {
			r.mu.Unlock()
			r.log.Warn().Str("session_id", p.ID).Msg("skipping restore of live session")
			continue
		}
		s := newSession(r, p.ID, p.State.BackendKind)
		r.sessions[p.ID] = s
		r.mu.Unlock()

		s.mu.Lock()
		s.state = p.State
		s.history.restore(p.History)
		s.queue.restore(p.OutboundQueue)
		s.pending.restorePerms(p.PendingPerms)
		s.seq.restore(p.NextSeq, p.EventBuffer)
		s.lastAck = p.LastAckSeq
		s.ledger.restore(p.ProcessedClientIDs)
		s.autoNamingDone = p.State.NumTurns > 0
		s.refreshRepoMetaLocked()
		s.mu.Unlock()

		r.publish(event.SessionRestored, p.ID)
	}
}
