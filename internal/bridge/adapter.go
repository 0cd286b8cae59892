package bridge

import (
	"github.com/companion-dev/companion/internal/event"
	"github.com/companion-dev/companion/pkg/types"
)

// AttachAdapter installs a subprocess adapter as the session's upstream.
// The backend kind becomes subprocess-adapter and stays that way for the
// session's lifetime; a primary socket attached earlier is closed first so
// the two never coexist.
func (s *Session) AttachAdapter(a Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		go a.Disconnect()
		return
	}
	if s.upstream != nil {
		sock := s.upstream
		s.upstream = nil
		sock.Close()
	}
	s.adapter = a
	s.state.BackendKind = types.BackendSubprocess

	s.broadcastLocked(&types.CLIConnectedFrame{OutMeta: types.Meta(types.FrameCLIConnected)}, true)
	s.drainQueueLocked()
	s.persistLocked()
	s.reg.publish(event.CLIConnected, s.id)
}

// HandleAdapterClose mirrors an upstream close for adapter-backed sessions.
func (s *Session) HandleAdapterClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adapter == nil {
		return
	}
	s.adapter = nil
	s.upstreamGoneLocked()
}

// HandleAdapterMeta applies session metadata reported by the adapter and
// refreshes repository metadata when the working directory moves.
func (s *Session) HandleAdapterMeta(model, cwd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	changed := false
	if model != "" && model != s.state.Model {
		s.state.Model = model
		changed = true
	}
	if cwd != "" && cwd != s.state.Cwd {
		s.state.Cwd = cwd
		changed = true
		s.refreshRepoMetaLocked()
	}
	if changed {
		snap := s.state
		s.broadcastLocked(&types.SessionUpdateFrame{
			OutMeta: types.Meta(types.FrameSessionUpdate),
			Session: &snap,
		}, true)
	}
}
