package bridge

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/companion-dev/companion/internal/event"
	"github.com/companion-dev/companion/internal/plugin"
	"github.com/companion-dev/companion/pkg/types"
)

// Session is the per-conversation aggregate: one upstream (CLI socket or
// subprocess adapter), zero or more browser sockets, and the state that
// survives both sides disconnecting.
//
// One coarse mutex serializes all handler work within a session; the three
// operations allowed to suspend while it is held are socket writes, plugin
// middleware invocation and the user-message serializer hand-off. Everything
// else is in-memory bookkeeping. Launcher-facing callbacks always fire on
// their own goroutines.
type Session struct {
	id  string
	reg *Registry
	log zerolog.Logger

	mu           sync.Mutex
	state        types.SessionState
	upstream     Socket
	adapter      Adapter
	browsers     map[Socket]*browserConn
	history      *historyLog
	queue        *outboundQueue
	pending      *pendingTable
	seq          *sequencer
	ledger       *ledger
	startedTools map[string]struct{}
	ingress      lineBuffer
	serializer   *serializer

	initSeq        int64
	lastAck        int64
	autoNamingDone bool
	closed         bool
}

type browserConn struct {
	lastAck int64
}

func newSession(reg *Registry, id string, kind types.BackendKind) *Session {
	if kind == "" {
		kind = types.BackendPrimary
	}
	return &Session{
		id:  id,
		reg: reg,
		log: reg.log.With().Str("session_id", id).Logger(),
		state: types.SessionState{
			BackendKind: kind,
		},
		browsers:     make(map[Socket]*browserConn),
		history:      newHistoryLog(0),
		queue:        newOutboundQueue(),
		pending:      newPendingTable(),
		seq:          newSequencer(0),
		ledger:       newLedger(0),
		startedTools: make(map[string]struct{}),
		serializer:   newSerializer(),
	}
}

// ID returns the bridge-assigned session id.
func (s *Session) ID() string { return s.id }

// State returns a copy of the UI-visible snapshot.
func (s *Session) State() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BackendKind returns the session's backend kind.
func (s *Session) BackendKind() types.BackendKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.BackendKind
}

// HandleCLIOpen attaches the primary upstream transport: record the socket,
// tell browsers, then drain everything queued while the CLI was away.
func (s *Session) HandleCLIOpen(sock Socket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		sock.Close()
		return
	}
	if s.adapter != nil {
		s.log.Warn().Msg("rejecting upstream attach: subprocess adapter installed")
		sock.Close()
		return
	}
	s.upstream = sock
	s.broadcastLocked(&types.CLIConnectedFrame{OutMeta: types.Meta(types.FrameCLIConnected)}, true)
	s.drainQueueLocked()
	s.persistLocked()
	s.reg.publish(event.CLIConnected, s.id)
}

// HandleCLIClose detaches the upstream. The session stays alive; pending
// permissions are cancelled and browsers are told.
func (s *Session) HandleCLIClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upstream == nil {
		return
	}
	s.upstream = nil
	s.upstreamGoneLocked()
}

// upstreamGoneLocked is shared by socket close, send failure and adapter
// disconnect.
func (s *Session) upstreamGoneLocked() {
	s.broadcastLocked(&types.CLIDisconnectedFrame{OutMeta: types.Meta(types.FrameCLIDisconnected)}, true)

	for _, rec := range s.pending.clearPerms() {
		s.broadcastLocked(&types.PermissionCancelledFrame{
			OutMeta:   types.Meta(types.FramePermissionCancelled),
			RequestID: rec.RequestID,
		}, true)
	}
	s.pending.dropCtrl()
	s.persistLocked()

	s.pluginEmitLocked(plugin.EventSessionDisconnected, "", nil)
	s.reg.publish(event.CLIDisconnected, s.id)

	if len(s.browsers) > 0 && !s.state.IsCompacting {
		s.reg.hooks.fireRelaunch(s.id)
	}
}

// HandleBrowserOpen attaches a browser socket and brings it up to date:
// snapshot, history replay, pending permission re-send, and connection
// state.
func (s *Session) HandleBrowserOpen(sock Socket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		sock.Close()
		return
	}
	s.browsers[sock] = &browserConn{}
	s.refreshRepoMetaLocked()

	snap := s.state
	init := &types.SessionInitFrame{OutMeta: types.Meta(types.FrameSessionInit), Session: &snap}
	init.Seq = s.initSeq
	s.sendFrameLocked(sock, init)

	if s.history.len() > 0 {
		s.sendFrameLocked(sock, &types.MessageHistoryFrame{
			OutMeta:  types.Meta(types.FrameMessageHistory),
			Messages: s.history.all(),
		})
	}

	for _, rec := range s.pending.permsInOrder() {
		rec := rec
		s.sendFrameLocked(sock, &types.PermissionRequestFrame{
			OutMeta: types.Meta(types.FramePermissionRequest),
			Request: &rec,
		})
	}

	if s.upstream == nil && s.adapter == nil {
		s.sendFrameLocked(sock, &types.CLIDisconnectedFrame{OutMeta: types.Meta(types.FrameCLIDisconnected)})
		if s.state.BackendKind != types.BackendSubprocess {
			s.reg.hooks.fireRelaunch(s.id)
		}
	}
}

// HandleBrowserClose detaches a browser socket. Losing the last browser does
// not end the session.
func (s *Session) HandleBrowserClose(sock Socket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.browsers, sock)
}

// close is invoked by the registry; sockets are asked to close and all
// references dropped.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.upstream != nil {
		s.upstream.Close()
		s.upstream = nil
	}
	if s.adapter != nil {
		a := s.adapter
		s.adapter = nil
		go a.Disconnect()
	}
	for sock := range s.browsers {
		sock.Close()
		delete(s.browsers, sock)
	}
}

// broadcastLocked tags the frame through the sequencer and writes it to
// every attached browser. A failed write removes that browser; the rest
// still receive the frame.
func (s *Session) broadcastLocked(f types.Outbound, replayable bool) {
	seq, data, err := s.seq.tag(f, replayable)
	if err != nil {
		s.log.Error().Err(err).Str("frame", f.FrameType()).Msg("failed to marshal broadcast frame")
		return
	}
	if f.FrameType() == types.FrameSessionInit {
		s.initSeq = seq
	}
	s.writeBrowsersLocked(data)
	s.persistLocked()
}

func (s *Session) writeBrowsersLocked(data []byte) {
	for sock := range s.browsers {
		if err := sock.Send(data); err != nil {
			s.log.Warn().Err(err).Msg("removing browser socket after write failure")
			delete(s.browsers, sock)
			sock.Close()
		}
	}
}

// sendFrameLocked delivers a frame to one browser without consuming a
// sequence number. Used for join-time snapshots and replays.
func (s *Session) sendFrameLocked(sock Socket, f types.Outbound) {
	data, err := json.Marshal(f)
	if err != nil {
		s.log.Error().Err(err).Str("frame", f.FrameType()).Msg("failed to marshal frame")
		return
	}
	if err := sock.Send(data); err != nil {
		s.log.Warn().Err(err).Msg("removing browser socket after write failure")
		delete(s.browsers, sock)
		sock.Close()
	}
}

// adapterDestinedLocked reports whether CLI-bound traffic belongs to a
// subprocess adapter (attached or expected).
func (s *Session) adapterDestinedLocked() bool {
	return s.adapter != nil || s.state.BackendKind == types.BackendSubprocess
}

// sendCLIBoundLocked delivers one CLI-bound frame to the attached upstream,
// or queues it for the next attach. An upstream write failure detaches the
// socket and requeues the frame.
func (s *Session) sendCLIBoundLocked(frame json.RawMessage) {
	if s.adapter != nil {
		if err := s.adapter.Deliver(frame); err != nil {
			s.queue.push(frame)
			s.systemErrorLocked("adapter delivery failed: " + err.Error())
		}
		return
	}
	if s.upstream == nil {
		s.queue.push(frame)
		s.persistLocked()
		return
	}

	line := make([]byte, 0, len(frame)+1)
	line = append(line, frame...)
	line = append(line, '\n')
	if err := s.upstream.Send(line); err != nil {
		s.log.Warn().Err(err).Msg("upstream write failed, detaching socket")
		sock := s.upstream
		s.upstream = nil
		sock.Close()
		s.queue.push(frame)
		s.upstreamGoneLocked()
	}
}

func (s *Session) drainQueueLocked() {
	if s.queue.len() == 0 {
		return
	}
	var err error
	if s.adapter != nil {
		err = s.queue.drain(s.adapter.Deliver)
	} else if s.upstream != nil {
		sock := s.upstream
		err = s.queue.drain(func(frame json.RawMessage) error {
			return sock.Send(append(append(json.RawMessage(nil), frame...), '\n'))
		})
	}
	if err != nil {
		s.log.Warn().Err(err).Int("remaining", s.queue.len()).Msg("queue drain interrupted")
	}
	s.persistLocked()
}

// refreshRepoMetaLocked asks the resolver off the session's goroutine; the
// resolver bounds its own execution, and results are applied when they
// arrive.
func (s *Session) refreshRepoMetaLocked() {
	if s.reg.resolver == nil || s.state.Cwd == "" {
		return
	}
	cwd := s.state.Cwd
	go func() {
		md := s.reg.resolver.Resolve(context.Background(), cwd)
		s.applyRepoMeta(cwd, md)
	}()
}

// RefreshRepoMetadata re-resolves repository metadata for the session's
// working directory. Used when an external watcher sees the branch move.
func (s *Session) RefreshRepoMetadata() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshRepoMetaLocked()
}

func (s *Session) applyRepoMeta(cwd string, md repoMetadata) {
	s.mu.Lock()
	if s.closed || s.state.Cwd != cwd {
		s.mu.Unlock()
		return
	}
	changed := s.state.GitBranch != md.Branch ||
		s.state.IsWorktree != md.IsWorktree ||
		s.state.RepoRoot != md.RepoRoot ||
		s.state.GitAhead != md.Ahead ||
		s.state.GitBehind != md.Behind
	if changed {
		s.state.GitBranch = md.Branch
		s.state.IsWorktree = md.IsWorktree
		s.state.RepoRoot = md.RepoRoot
		s.state.GitAhead = md.Ahead
		s.state.GitBehind = md.Behind
		snap := s.state
		s.broadcastLocked(&types.SessionUpdateFrame{
			OutMeta: types.Meta(types.FrameSessionUpdate),
			Session: &snap,
		}, true)
	}
	branch := md.Branch
	s.mu.Unlock()

	if changed && branch != "" {
		s.reg.hooks.fireGitReady(s.id, cwd, branch)
	}
}

// broadcastSnapshotLocked sends a full session_init snapshot. Snapshots
// consume a sequence number but are not replayable.
func (s *Session) broadcastSnapshotLocked() {
	snap := s.state
	s.broadcastLocked(&types.SessionInitFrame{
		OutMeta: types.Meta(types.FrameSessionInit),
		Session: &snap,
	}, false)
}

// pluginEmitLocked invokes the plugin middleware and publishes its insights.
// The second return is false only on a middleware fault, after the single
// error insight has been published; callers then take their default path.
func (s *Session) pluginEmitLocked(name, correlationID string, data map[string]any) (plugin.Result, bool) {
	inv := s.reg.plugins
	if !inv.Enabled() {
		return plugin.Result{}, true
	}

	source := plugin.SourceBridge
	if s.state.BackendKind == types.BackendSubprocess {
		source = plugin.SourceAdapter
	}
	meta := plugin.Meta{
		Source:        source,
		SessionID:     s.id,
		BackendKind:   s.state.BackendKind,
		CorrelationID: correlationID,
	}

	res, ok := inv.Emit(context.Background(), name, meta, data)
	if !ok {
		s.publishInsightLocked(types.Insight{
			Level:  "error",
			Title:  "plugin middleware failed",
			Detail: name,
		})
		return plugin.Result{}, false
	}
	for _, insight := range res.Insights {
		s.publishInsightLocked(insight)
	}
	return res, true
}

func (s *Session) publishInsightLocked(insight types.Insight) {
	s.broadcastLocked(&types.PluginInsightFrame{
		OutMeta: types.Meta(types.FramePluginInsight),
		Insight: insight,
	}, true)
	s.reg.publish(event.PluginInsight, insight)
}

// systemErrorLocked records and broadcasts a bridge-level error.
func (s *Session) systemErrorLocked(msg string) {
	s.history.append(types.HistoryEntry{
		Kind:      types.HistorySystemError,
		ID:        newID(),
		Timestamp: time.Now().UnixMilli(),
		Error:     msg,
	})
	s.broadcastLocked(&types.ErrorFrame{
		OutMeta: types.Meta(types.FrameError),
		Message: msg,
	}, true)
}

func (s *Session) persistLocked() {
	if s.reg.store == nil {
		return
	}
	s.reg.store.Save(s.snapshotLocked())
}

// deriveSessionName turns the first user message into a short display name.
func deriveSessionName(text string) string {
	line := strings.TrimSpace(text)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	runes := []rune(line)
	if len(runes) > 64 {
		line = string(runes[:64])
	}
	return line
}

func newID() string {
	return ulid.Make().String()
}
