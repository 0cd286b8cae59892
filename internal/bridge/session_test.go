package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companion-dev/companion/internal/plugin"
	"github.com/companion-dev/companion/pkg/types"
)

// fakeSocket records everything sent through it.
type fakeSocket struct {
	mu     sync.Mutex
	frames []map[string]any
	raw    [][]byte
	fail   bool
	closed bool
}

func (f *fakeSocket) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("socket broken")
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	f.frames = append(f.frames, frame)
	f.raw = append(f.raw, append([]byte(nil), data...))
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) ofType(frameType string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, frame := range f.frames {
		if frame["type"] == frameType {
			out = append(out, frame)
		}
	}
	return out
}

func (f *fakeSocket) count(frameType string) int { return len(f.ofType(frameType)) }

func (f *fakeSocket) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.frames))
	for _, frame := range f.frames {
		out = append(out, frame["type"].(string))
	}
	return out
}

// memStore records snapshots synchronously.
type memStore struct {
	mu      sync.Mutex
	saves   map[string]*types.PersistedSession
	removed []string
}

func newMemStore() *memStore {
	return &memStore{saves: make(map[string]*types.PersistedSession)}
}

func (m *memStore) Save(p *types.PersistedSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves[p.ID] = p
}

func (m *memStore) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.saves, id)
	m.removed = append(m.removed, id)
}

func (m *memStore) get(id string) *types.PersistedSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves[id]
}

// fakeManager delegates to a function.
type fakeManager struct {
	fn func(ev plugin.Event) (plugin.Result, error)
}

func (f *fakeManager) Emit(ctx context.Context, ev plugin.Event) (plugin.Result, error) {
	return f.fn(ev)
}

func cliLine(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return append(data, '\n')
}

func browserMsg(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func streamEventLine(t *testing.T, n int) []byte {
	return cliLine(t, map[string]any{
		"type":  "stream_event",
		"event": map[string]any{"n": n},
	})
}

func TestReplayOnReconnectWithNoGap(t *testing.T) {
	reg := NewRegistry()
	s := reg.Create("s1", "")

	// session_init consumed seq 1 at creation; the two stream events take
	// seq 2 and 3.
	s.HandleCLIData(streamEventLine(t, 1))
	s.HandleCLIData(streamEventLine(t, 2))

	b1 := &fakeSocket{}
	s.HandleBrowserOpen(b1)
	inits := b1.ofType(types.FrameSessionInit)
	require.Len(t, inits, 1)
	assert.Equal(t, float64(1), inits[0]["seq"])

	// b1 catches up on the two stream events it missed.
	s.HandleBrowserMessage(b1, browserMsg(t, map[string]any{"type": "session_subscribe", "last_seq": 1}))
	replays := b1.ofType(types.FrameEventReplay)
	require.Len(t, replays, 1)
	events := replays[0]["events"].([]any)
	require.Len(t, events, 2)
	assert.Equal(t, float64(2), events[0].(map[string]any)["seq"])
	assert.Equal(t, float64(3), events[1].(map[string]any)["seq"])

	s.HandleBrowserClose(b1)

	// b2 saw everything already: no replay at all.
	b2 := &fakeSocket{}
	s.HandleBrowserOpen(b2)
	s.HandleBrowserMessage(b2, browserMsg(t, map[string]any{"type": "session_subscribe", "last_seq": 3}))
	assert.Zero(t, b2.count(types.FrameEventReplay))
}

func TestReplayOnReconnectWithBufferCoveredGap(t *testing.T) {
	reg := NewRegistry()
	s := reg.Create("s1", "")
	s.HandleCLIData(streamEventLine(t, 1))
	s.HandleCLIData(streamEventLine(t, 2))

	b2 := &fakeSocket{}
	s.HandleBrowserOpen(b2)
	s.HandleBrowserMessage(b2, browserMsg(t, map[string]any{"type": "session_subscribe", "last_seq": 1}))

	replays := b2.ofType(types.FrameEventReplay)
	require.Len(t, replays, 1)
	events := replays[0]["events"].([]any)
	require.Len(t, events, 2)
	assert.Equal(t, float64(2), events[0].(map[string]any)["seq"])
	assert.Equal(t, float64(3), events[1].(map[string]any)["seq"])
	assert.Zero(t, b2.count(types.FrameMessageHistory))
}

func TestReplayOnReconnectWithOversizedGap(t *testing.T) {
	reg := NewRegistry()
	s := reg.Create("s1", "")

	// seq 1: creation snapshot. seq 2: assistant (history-backed).
	// seq 3..10: stream events.
	s.HandleCLIData(cliLine(t, map[string]any{
		"type":    "assistant",
		"message": map[string]any{"content": []any{map[string]any{"type": "text", "text": "hi"}}},
	}))
	for i := 0; i < 8; i++ {
		s.HandleCLIData(streamEventLine(t, i))
	}
	require.Equal(t, int64(11), s.seq.next())

	// Age the buffer: the window no longer reaches back to seq 2 and 3.
	s.mu.Lock()
	s.seq.buffer = s.seq.buffer[2:]
	s.mu.Unlock()

	b := &fakeSocket{}
	s.HandleBrowserOpen(b)
	s.HandleBrowserMessage(b, browserMsg(t, map[string]any{"type": "session_subscribe", "last_seq": 1}))

	// The browser saw session_init, the durable history, then only
	// transient events.
	typesSeen := b.types()
	require.GreaterOrEqual(t, len(typesSeen), 3)
	assert.Equal(t, types.FrameSessionInit, typesSeen[0])
	assert.Equal(t, types.FrameMessageHistory, typesSeen[1])

	replays := b.ofType(types.FrameEventReplay)
	require.Len(t, replays, 1)
	for _, raw := range replays[0]["events"].([]any) {
		ev := raw.(map[string]any)
		assert.Equal(t, types.FrameStreamEvent, ev["type"])
		assert.Greater(t, ev["seq"].(float64), float64(1))
		assert.LessOrEqual(t, ev["seq"].(float64), float64(10))
	}
}

func TestPermissionRoundTripWithPluginDecision(t *testing.T) {
	mgr := &fakeManager{fn: func(ev plugin.Event) (plugin.Result, error) {
		if ev.Name == plugin.EventPermissionRequested {
			return plugin.Result{Permission: &plugin.PermissionDecision{Behavior: "allow", PluginID: "p1"}}, nil
		}
		return plugin.Result{}, nil
	}}
	reg := NewRegistry(WithPluginManager(mgr))
	s := reg.Create("s1", "")

	upstream := &fakeSocket{}
	s.HandleCLIOpen(upstream)
	browser := &fakeSocket{}
	s.HandleBrowserOpen(browser)

	s.HandleCLIData(cliLine(t, map[string]any{
		"type":       "control_request",
		"request_id": "r1",
		"request": map[string]any{
			"subtype":   "can_use_tool",
			"tool_name": "Bash",
			"input":     map[string]any{"command": "ls"},
		},
	}))

	responses := upstream.ofType("control_response")
	require.Len(t, responses, 1)
	payload := responses[0]["response"].(map[string]any)
	assert.Equal(t, "success", payload["subtype"])
	assert.Equal(t, "r1", payload["request_id"])
	inner := payload["response"].(map[string]any)
	assert.Equal(t, "allow", inner["behavior"])
	assert.Equal(t, map[string]any{"command": "ls"}, inner["updatedInput"])

	s.mu.Lock()
	assert.Zero(t, s.pending.permCount())
	s.mu.Unlock()
	assert.Zero(t, browser.count(types.FramePermissionRequest))
	assert.NotZero(t, browser.count(types.FramePluginInsight))
}

func TestPluginFaultFallsBackToHumanPrompt(t *testing.T) {
	mgr := &fakeManager{fn: func(ev plugin.Event) (plugin.Result, error) {
		return plugin.Result{}, errors.New("middleware down")
	}}
	reg := NewRegistry(WithPluginManager(mgr))
	s := reg.Create("s1", "")

	browser := &fakeSocket{}
	s.HandleBrowserOpen(browser)

	s.HandleCLIData(cliLine(t, map[string]any{
		"type":       "control_request",
		"request_id": "r1",
		"request":    map[string]any{"subtype": "can_use_tool", "tool_name": "Bash"},
	}))

	// One error insight, then the normal prompt path.
	assert.Equal(t, 1, browser.count(types.FramePermissionRequest))
	s.mu.Lock()
	assert.Equal(t, 1, s.pending.permCount())
	s.mu.Unlock()
}

func TestIdempotentUserMessageRetry(t *testing.T) {
	reg := NewRegistry()
	s := reg.Create("s1", "")
	upstream := &fakeSocket{}
	s.HandleCLIOpen(upstream)

	msg := map[string]any{"type": "user_message", "content": "hi", "client_msg_id": "c1"}
	b := &fakeSocket{}
	s.HandleBrowserOpen(b)
	s.HandleBrowserMessage(b, browserMsg(t, msg))

	require.Eventually(t, func() bool {
		return upstream.count("user") == 1
	}, time.Second, 5*time.Millisecond)

	// The retried copy is dropped before any side effect.
	s.HandleBrowserMessage(b, browserMsg(t, msg))
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, upstream.count("user"))
	users := upstream.ofType("user")
	assert.Equal(t, "hi", users[0]["message"].(map[string]any)["content"])

	s.mu.Lock()
	var userEntries int
	for _, entry := range s.history.all() {
		if entry.Kind == types.HistoryUserMessage {
			userEntries++
		}
	}
	s.mu.Unlock()
	assert.Equal(t, 1, userEntries)
}

func TestUpstreamDeathCancelsPendingPermissions(t *testing.T) {
	reg := NewRegistry()
	s := reg.Create("s1", "")

	upstream := &fakeSocket{}
	s.HandleCLIOpen(upstream)
	b1 := &fakeSocket{}
	s.HandleBrowserOpen(b1)

	s.HandleCLIData(cliLine(t, map[string]any{
		"type":       "control_request",
		"request_id": "r1",
		"request":    map[string]any{"subtype": "can_use_tool", "tool_name": "Bash"},
	}))
	require.Equal(t, 1, b1.count(types.FramePermissionRequest))

	s.HandleCLIClose()

	cancelled := b1.ofType(types.FramePermissionCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "r1", cancelled[0]["request_id"])
	assert.Equal(t, 1, b1.count(types.FrameCLIDisconnected))

	s.mu.Lock()
	assert.Zero(t, s.pending.permCount())
	s.mu.Unlock()

	// A later browser sees the snapshot and the disconnect, but no stale
	// permission prompt.
	b2 := &fakeSocket{}
	s.HandleBrowserOpen(b2)
	seen := b2.types()
	assert.Equal(t, types.FrameSessionInit, seen[0])
	assert.Contains(t, seen, types.FrameCLIDisconnected)
	assert.Zero(t, b2.count(types.FramePermissionRequest))
}

func TestPermissionResponseRoundTrip(t *testing.T) {
	reg := NewRegistry()
	s := reg.Create("s1", "")
	upstream := &fakeSocket{}
	s.HandleCLIOpen(upstream)
	b := &fakeSocket{}
	s.HandleBrowserOpen(b)

	s.HandleCLIData(cliLine(t, map[string]any{
		"type":       "control_request",
		"request_id": "r1",
		"request": map[string]any{
			"subtype":   "can_use_tool",
			"tool_name": "Write",
			"input":     map[string]any{"path": "a.txt"},
		},
	}))

	s.HandleBrowserMessage(b, browserMsg(t, map[string]any{
		"type":       "permission_response",
		"request_id": "r1",
		"behavior":   "allow",
	}))

	responses := upstream.ofType("control_response")
	require.Len(t, responses, 1)
	inner := responses[0]["response"].(map[string]any)["response"].(map[string]any)
	assert.Equal(t, "allow", inner["behavior"])
	// The original input rides along when the browser sends no update.
	assert.Equal(t, map[string]any{"path": "a.txt"}, inner["updatedInput"])

	s.mu.Lock()
	assert.Zero(t, s.pending.permCount())
	s.mu.Unlock()
}

func TestPermissionResponseDenyDefaultsMessage(t *testing.T) {
	reg := NewRegistry()
	s := reg.Create("s1", "")
	upstream := &fakeSocket{}
	s.HandleCLIOpen(upstream)
	b := &fakeSocket{}
	s.HandleBrowserOpen(b)

	s.HandleCLIData(cliLine(t, map[string]any{
		"type":       "control_request",
		"request_id": "r1",
		"request":    map[string]any{"subtype": "can_use_tool", "tool_name": "Bash"},
	}))
	s.HandleBrowserMessage(b, browserMsg(t, map[string]any{
		"type":       "permission_response",
		"request_id": "r1",
		"behavior":   "deny",
	}))

	responses := upstream.ofType("control_response")
	require.Len(t, responses, 1)
	inner := responses[0]["response"].(map[string]any)["response"].(map[string]any)
	assert.Equal(t, "deny", inner["behavior"])
	assert.Equal(t, "Denied by user", inner["message"])
}

func TestPermissionResponseForUnknownRequestStillForwards(t *testing.T) {
	reg := NewRegistry()
	s := reg.Create("s1", "")
	upstream := &fakeSocket{}
	s.HandleCLIOpen(upstream)
	b := &fakeSocket{}
	s.HandleBrowserOpen(b)

	s.HandleBrowserMessage(b, browserMsg(t, map[string]any{
		"type":       "permission_response",
		"request_id": "ghost",
		"behavior":   "allow",
	}))
	assert.Equal(t, 1, upstream.count("control_response"))
}

func TestInterruptSendsControlRequest(t *testing.T) {
	reg := NewRegistry()
	s := reg.Create("s1", "")
	upstream := &fakeSocket{}
	s.HandleCLIOpen(upstream)
	b := &fakeSocket{}
	s.HandleBrowserOpen(b)

	s.HandleBrowserMessage(b, browserMsg(t, map[string]any{"type": "interrupt"}))

	reqs := upstream.ofType("control_request")
	require.Len(t, reqs, 1)
	assert.NotEmpty(t, reqs[0]["request_id"])
	assert.Equal(t, "interrupt", reqs[0]["request"].(map[string]any)["subtype"])
	// Interrupts expect no typed response.
	s.mu.Lock()
	assert.Empty(t, s.pending.ctrl)
	s.mu.Unlock()
}

func TestMCPStatusRoundTrip(t *testing.T) {
	reg := NewRegistry()
	s := reg.Create("s1", "")
	upstream := &fakeSocket{}
	s.HandleCLIOpen(upstream)
	b := &fakeSocket{}
	s.HandleBrowserOpen(b)

	s.HandleBrowserMessage(b, browserMsg(t, map[string]any{"type": "mcp_get_status"}))

	reqs := upstream.ofType("control_request")
	require.Len(t, reqs, 1)
	requestID := reqs[0]["request_id"].(string)

	s.HandleCLIData(cliLine(t, map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   []any{map[string]any{"name": "docs", "status": "connected"}},
		},
	}))

	statuses := b.ofType(types.FrameMCPStatus)
	require.Len(t, statuses, 1)
	servers := statuses[0]["servers"].([]any)
	assert.Equal(t, "docs", servers[0].(map[string]any)["name"])

	// A second, unmatched response is discarded without effect.
	s.HandleCLIData(cliLine(t, map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
		},
	}))
	assert.Len(t, b.ofType(types.FrameMCPStatus), 1)
}

func TestOutboundQueueBridgesDowntime(t *testing.T) {
	reg := NewRegistry()
	s := reg.Create("s1", "")
	b := &fakeSocket{}
	s.HandleBrowserOpen(b)

	s.HandleBrowserMessage(b, browserMsg(t, map[string]any{"type": "user_message", "content": "while you were out"}))
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.queue.len() == 1
	}, time.Second, 5*time.Millisecond)

	upstream := &fakeSocket{}
	s.HandleCLIOpen(upstream)

	users := upstream.ofType("user")
	require.Len(t, users, 1)
	assert.Equal(t, "while you were out", users[0]["message"].(map[string]any)["content"])
	s.mu.Lock()
	assert.Zero(t, s.queue.len())
	s.mu.Unlock()
}

func TestFirstTurnFiresOnce(t *testing.T) {
	reg := NewRegistry()
	var mu sync.Mutex
	var calls []string
	reg.Hooks().RegisterFirstTurn(func(sessionID, text string) {
		mu.Lock()
		calls = append(calls, text)
		mu.Unlock()
	})

	s := reg.Create("s1", "")
	upstream := &fakeSocket{}
	s.HandleCLIOpen(upstream)
	b := &fakeSocket{}
	s.HandleBrowserOpen(b)

	s.HandleBrowserMessage(b, browserMsg(t, map[string]any{"type": "user_message", "content": "name this session"}))
	require.Eventually(t, func() bool { return upstream.count("user") == 1 }, time.Second, 5*time.Millisecond)

	// An error result does not complete the first turn.
	s.HandleCLIData(cliLine(t, map[string]any{"type": "result", "is_error": true, "num_turns": 1}))
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, calls)
	mu.Unlock()

	s.HandleCLIData(cliLine(t, map[string]any{"type": "result", "num_turns": 2}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "name this session", calls[0])
	mu.Unlock()

	assert.NotZero(t, b.count(types.FrameSessionNameUpdate))

	// Further results never fire it again.
	s.HandleCLIData(cliLine(t, map[string]any{"type": "result", "num_turns": 3}))
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Len(t, calls, 1)
	mu.Unlock()
}

func TestBackendKindNeverDowngrades(t *testing.T) {
	reg := NewRegistry()
	s := reg.Create("s1", types.BackendSubprocess)
	require.Equal(t, types.BackendSubprocess, s.BackendKind())

	// An unadorned attach leaves the kind alone, and an explicit primary
	// cannot downgrade it.
	reg.Create("s1", "")
	reg.Create("s1", types.BackendPrimary)
	assert.Equal(t, types.BackendSubprocess, s.BackendKind())
}

func TestBrowserWriteFailureRemovesOnlyThatSocket(t *testing.T) {
	reg := NewRegistry()
	s := reg.Create("s1", "")

	good := &fakeSocket{}
	bad := &fakeSocket{fail: true}
	s.HandleBrowserOpen(good)
	s.HandleBrowserOpen(bad)

	s.HandleCLIData(streamEventLine(t, 1))

	assert.Equal(t, 1, good.count(types.FrameStreamEvent))
	s.mu.Lock()
	assert.Len(t, s.browsers, 1)
	s.mu.Unlock()
	assert.True(t, bad.closed)
}

func TestResultUpdatesStateAndContextPercent(t *testing.T) {
	reg := NewRegistry()
	s := reg.Create("s1", "")
	b := &fakeSocket{}
	s.HandleBrowserOpen(b)

	s.HandleCLIData(cliLine(t, map[string]any{
		"type":    "system",
		"subtype": "init",
		"model":   "sonnet",
	}))
	s.HandleCLIData(cliLine(t, map[string]any{
		"type":           "result",
		"total_cost_usd": 0.5,
		"num_turns":      3,
		"modelUsage": map[string]any{
			"sonnet": map[string]any{"inputTokens": 40000, "outputTokens": 10000, "contextWindow": 200000},
		},
	}))

	state := s.State()
	assert.Equal(t, 0.5, state.TotalCostUSD)
	assert.Equal(t, 3, state.NumTurns)
	assert.InDelta(t, 25.0, state.ContextUsedPercent, 0.01)
}

func TestUnknownUpstreamTypesAreIgnored(t *testing.T) {
	reg := NewRegistry()
	s := reg.Create("s1", "")
	b := &fakeSocket{}
	s.HandleBrowserOpen(b)
	before := len(b.types())

	s.HandleCLIData([]byte("{\"type\":\"mystery\",\"x\":1}\nnot json at all\n{\"type\":\"keep_alive\"}\n"))

	// Bad and unknown lines produce nothing, and the parse fault does not
	// poison the rest of the chunk.
	assert.Equal(t, before, len(b.types()))
	s.HandleCLIData(streamEventLine(t, 1))
	assert.Equal(t, 1, b.count(types.FrameStreamEvent))
}

func TestUserMessagesKeepWireOrder(t *testing.T) {
	// Middleware that suspends on the first message would reorder naive
	// async processing; the serializer must not let it.
	var mu sync.Mutex
	first := true
	mgr := &fakeManager{fn: func(ev plugin.Event) (plugin.Result, error) {
		if ev.Name == plugin.EventUserMessageBeforeSend {
			mu.Lock()
			delay := first
			first = false
			mu.Unlock()
			if delay {
				time.Sleep(50 * time.Millisecond)
			}
		}
		return plugin.Result{}, nil
	}}
	reg := NewRegistry(WithPluginManager(mgr))
	s := reg.Create("s1", "")
	upstream := &fakeSocket{}
	s.HandleCLIOpen(upstream)
	b := &fakeSocket{}
	s.HandleBrowserOpen(b)

	for i := 0; i < 3; i++ {
		s.HandleBrowserMessage(b, browserMsg(t, map[string]any{
			"type":    "user_message",
			"content": fmt.Sprintf("m%d", i),
		}))
	}

	require.Eventually(t, func() bool { return upstream.count("user") == 3 }, 2*time.Second, 5*time.Millisecond)
	users := upstream.ofType("user")
	for i, u := range users {
		assert.Equal(t, fmt.Sprintf("m%d", i), u["message"].(map[string]any)["content"])
	}
}

func TestBlockedUserMessageIsDropped(t *testing.T) {
	mgr := &fakeManager{fn: func(ev plugin.Event) (plugin.Result, error) {
		if ev.Name == plugin.EventUserMessageBeforeSend {
			return plugin.Result{Message: &plugin.MessageMutation{Blocked: true}}, nil
		}
		return plugin.Result{}, nil
	}}
	reg := NewRegistry(WithPluginManager(mgr))
	s := reg.Create("s1", "")
	upstream := &fakeSocket{}
	s.HandleCLIOpen(upstream)
	b := &fakeSocket{}
	s.HandleBrowserOpen(b)

	s.HandleBrowserMessage(b, browserMsg(t, map[string]any{"type": "user_message", "content": "nope"}))

	require.Eventually(t, func() bool { return b.count(types.FramePluginInsight) > 0 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, upstream.count("user"))
	s.mu.Lock()
	assert.Zero(t, s.history.len())
	s.mu.Unlock()
}

func TestAckAdvancesMonotonically(t *testing.T) {
	reg := NewRegistry()
	s := reg.Create("s1", "")
	b := &fakeSocket{}
	s.HandleBrowserOpen(b)
	s.HandleCLIData(streamEventLine(t, 1))
	s.HandleCLIData(streamEventLine(t, 2))

	s.HandleBrowserMessage(b, browserMsg(t, map[string]any{"type": "session_ack", "last_seq": 3}))
	s.HandleBrowserMessage(b, browserMsg(t, map[string]any{"type": "session_ack", "last_seq": 2}))

	s.mu.Lock()
	assert.Equal(t, int64(3), s.lastAck)
	assert.LessOrEqual(t, s.lastAck, s.seq.next()-1)
	s.mu.Unlock()
}
