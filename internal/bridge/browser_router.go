package bridge

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/companion-dev/companion/internal/event"
	"github.com/companion-dev/companion/internal/plugin"
	"github.com/companion-dev/companion/pkg/types"
)

// MCP status refresh delays after each mutating MCP operation.
const (
	mcpToggleRefreshDelay     = 500 * time.Millisecond
	mcpReconnectRefreshDelay  = time.Second
	mcpSetServersRefreshDelay = 2 * time.Second
)

// mutatingBrowserTypes participate in the idempotency ledger when they carry
// a client_msg_id.
var mutatingBrowserTypes = map[string]bool{
	types.BrowserUserMessage:        true,
	types.BrowserPermissionResponse: true,
	types.BrowserInterrupt:          true,
	types.BrowserSetModel:           true,
	types.BrowserSetPermissionMode:  true,
	types.BrowserMCPGetStatus:       true,
	types.BrowserMCPToggle:          true,
	types.BrowserMCPReconnect:       true,
	types.BrowserMCPSetServers:      true,
}

// HandleBrowserMessage routes one inbound browser frame: subscribe/ack fast
// path, idempotency gate, then per-type dispatch. User messages detour
// through the per-session serializer so middleware observes wire order.
func (s *Session) HandleBrowserMessage(sock Socket, data []byte) {
	msg, err := types.ParseBrowserMessage(data)
	if err != nil {
		s.log.Debug().Err(err).Msg("dropping unparseable browser frame")
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	switch msg.Type {
	case types.BrowserSessionSubscribe:
		s.handleSubscribeLocked(sock, msg.LastSeq)
		s.mu.Unlock()
		return
	case types.BrowserSessionAck:
		s.handleAckLocked(sock, msg.LastSeq)
		s.mu.Unlock()
		return
	}

	if mutatingBrowserTypes[msg.Type] && msg.ClientMsgID != "" {
		if s.ledger.Seen(msg.ClientMsgID) {
			s.mu.Unlock()
			return
		}
		s.ledger.Remember(msg.ClientMsgID)
		s.persistLocked()
	}

	if msg.Type == types.BrowserUserMessage {
		s.mu.Unlock()
		s.serializer.enqueue(func() { s.processUserMessage(msg) })
		return
	}

	defer s.mu.Unlock()
	s.dispatchBrowserLocked(msg)
}

func (s *Session) dispatchBrowserLocked(msg *types.BrowserMessage) {
	if s.adapterDestinedLocked() {
		// Control messages pass through to the adapter in their original
		// form; permission responses additionally settle the pending table.
		if msg.Type == types.BrowserPermissionResponse {
			if _, ok := s.pending.takePerm(msg.RequestID); ok {
				s.persistLocked()
				s.reg.publish(event.PermissionResolved, msg.RequestID)
			}
			s.pluginEmitLocked(plugin.EventPermissionResponded, msg.RequestID, map[string]any{
				"request_id": msg.RequestID,
				"behavior":   msg.Behavior,
				"automated":  msg.Automated,
			})
		}
		s.sendCLIBoundLocked(msg.Raw)
		return
	}

	switch msg.Type {
	case types.BrowserPermissionResponse:
		s.handlePermissionResponseLocked(msg)
	case types.BrowserInterrupt:
		s.sendControlRequestLocked(uuid.NewString(), map[string]any{
			"subtype": "interrupt",
		})
	case types.BrowserSetModel:
		s.sendControlRequestLocked(uuid.NewString(), map[string]any{
			"subtype": "set_model",
			"model":   msg.Model,
		})
	case types.BrowserSetPermissionMode:
		s.sendControlRequestLocked(uuid.NewString(), map[string]any{
			"subtype": "set_permission_mode",
			"mode":    msg.Mode,
		})
	case types.BrowserMCPGetStatus:
		s.requestMCPStatusLocked()
	case types.BrowserMCPToggle:
		req := map[string]any{
			"subtype":     "mcp_toggle",
			"server_name": msg.ServerName,
		}
		if msg.Enabled != nil {
			req["enabled"] = *msg.Enabled
		}
		s.sendControlRequestLocked(uuid.NewString(), req)
		s.scheduleMCPRefresh(mcpToggleRefreshDelay)
	case types.BrowserMCPReconnect:
		s.sendControlRequestLocked(uuid.NewString(), map[string]any{
			"subtype":     "mcp_reconnect",
			"server_name": msg.ServerName,
		})
		s.scheduleMCPRefresh(mcpReconnectRefreshDelay)
	case types.BrowserMCPSetServers:
		s.sendControlRequestLocked(uuid.NewString(), map[string]any{
			"subtype": "mcp_set_servers",
			"servers": msg.Servers,
		})
		s.scheduleMCPRefresh(mcpSetServersRefreshDelay)
	default:
		s.log.Debug().Str("type", msg.Type).Msg("ignoring unknown browser message type")
	}
}

// processUserMessage runs on the serializer worker: middleware, history,
// broadcast, then the upstream wire form (or the adapter original).
func (s *Session) processUserMessage(msg *types.BrowserMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	content := msg.Content
	images := msg.Images

	res, ok := s.pluginEmitLocked(plugin.EventUserMessageBeforeSend, msg.ClientMsgID, map[string]any{
		"content":     content,
		"image_count": len(images),
	})
	if ok {
		if res.Aborted || (res.Message != nil && res.Message.Blocked) {
			s.publishInsightLocked(types.Insight{
				Level: "warning",
				Title: "user message blocked by plugin",
			})
			return
		}
		if res.Message != nil {
			if res.Message.Content != nil {
				content = *res.Message.Content
			}
			if res.Message.Images != nil {
				images = res.Message.Images
			}
		}
	}

	entry := types.HistoryEntry{
		Kind:      types.HistoryUserMessage,
		ID:        newID(),
		Timestamp: time.Now().UnixMilli(),
		Text:      content,
		Images:    images,
	}
	s.history.append(entry)
	s.persistLocked()

	s.broadcastLocked(&types.UserMessageFrame{
		OutMeta: types.Meta(types.FrameUserMessage),
		ID:      entry.ID,
		Content: content,
		Images:  images,
	}, true)

	if s.adapterDestinedLocked() {
		s.sendCLIBoundLocked(msg.Raw)
	} else {
		s.sendUserWireLocked(content, images)
	}

	s.pluginEmitLocked(plugin.EventUserMessageSent, entry.ID, map[string]any{
		"content": content,
	})
}

// sendUserWireLocked builds the upstream user frame: a plain string, or a
// block array when images ride along.
func (s *Session) sendUserWireLocked(content string, images []types.ImageAttachment) {
	var payload any = content
	if len(images) > 0 {
		blocks := make([]types.ContentBlock, 0, len(images)+1)
		if content != "" {
			blocks = append(blocks, types.ContentBlock{Type: "text", Text: content})
		}
		for _, img := range images {
			blocks = append(blocks, types.ContentBlock{
				Type: "image",
				Source: &types.ImageSource{
					Type:      "base64",
					MediaType: img.MediaType,
					Data:      img.Data,
				},
			})
		}
		payload = blocks
	}

	frame, err := json.Marshal(&types.UserWireMessage{
		Type:            "user",
		Message:         types.UserWirePayload{Role: "user", Content: payload},
		ParentToolUseID: nil,
		SessionID:       s.state.SessionID,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("failed to marshal user message")
		return
	}
	s.sendCLIBoundLocked(frame)
}

// handlePermissionResponseLocked settles a pending permission and answers
// upstream. A response for an unknown request id is still forwarded; the
// upstream treats a forgotten id as inconsequential.
func (s *Session) handlePermissionResponseLocked(msg *types.BrowserMessage) {
	rec, known := s.pending.takePerm(msg.RequestID)

	behavior := msg.Behavior
	switch behavior {
	case "allow", "deny":
	default:
		s.log.Warn().Str("behavior", behavior).Str("request_id", msg.RequestID).
			Msg("unknown permission behavior, treating as deny")
		behavior = "deny"
	}

	result := &types.PermissionResult{Behavior: behavior}
	if behavior == "allow" {
		result.UpdatedInput = msg.UpdatedInput
		if result.UpdatedInput == nil && known {
			result.UpdatedInput = rec.Input
		}
		result.UpdatedPermissions = msg.UpdatedPermissions
	} else {
		result.Message = msg.Message
		if result.Message == "" {
			result.Message = "Denied by user"
		}
	}
	s.sendPermissionResultLocked(msg.RequestID, result)

	if known {
		s.persistLocked()
		s.reg.publish(event.PermissionResolved, msg.RequestID)
	}
	s.pluginEmitLocked(plugin.EventPermissionResponded, msg.RequestID, map[string]any{
		"request_id": msg.RequestID,
		"behavior":   behavior,
		"automated":  msg.Automated,
	})
}

func (s *Session) sendControlRequestLocked(requestID string, request map[string]any) {
	frame, err := json.Marshal(&types.ControlRequestWire{
		Type:      "control_request",
		RequestID: requestID,
		Request:   request,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("failed to marshal control request")
		return
	}
	s.sendCLIBoundLocked(frame)
}

// requestMCPStatusLocked asks the upstream for MCP server state and wires
// the typed response to an mcp_status broadcast.
func (s *Session) requestMCPStatusLocked() {
	requestID := uuid.NewString()
	s.pending.setCtrl(requestID, "mcp_status", func(payload json.RawMessage) {
		s.broadcastLocked(&types.MCPStatusFrame{
			OutMeta: types.Meta(types.FrameMCPStatus),
			Servers: payload,
		}, true)
		s.pluginEmitLocked(plugin.EventMCPStatusChanged, requestID, map[string]any{
			"servers": string(payload),
		})
	})
	s.sendControlRequestLocked(requestID, map[string]any{
		"subtype": "mcp_status",
	})
}

func (s *Session) scheduleMCPRefresh(delay time.Duration) {
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || s.adapterDestinedLocked() {
			return
		}
		s.requestMCPStatusLocked()
	})
}

// handleSubscribeLocked implements the reconnect protocol: no gap, a
// buffer-covered gap replayed in one event_replay, or the history fallback
// plus transient replay when the buffer window cannot cover the gap.
func (s *Session) handleSubscribeLocked(sock Socket, lastSeq int64) {
	next := s.seq.next()
	if lastSeq >= next-1 {
		return
	}

	earliest, ok := s.seq.earliest()
	if !ok || (lastSeq > 0 && lastSeq < earliest-1) {
		s.sendFrameLocked(sock, &types.MessageHistoryFrame{
			OutMeta:  types.Meta(types.FrameMessageHistory),
			Messages: s.history.all(),
		})
		if events := s.seq.transientAfter(lastSeq); len(events) > 0 {
			s.sendFrameLocked(sock, &types.EventReplayFrame{
				OutMeta: types.Meta(types.FrameEventReplay),
				Events:  events,
			})
		}
		return
	}

	if events := s.seq.eventsAfter(lastSeq); len(events) > 0 {
		s.sendFrameLocked(sock, &types.EventReplayFrame{
			OutMeta: types.Meta(types.FrameEventReplay),
			Events:  events,
		})
	}
}

// handleAckLocked advances the per-socket and per-session high-water marks;
// acks never move backwards.
func (s *Session) handleAckLocked(sock Socket, lastSeq int64) {
	if lastSeq > s.seq.next()-1 {
		lastSeq = s.seq.next() - 1
	}
	if conn, ok := s.browsers[sock]; ok && lastSeq > conn.lastAck {
		conn.lastAck = lastSeq
	}
	if lastSeq > s.lastAck {
		s.lastAck = lastSeq
		s.persistLocked()
	}
}
