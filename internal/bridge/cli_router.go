package bridge

import (
	"encoding/json"
	"time"

	"github.com/companion-dev/companion/internal/event"
	"github.com/companion-dev/companion/internal/plugin"
	"github.com/companion-dev/companion/pkg/types"
)

// HandleCLIData feeds a raw chunk from the upstream byte stream through the
// newline-delimited JSON ingress. Unparseable lines are dropped; the rest of
// the chunk is still processed.
func (s *Session) HandleCLIData(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, line := range s.ingress.feed(chunk) {
		msg, err := types.ParseCLIMessage(line)
		if err != nil {
			s.log.Warn().Err(err).Msg("dropping unparseable upstream line")
			continue
		}
		s.routeCLILocked(msg)
	}
}

// HandleUpstreamMessage routes one already-parsed upstream message. The
// subprocess adapter path enters here.
func (s *Session) HandleUpstreamMessage(msg *types.CLIMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routeCLILocked(msg)
}

func (s *Session) routeCLILocked(msg *types.CLIMessage) {
	if s.closed {
		return
	}
	switch msg.Type {
	case types.CLITypeSystem:
		switch msg.Subtype {
		case types.CLISubtypeInit:
			s.handleSystemInitLocked(msg)
		case types.CLISubtypeStatus:
			s.handleSystemStatusLocked(msg)
		default:
			s.log.Debug().Str("subtype", msg.Subtype).Msg("ignoring unknown system subtype")
		}
	case types.CLITypeAssistant:
		s.handleAssistantLocked(msg)
	case types.CLITypeResult:
		s.handleResultLocked(msg)
	case types.CLITypeStreamEvent:
		s.broadcastLocked(&types.StreamEventFrame{
			OutMeta:         types.Meta(types.FrameStreamEvent),
			Event:           msg.Event,
			ParentToolUseID: msg.ParentToolUseID,
		}, true)
	case types.CLITypeToolProgress:
		s.handleToolProgressLocked(msg)
	case types.CLITypeToolUseSummary:
		s.handleToolUseSummaryLocked(msg)
	case types.CLITypeControlRequest:
		s.handleControlRequestLocked(msg)
	case types.CLITypeControlResponse:
		s.handleControlResponseLocked(msg)
	case types.CLITypeAuthStatus:
		s.broadcastLocked(&types.AuthStatusFrame{
			OutMeta:          types.Meta(types.FrameAuthStatus),
			IsAuthenticating: msg.IsAuthenticating,
			Output:           msg.Output,
			Error:            msg.Error,
		}, true)
	case types.CLITypeKeepAlive:
		// Consumed silently.
	default:
		s.log.Debug().Str("type", msg.Type).Msg("ignoring unknown upstream message type")
	}
}

func (s *Session) handleSystemInitLocked(msg *types.CLIMessage) {
	st := &s.state
	if msg.SessionID != "" && msg.SessionID != st.SessionID {
		st.SessionID = msg.SessionID
		s.reg.hooks.fireCLISessionID(s.id, msg.SessionID)
	}
	if msg.Model != "" {
		st.Model = msg.Model
	}
	if msg.Cwd != "" {
		st.Cwd = msg.Cwd
	}
	if msg.Tools != nil {
		st.Tools = msg.Tools
	}
	if msg.PermissionMode != "" {
		st.PermissionMode = msg.PermissionMode
	}
	if msg.MCPServers != nil {
		st.MCPServers = msg.MCPServers
	}
	if msg.Agents != nil {
		st.Agents = msg.Agents
	}
	if msg.SlashCommands != nil {
		st.SlashCommands = msg.SlashCommands
	}
	if msg.Skills != nil {
		st.Skills = msg.Skills
	}
	if msg.Version != "" {
		st.Version = msg.Version
	}

	s.refreshRepoMetaLocked()
	s.broadcastSnapshotLocked()
	s.reg.publish(event.SessionUpdated, s.id)
}

func (s *Session) handleSystemStatusLocked(msg *types.CLIMessage) {
	s.state.IsCompacting = msg.IsCompacting
	if msg.PermissionMode != "" {
		s.state.PermissionMode = msg.PermissionMode
	}
	s.broadcastLocked(&types.StatusChangeFrame{
		OutMeta: types.Meta(types.FrameStatusChange),
		Status: types.StatusInfo{
			IsCompacting:   s.state.IsCompacting,
			PermissionMode: s.state.PermissionMode,
		},
	}, true)
	s.pluginEmitLocked(plugin.EventSessionStatusChanged, "", map[string]any{
		"is_compacting":   s.state.IsCompacting,
		"permission_mode": s.state.PermissionMode,
	})
}

func (s *Session) handleAssistantLocked(msg *types.CLIMessage) {
	s.history.append(types.HistoryEntry{
		Kind:            types.HistoryAssistantMessage,
		ID:              newID(),
		Timestamp:       time.Now().UnixMilli(),
		Message:         msg.Message,
		ParentToolUseID: msg.ParentToolUseID,
	})
	s.broadcastLocked(&types.AssistantFrame{
		OutMeta:         types.Meta(types.FrameAssistant),
		Message:         msg.Message,
		ParentToolUseID: msg.ParentToolUseID,
	}, true)

	text, toolNames := extractAssistantContent(msg.Message)
	s.pluginEmitLocked(plugin.EventMessageAssistant, "", map[string]any{
		"text":       text,
		"tool_names": toolNames,
	})
}

func (s *Session) handleResultLocked(msg *types.CLIMessage) {
	st := &s.state
	st.TotalCostUSD = msg.TotalCostUSD
	st.NumTurns = msg.NumTurns
	if msg.TotalLinesAdded > 0 || msg.TotalLinesRemoved > 0 {
		st.TotalLinesAdded = msg.TotalLinesAdded
		st.TotalLinesRemoved = msg.TotalLinesRemoved
	}
	st.ContextUsedPercent = contextPercent(st.Model, msg.ModelUsage)

	s.refreshRepoMetaLocked()

	s.history.append(types.HistoryEntry{
		Kind:      types.HistoryResult,
		ID:        newID(),
		Timestamp: time.Now().UnixMilli(),
		Result: &types.ResultInfo{
			TotalCostUSD: msg.TotalCostUSD,
			NumTurns:     msg.NumTurns,
			Usage:        msg.Usage,
			IsError:      msg.IsError,
			Summary:      msg.Result,
		},
	})
	s.broadcastLocked(&types.ResultFrame{
		OutMeta: types.Meta(types.FrameResult),
		Data:    msg.Raw,
	}, true)

	s.pluginEmitLocked(plugin.EventResultReceived, "", map[string]any{
		"is_error":       msg.IsError,
		"num_turns":      msg.NumTurns,
		"total_cost_usd": msg.TotalCostUSD,
	})

	if !msg.IsError && !s.autoNamingDone {
		if text, ok := s.history.firstUserText(); ok {
			s.autoNamingDone = true
			s.reg.hooks.fireFirstTurn(s.id, text)
			if name := deriveSessionName(text); name != "" {
				s.broadcastLocked(&types.SessionNameUpdateFrame{
					OutMeta: types.Meta(types.FrameSessionNameUpdate),
					Name:    name,
				}, true)
			}
		}
	}
	s.persistLocked()
	s.reg.publish(event.SessionUpdated, s.id)
}

func (s *Session) handleToolProgressLocked(msg *types.CLIMessage) {
	if msg.ToolUseID != "" {
		if _, seen := s.startedTools[msg.ToolUseID]; !seen {
			s.startedTools[msg.ToolUseID] = struct{}{}
			s.pluginEmitLocked(plugin.EventToolStarted, msg.ToolUseID, map[string]any{
				"tool_use_id": msg.ToolUseID,
				"tool_name":   msg.ToolName,
			})
		}
	}
	s.broadcastLocked(&types.ToolProgressFrame{
		OutMeta:            types.Meta(types.FrameToolProgress),
		ToolUseID:          msg.ToolUseID,
		ToolName:           msg.ToolName,
		ElapsedTimeSeconds: msg.ElapsedTimeSeconds,
	}, true)
}

func (s *Session) handleToolUseSummaryLocked(msg *types.CLIMessage) {
	for _, id := range msg.ToolUseIDs {
		delete(s.startedTools, id)
		s.pluginEmitLocked(plugin.EventToolFinished, id, map[string]any{
			"tool_use_id": id,
		})
	}
	s.broadcastLocked(&types.ToolUseSummaryFrame{
		OutMeta:    types.Meta(types.FrameToolUseSummary),
		Summary:    msg.Summary,
		ToolUseIDs: msg.ToolUseIDs,
	}, true)
}

func (s *Session) handleControlRequestLocked(msg *types.CLIMessage) {
	if msg.Request == nil || msg.Request.Subtype != types.ControlSubtypeCanUseTool {
		s.log.Debug().Str("request_id", msg.RequestID).Msg("ignoring unsupported control request")
		return
	}
	rec := types.PermissionRecord{
		RequestID:   msg.RequestID,
		ToolName:    msg.Request.ToolName,
		Input:       msg.Request.Input,
		Description: msg.Request.Description,
		ToolUseID:   msg.Request.ToolUseID,
		AgentID:     msg.Request.AgentID,
		Timestamp:   time.Now().UnixMilli(),
	}
	s.handlePermissionRequestLocked(rec)
}

// handlePermissionRequestLocked runs the middleware first; a plugin decision
// or abort answers upstream directly and browsers only see the insight. With
// no decision (or after a plugin fault) the request goes to the human
// prompt: pending table plus a permission_request broadcast.
func (s *Session) handlePermissionRequestLocked(rec types.PermissionRecord) {
	if s.reg.plugins.Enabled() {
		res, ok := s.pluginEmitLocked(plugin.EventPermissionRequested, rec.RequestID, map[string]any{
			"request_id":  rec.RequestID,
			"tool_name":   rec.ToolName,
			"input":       rec.Input,
			"description": rec.Description,
			"tool_use_id": rec.ToolUseID,
		})
		if ok {
			if res.Aborted {
				s.sendPermissionResultLocked(rec.RequestID, &types.PermissionResult{
					Behavior: "deny",
					Message:  "Denied by plugin",
				})
				s.publishInsightLocked(types.Insight{
					Level:  "warning",
					Title:  "permission denied (automated)",
					Detail: rec.ToolName,
				})
				s.pluginEmitLocked(plugin.EventPermissionResponded, rec.RequestID, map[string]any{
					"request_id": rec.RequestID,
					"behavior":   "deny",
					"automated":  true,
					"aborted":    true,
				})
				s.reg.publish(event.PermissionResolved, rec.RequestID)
				return
			}
			if decision := res.Permission; decision != nil {
				result := &types.PermissionResult{Behavior: decision.Behavior}
				if decision.Behavior == "allow" {
					result.UpdatedInput = decision.UpdatedInput
					if result.UpdatedInput == nil {
						result.UpdatedInput = rec.Input
					}
				} else {
					result.Behavior = "deny"
					result.Message = decision.Message
					if result.Message == "" {
						result.Message = "Denied by plugin"
					}
				}
				s.sendPermissionResultLocked(rec.RequestID, result)
				s.publishInsightLocked(types.Insight{
					PluginID: decision.PluginID,
					Level:    "info",
					Title:    "permission " + result.Behavior + " (automated)",
					Detail:   rec.ToolName,
				})
				s.pluginEmitLocked(plugin.EventPermissionResponded, rec.RequestID, map[string]any{
					"request_id": rec.RequestID,
					"behavior":   result.Behavior,
					"automated":  true,
					"plugin_id":  decision.PluginID,
				})
				s.reg.publish(event.PermissionResolved, rec.RequestID)
				return
			}
		}
	}

	s.pending.setPerm(rec)
	s.persistLocked()
	s.broadcastLocked(&types.PermissionRequestFrame{
		OutMeta: types.Meta(types.FramePermissionRequest),
		Request: &rec,
	}, true)
	s.reg.publish(event.PermissionRequested, rec)
}

func (s *Session) handleControlResponseLocked(msg *types.CLIMessage) {
	if msg.Response == nil {
		return
	}
	c, ok := s.pending.takeCtrl(msg.Response.RequestID)
	if !ok {
		s.log.Debug().Str("request_id", msg.Response.RequestID).Msg("discarding unmatched control response")
		return
	}
	if msg.Response.Subtype == "error" || msg.Response.Error != "" {
		s.log.Error().
			Str("request_id", msg.Response.RequestID).
			Str("subtype", c.subtype).
			Str("error", msg.Response.Error).
			Msg("control request failed")
		return
	}
	if c.done != nil {
		c.done(msg.Response.Response)
	}
}

// sendPermissionResultLocked answers a can_use_tool request toward the
// backend: wire form for the primary upstream, original browser form for a
// subprocess adapter.
func (s *Session) sendPermissionResultLocked(requestID string, result *types.PermissionResult) {
	var frame []byte
	var err error
	if s.adapterDestinedLocked() {
		frame, err = json.Marshal(&types.BrowserMessage{
			Type:         types.BrowserPermissionResponse,
			RequestID:    requestID,
			Behavior:     result.Behavior,
			UpdatedInput: result.UpdatedInput,
			Message:      result.Message,
			Automated:    true,
		})
	} else {
		frame, err = json.Marshal(&types.ControlResponseWire{
			Type: "control_response",
			Response: types.ControlResponseWirePayload{
				Subtype:   "success",
				RequestID: requestID,
				Response:  result,
			},
		})
	}
	if err != nil {
		s.log.Error().Err(err).Msg("failed to marshal permission result")
		return
	}
	s.sendCLIBoundLocked(frame)
}

// contextPercent derives context usage from per-model token counts,
// preferring the session's current model.
func contextPercent(model string, usage map[string]types.ModelUsage) float64 {
	if len(usage) == 0 {
		return 0
	}
	mu, ok := usage[model]
	if !ok || mu.ContextWindow == 0 {
		for _, candidate := range usage {
			if candidate.ContextWindow > 0 {
				mu = candidate
				break
			}
		}
	}
	if mu.ContextWindow == 0 {
		return 0
	}
	pct := float64(mu.InputTokens+mu.OutputTokens) / float64(mu.ContextWindow) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// extractAssistantContent pulls the plain text and tool-use names out of an
// assistant message's content blocks.
func extractAssistantContent(message json.RawMessage) (string, []string) {
	if len(message) == 0 {
		return "", nil
	}
	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
			Name string `json:"name"`
		} `json:"content"`
	}
	if err := json.Unmarshal(message, &parsed); err != nil {
		return "", nil
	}
	var text string
	var toolNames []string
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			if text != "" {
				text += "\n"
			}
			text += block.Text
		case "tool_use":
			if block.Name != "" {
				toolNames = append(toolNames, block.Name)
			}
		}
	}
	return text, toolNames
}
