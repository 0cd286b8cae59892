package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCLIMessageKeepsRawBytes(t *testing.T) {
	line := []byte(`{"type":"stream_event","event":{"delta":"hi"},"extra_field":1}`)
	msg, err := ParseCLIMessage(line)
	require.NoError(t, err)
	assert.Equal(t, "stream_event", msg.Type)
	assert.JSONEq(t, string(line), string(msg.Raw))
}

func TestParseCLIMessageToleratesUnknownFields(t *testing.T) {
	msg, err := ParseCLIMessage([]byte(`{"type":"future_thing","novel":{"deep":true}}`))
	require.NoError(t, err)
	assert.Equal(t, "future_thing", msg.Type)
}

func TestParseBrowserMessagePermissionResponse(t *testing.T) {
	msg, err := ParseBrowserMessage([]byte(`{
		"type": "permission_response",
		"request_id": "r1",
		"behavior": "allow",
		"updated_input": {"command": "ls"},
		"client_msg_id": "c9"
	}`))
	require.NoError(t, err)
	assert.Equal(t, BrowserPermissionResponse, msg.Type)
	assert.Equal(t, "r1", msg.RequestID)
	assert.Equal(t, map[string]any{"command": "ls"}, msg.UpdatedInput)
	assert.Equal(t, "c9", msg.ClientMsgID)
}

func TestOutboundFrameSeqTagging(t *testing.T) {
	f := &StreamEventFrame{OutMeta: Meta(FrameStreamEvent)}
	f.SetSeq(7)

	data, err := json.Marshal(f)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, FrameStreamEvent, out["type"])
	assert.Equal(t, float64(7), out["seq"])
}

func TestOutboundFrameOmitsZeroSeq(t *testing.T) {
	data, err := json.Marshal(&CLIDisconnectedFrame{OutMeta: Meta(FrameCLIDisconnected)})
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	_, hasSeq := out["seq"]
	assert.False(t, hasSeq)
}

func TestUserWireMessageShape(t *testing.T) {
	data, err := json.Marshal(&UserWireMessage{
		Type:            "user",
		Message:         UserWirePayload{Role: "user", Content: "hello"},
		ParentToolUseID: nil,
		SessionID:       "cli-77",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "user",
		"message": {"role": "user", "content": "hello"},
		"parent_tool_use_id": null,
		"session_id": "cli-77"
	}`, string(data))
}

func TestPersistedSessionNormalize(t *testing.T) {
	var p PersistedSession
	require.NoError(t, json.Unmarshal([]byte(`{"id":"s1","state":{},"unknown":true}`), &p))
	p.Normalize()

	assert.Equal(t, int64(1), p.NextSeq)
	assert.Equal(t, int64(0), p.LastAckSeq)
	assert.Equal(t, BackendPrimary, p.State.BackendKind)
}
