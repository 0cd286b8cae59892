package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{" warn ", WarnLevel},
		{"warning", WarnLevel},
		{"Error", ErrorLevel},
		{"nonsense", InfoLevel},
		{"", InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "input %q", tt.in)
	}
}

func TestInitWritesStructuredOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, Output: &buf})
	defer Init(DefaultConfig())

	Info().Str("key", "value").Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["message"])
	assert.Equal(t, "value", entry["key"])
	assert.Equal(t, "info", entry["level"])
	assert.Contains(t, entry, "time")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, Output: &buf})
	defer Init(DefaultConfig())

	Debug().Msg("hidden")
	Info().Msg("also hidden")
	assert.Zero(t, buf.Len())

	Warn().Msg("visible")
	assert.NotZero(t, buf.Len())
}
