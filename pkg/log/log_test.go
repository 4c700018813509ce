package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: zerolog.DebugLevel, JSONOutput: true, Output: &buf})

	l := WithSessionID("dev-1", "sess-1")
	cl := WithChannel(l, "default")
	cl.Info().Msg("inform received")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "dev-1", entry["device_id"])
	assert.Equal(t, "sess-1", entry["session_id"])
	assert.Equal(t, "default", entry["channel"])
	assert.Equal(t, "inform received", entry["message"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: zerolog.WarnLevel, JSONOutput: true, Output: &buf})
	defer Init(Config{Level: zerolog.InfoLevel, JSONOutput: true, Output: &bytes.Buffer{}})

	lockLogger := WithComponent("lock")
	lockLogger.Info().Msg("hidden")
	assert.Empty(t, buf.String())

	sessionLogger := WithSessionID("dev-2", "sess-2")
	sessionLogger.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "dev-2")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARN ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"trace", zerolog.TraceLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}
