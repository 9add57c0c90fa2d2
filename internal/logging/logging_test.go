package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"loud":    slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestSetupWriter_JSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := SetupWriter(&buf, Config{Format: "json", Level: "warn"})

	logger.Info("dropped")
	InstanceLogger(logger, "inst-1", "mod-1").Warn("run failed", "status", "trapped")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "run failed", entry["msg"])
	assert.Equal(t, "inst-1", entry["instance_id"])
	assert.Equal(t, "mod-1", entry["module_id"])
	assert.Equal(t, "trapped", entry["status"])
}

func TestSetupWriter_SetsDefault(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	SetupWriter(&buf, Config{Format: "text", Level: "info"})
	Component("scheduler").Info("tick")

	assert.Contains(t, buf.String(), "component=scheduler")
	assert.Contains(t, buf.String(), "msg=tick")
}
