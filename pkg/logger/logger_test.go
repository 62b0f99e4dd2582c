package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestBuildAuditLoggerRequiresPath(t *testing.T) {
	_, err := buildAuditLogger(AuditConfig{Enabled: true})
	assert.Error(t, err)
}

func TestBuildHandlerFormats(t *testing.T) {
	h, err := buildHandler("text", []string{"stderr"}, &slog.HandlerOptions{})
	require.NoError(t, err)
	_, ok := h.(*slog.TextHandler)
	assert.True(t, ok)

	h, err = buildHandler("json", nil, &slog.HandlerOptions{})
	require.NoError(t, err)
	_, ok = h.(*slog.JSONHandler)
	assert.True(t, ok)
}

func TestAuditLoggerWritesJSON(t *testing.T) {
	dir := t.TempDir()
	audit, err := buildAuditLogger(AuditConfig{Enabled: true, Path: dir + "/audit/audit.log"})
	require.NoError(t, err)
	audit.Info("audit", "component", "relay", "event", "wrong_program")
	require.NoError(t, Sync())
}

func TestNamedAddsComponent(t *testing.T) {
	var buf bytes.Buffer
	prev := defaultLogger
	defaultLogger = slog.New(slog.NewJSONHandler(&buf, nil))
	t.Cleanup(func() { defaultLogger = prev })

	Named("indexer").Info("hello")
	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "indexer", record["component"])
}

func TestProgramOutputMirrorsLines(t *testing.T) {
	var buf bytes.Buffer
	prev := defaultLogger
	defaultLogger = slog.New(slog.NewJSONHandler(&buf, nil))
	t.Cleanup(func() {
		defaultLogger = prev
		programLogs.Store(false)
	})

	ProgramOutput("sig", 3, []string{"Program log: Key: foo, Value: bar, Nonce: 1"})
	assert.Zero(t, buf.Len(), "disabled by default")

	programLogs.Store(true)
	ProgramOutput("sig", 3, []string{"Program x invoke [1]", "Program x success"})
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	var record map[string]any
	require.NoError(t, json.Unmarshal(lines[1], &record))
	assert.Equal(t, "program", record["component"])
	assert.Equal(t, "Program x success", record["msg"])
	assert.Equal(t, float64(3), record["slot"])
}
