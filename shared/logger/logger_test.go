package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		out = append(out, entry)
	}
	return out
}

func TestNew_JSONLevels(t *testing.T) {
	tests := []struct {
		level    string
		wantMsgs []string
	}{
		{level: "debug", wantMsgs: []string{"debug", "info", "warn", "error"}},
		{level: "info", wantMsgs: []string{"info", "warn", "error"}},
		{level: "", wantMsgs: []string{"info", "warn", "error"}},
		{level: "WARN", wantMsgs: []string{"warn", "error"}},
		{level: "warning", wantMsgs: []string{"warn", "error"}},
		{level: "error", wantMsgs: []string{"error"}},
		{level: "verbose", wantMsgs: []string{"info", "warn", "error"}},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := New(&Config{Level: tt.level, Format: "json", writer: &buf})
			require.NoError(t, err)

			logger.Debug("debug")
			logger.Info("info")
			logger.Warn("warn")
			logger.Error("error")

			var got []string
			for _, entry := range decodeLines(t, &buf) {
				got = append(got, entry["msg"].(string))
			}
			assert.Equal(t, tt.wantMsgs, got)
		})
	}
}

func TestNew_ServiceAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&Config{
		Format:  "json",
		Service: "job-worker-service",
		Version: "1.2.0",
		writer:  &buf,
	})
	require.NoError(t, err)

	logger.Info("Job completed", slog.String("job_id", "j1"), slog.Int("attempts", 2))

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "job-worker-service", entries[0]["service"])
	assert.Equal(t, "1.2.0", entries[0]["version"])
	assert.Equal(t, "j1", entries[0]["job_id"])
	assert.Equal(t, float64(2), entries[0]["attempts"])
	assert.Contains(t, entries[0], "time")
}

func TestNew_SourceLocation(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&Config{Format: "json", EnableSource: true, writer: &buf})
	require.NoError(t, err)

	logger.Info("with source")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	source, ok := entries[0]["source"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, source["file"], "logger_test.go")
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&Config{Level: "info", Format: "console", Service: "job-api-service", writer: &buf})
	require.NoError(t, err)

	logger.Info("Starting HTTP server", slog.String("address", ":8080"))

	out := buf.String()
	assert.Contains(t, out, "INF")
	assert.Contains(t, out, "Starting HTTP server")
	assert.Contains(t, out, "address=:8080")
	assert.Contains(t, out, "service=job-api-service")
	assert.NotContains(t, out, "\x1b[", "no color codes outside a terminal")
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.log")

	logger, err := New(&Config{Format: "json", Output: path})
	require.NoError(t, err)

	logger.Info("written to file", slog.String("job_id", "j1"))
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"job_id":"j1"`)
}

func TestNew_FileOutputError(t *testing.T) {
	logger, err := New(&Config{
		Format: "json",
		Output: filepath.Join(t.TempDir(), "missing", "dir", "service.log"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open log file")
	assert.Nil(t, logger)
}

func TestLogger_CloseStdout(t *testing.T) {
	logger, err := New(&Config{Output: "stdout"})
	require.NoError(t, err)
	assert.NoError(t, logger.Close())
}
