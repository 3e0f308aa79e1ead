package log

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

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestSetupWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "jobd.log")
	require.NoError(t, Setup(Options{Level: "DEBUG", File: path}))
	t.Cleanup(func() { _ = Close() })

	WithComponent("test-comp").Info("hello")
	require.NoError(t, Flush())

	b, err := os.ReadFile(path)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(b), &out))
	assert.Equal(t, "test-comp", out["component"])
	assert.Equal(t, "hello", out["msg"])
}

func TestSetupTeesToConsole(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "jobd.log")
	require.NoError(t, Setup(Options{File: path, Console: &console, Format: "text"}))
	t.Cleanup(func() { _ = Close() })

	Info("to both")
	require.NoError(t, Flush())

	assert.Contains(t, console.String(), "to both")
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "to both")
}

func TestWithJob(t *testing.T) {
	var buf bytes.Buffer
	mu.Lock()
	logger = slog.New(slog.NewJSONHandler(&buf, nil))
	mu.Unlock()

	WithJob("job-123").Info("job msg")

	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "job-123", out["job_id"])
}

func TestSetLevelAppliesInPlace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobd.log")
	require.NoError(t, Setup(Options{Level: "INFO", File: path}))
	t.Cleanup(func() { _ = Close() })

	Debug("hidden")
	SetLevel("debug")
	Debug("visible")
	require.NoError(t, Flush())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "hidden")
	assert.Contains(t, string(b), "visible")
}

func TestBufferedWriterFlushAndDiscard(t *testing.T) {
	var out bytes.Buffer
	w := NewBufferedWriter(&out, 3)

	_, _ = w.Write([]byte("one\n"))
	_, _ = w.Write([]byte("two\n"))
	assert.Equal(t, 2, w.Pending())
	assert.Empty(t, out.String())

	require.NoError(t, w.Flush())
	assert.Equal(t, "one\ntwo\n", out.String())

	_, _ = w.Write([]byte("dropped\n"))
	w.Discard()
	require.NoError(t, w.Flush())
	assert.False(t, strings.Contains(out.String(), "dropped"))

	for _, s := range []string{"a\n", "b\n", "c\n"} {
		_, _ = w.Write([]byte(s))
	}
	assert.Equal(t, 0, w.Pending())
	assert.True(t, strings.HasSuffix(out.String(), "a\nb\nc\n"))
}
