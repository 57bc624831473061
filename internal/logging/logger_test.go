// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry), "line: %s", line)
		out = append(out, entry)
	}
	return out
}

func TestInit_idempotent(t *testing.T) {
	global = nil
	once = *new(sync.Once)

	var buf1, buf2 bytes.Buffer
	Init(&buf1, LevelInfo)
	first := Get()

	Init(&buf2, LevelDebug)
	assert.Same(t, first, Get())
	assert.Equal(t, LevelInfo, Get().minLevel)
}

func TestLogLevel_shouldLog(t *testing.T) {
	tests := []struct {
		min   LogLevel
		level LogLevel
		want  bool
	}{
		{LevelDebug, LevelDebug, true},
		{LevelInfo, LevelDebug, false},
		{LevelInfo, LevelWarn, true},
		{LevelWarn, LevelInfo, false},
		{LevelError, LevelWarn, false},
		{LevelError, LevelError, true},
	}

	for _, tt := range tests {
		l := New(io.Discard, tt.min)
		assert.Equal(t, tt.want, l.shouldLog(tt.level), "min=%s level=%s", tt.min, tt.level)
	}
}

func TestLogger_jsonFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo)

	l.Info("queue drained", map[string]interface{}{"pending": 0, "entity_id": "med-1"})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "queue drained", entries[0]["message"])
	assert.Equal(t, "info", entries[0]["level"])
	assert.Equal(t, "med-1", entries[0]["entity_id"])
	assert.Contains(t, entries[0], "timestamp")
}

func TestLogger_Error(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo)

	l.Error("upload failed", io.ErrUnexpectedEOF, map[string]interface{}{"batch": 2})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "error", entries[0]["level"])
	assert.Equal(t, io.ErrUnexpectedEOF.Error(), entries[0]["error"])
	assert.EqualValues(t, 2, entries[0]["batch"])
}

func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo)

	l.ErrorWithCode("download failed", "TRANSPORT_ERROR", io.EOF, map[string]interface{}{"cursor": "0"})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "TRANSPORT_ERROR", entries[0]["error_code"])
	assert.Equal(t, "0", entries[0]["cursor"])
}

func TestLogger_filtering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn)

	l.Debug("debug")
	l.Info("info")
	l.Warn("warn")
	l.Error("error", nil)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "warn", entries[0]["message"])
	assert.Equal(t, "error", entries[1]["message"])
}

func TestLogger_getContext(t *testing.T) {
	l := New(io.Discard, LevelInfo)

	assert.Nil(t, l.getContext())
	merged := l.getContext(map[string]interface{}{"a": 1}, map[string]interface{}{"b": 2})
	assert.Equal(t, map[string]interface{}{"a": 1, "b": 2}, merged)
}

func TestLogger_concurrentLogging(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			l.Info("tick", map[string]interface{}{"n": n})
		}(i)
	}
	wg.Wait()

	assert.Len(t, decodeLines(t, &buf), 20)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("ERROR"))
	assert.Equal(t, LevelInfo, ParseLevel("bogus"))
}
