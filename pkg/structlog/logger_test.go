package structlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
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
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLogger_SanitizesSensitiveFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("test", LevelDebug, &buf)

	l.Info("remote command", Fields{"master_password": "hunter2", "smtp_password": "x", "sender": "+1555"})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "MASKED", lines[0]["master_password"])
	assert.Equal(t, "MASKED", lines[0]["smtp_password"])
	assert.Equal(t, "+1555", lines[0]["sender"])
	assert.NotContains(t, buf.String(), "hunter2")
}

func TestLogger_LevelThreshold(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("test", LevelWarn, &buf)

	l.Debug("skip", nil)
	l.Info("skip", nil)
	l.Warn("keep", nil)
	l.Error("keep", Fields{"error": errors.New("boom")})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "WARN", lines[0]["level"])
	assert.Equal(t, "boom", lines[1]["error"])
	assert.NotEmpty(t, lines[1]["caller"])
}

func TestLogger_ChildSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger("parent", LevelInfo, &buf)
	child := parent.Named("child").WithFields(Fields{"incident_id": "abc"})

	parent.SetLevel(LevelError)
	child.Info("dropped", nil)
	child.Error("kept", nil)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "child", lines[0]["component"])
	assert.Equal(t, "abc", lines[0]["incident_id"])
}

func TestCorrelationID(t *testing.T) {
	ctx, id := GetOrCreateCorrelationID(context.Background())
	assert.NotEmpty(t, id)

	again, id2 := GetOrCreateCorrelationID(ctx)
	assert.Equal(t, id, id2)
	assert.Equal(t, id, GetCorrelationID(again))

	var buf bytes.Buffer
	NewLogger("test", LevelInfo, &buf).WithContext(ctx).Info("hello", nil)
	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, id, lines[0]["correlation_id"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel("nonsense"))
}
