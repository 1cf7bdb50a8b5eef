package logging

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

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	require.NotEmpty(t, line)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	return entry
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTestLogger(&buf, LevelInfo)

	logger.WithFields(map[string]interface{}{
		"gate":    "meld-token",
		"session": "abc",
	}).WithField("eligible", true).Info("eligibility checked")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "eligibility checked", entry["message"])
	assert.Equal(t, "meld-token", entry["gate"])
	assert.Equal(t, "abc", entry["session"])
	assert.Equal(t, true, entry["eligible"])
	assert.Contains(t, entry, "timestamp")
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTestLogger(&buf, LevelDebug)

	logger.ErrorWithErr("issuer failed", errors.New("status 500"))

	entry := decodeLine(t, &buf)
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "status 500", entry["error"])
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTestLogger(&buf, LevelWarn)

	logger.Info("dropped")
	logger.Debugf("dropped %d", 1)
	assert.Empty(t, buf.String())

	logger.Warn("kept")
	assert.Contains(t, buf.String(), "kept")

	buf.Reset()
	logger.SetLevel(LevelDebug)
	logger.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestDerivedLoggerDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewTestLogger(&buf, LevelInfo)
	_ = parent.WithField("child", true)

	parent.Info("parent")
	entry := decodeLine(t, &buf)
	assert.NotContains(t, entry, "child")
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTestLogger(&buf, LevelInfo).WithField("request_id", "r-1")

	ctx := WithLogger(context.Background(), logger)
	FromContext(ctx).Info("from context")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "r-1", entry["request_id"])

	assert.NotNil(t, FromContext(context.Background()))
}

func TestParseLogLevelAndFormat(t *testing.T) {
	assert.Equal(t, LevelWarn, ParseLogLevel("warning"))
	assert.Equal(t, LevelError, ParseLogLevel("error"))
	assert.Equal(t, LevelInfo, ParseLogLevel("verbose"))

	assert.Equal(t, FormatText, ParseLogFormat("text"))
	assert.Equal(t, FormatJSON, ParseLogFormat("yaml"))
}
