package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, nil)
	return slog.New(NewCorrelationHandler(inner)), &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestCorrelationHandler_InjectsIDsFromContext(t *testing.T) {
	logger, buf := captureLogger()

	ctx := WithStepID(WithRunID(context.Background(), "run-42"), "step3")
	logger.InfoContext(ctx, "step started")

	entry := decodeLine(t, buf)
	assert.Equal(t, "run-42", entry["run_id"])
	assert.Equal(t, "step3", entry["step_id"])
	assert.Equal(t, "step started", entry["msg"])
}

func TestCorrelationHandler_NoIDsWithoutContextValues(t *testing.T) {
	logger, buf := captureLogger()

	logger.InfoContext(context.Background(), "plain")

	entry := decodeLine(t, buf)
	assert.NotContains(t, entry, "run_id")
	assert.NotContains(t, entry, "step_id")
}

func TestCorrelationHandler_RunIDOnly(t *testing.T) {
	logger, buf := captureLogger()

	logger.InfoContext(WithRunID(context.Background(), "run-7"), "queued")

	entry := decodeLine(t, buf)
	assert.Equal(t, "run-7", entry["run_id"])
	assert.NotContains(t, entry, "step_id")
}

func TestCorrelationHandler_PreservesWithAttrs(t *testing.T) {
	logger, buf := captureLogger()

	logger.With(slog.String("project", "novel")).
		InfoContext(WithRunID(context.Background(), "run-9"), "ready")

	entry := decodeLine(t, buf)
	assert.Equal(t, "novel", entry["project"])
	assert.Equal(t, "run-9", entry["run_id"])
}

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RunID(ctx))
	assert.Empty(t, StepID(ctx))

	ctx = WithRunID(ctx, "r")
	ctx = WithStepID(ctx, "s")
	assert.Equal(t, "r", RunID(ctx))
	assert.Equal(t, "s", StepID(ctx))
}
