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

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNew_Levels(t *testing.T) {
	ctx := context.Background()
	assert.True(t, New("debug", "text").Enabled(ctx, slog.LevelDebug))
	assert.False(t, New("error", "json").Enabled(ctx, slog.LevelInfo))
}

func TestContextIDs(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))
	assert.Empty(t, BatchID(ctx))

	ctx = WithBatchID(WithRequestID(ctx, "req-1"), "batch-9")
	assert.Equal(t, "req-1", RequestID(ctx))
	assert.Equal(t, "batch-9", BatchID(ctx))
}

func TestOr_AttachesIDs(t *testing.T) {
	var buf bytes.Buffer
	fallback := NewWriter(&buf, "info", "json")

	ctx := WithBatchID(WithRequestID(context.Background(), "req-1"), "batch-9")
	Or(ctx, fallback).Info("scored")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "scored", line["msg"])
	assert.Equal(t, "req-1", line["request_id"])
	assert.Equal(t, "batch-9", line["batch_id"])
}

func TestOr_PrefersContextLogger(t *testing.T) {
	var ctxBuf, fallbackBuf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWriter(&ctxBuf, "info", "text"))
	Or(ctx, NewWriter(&fallbackBuf, "info", "text")).Info("hello")

	assert.Contains(t, ctxBuf.String(), "hello")
	assert.Empty(t, fallbackBuf.String())
}

func TestFromContext_Default(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))
	assert.NotNil(t, L(context.Background()))
}
