package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", ExecutionID(ctx))
	assert.Equal(t, "", NodeID(ctx))
	assert.Equal(t, "", ChatID(ctx))

	ctx = WithExecutionID(ctx, "exec-123")
	ctx = WithNodeID(ctx, "model-1")
	ctx = WithChatID(ctx, "chat-9")

	assert.Equal(t, "exec-123", ExecutionID(ctx))
	assert.Equal(t, "model-1", NodeID(ctx))
	assert.Equal(t, "chat-9", ChatID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithNodeID(WithExecutionID(context.Background(), "exec-abc"), "node-x")
	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "execution_id=exec-abc")
	assert.Contains(t, output, "node_id=node-x")
	assert.NotContains(t, output, "chat_id")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	ctx := WithChatID(WithExecutionID(context.Background(), "exec-1"), "chat-1")
	logger.With("component", "orchestrator").InfoContext(ctx, "turn started")

	output := buf.String()
	assert.Contains(t, output, "execution_id=exec-1")
	assert.Contains(t, output, "chat_id=chat-1")
	assert.Contains(t, output, "component=orchestrator")
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, ParseLevel("debug"), "json", true)

	logger.DebugContext(WithNodeID(context.Background(), "n1"), "hello")

	assert.Contains(t, buf.String(), `"node_id":"n1"`)
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}

func TestNewLogger_TextRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, ParseLevel("warn"), "text", true)

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}
