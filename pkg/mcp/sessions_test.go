package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentgraph/pkg/schema"
)

func TestSessionRegistry_RegisterReplaces(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.SessionFor("client-1")
	assert.False(t, ok)

	r.Register("client-1", "session-old")
	r.Register("client-1", "session-new")

	sid, ok := r.SessionFor("client-1")
	require.True(t, ok)
	assert.Equal(t, "session-new", sid)
	assert.Equal(t, 1, r.Len())
}

func TestSessionRegistry_RemoveDropsEveryClientOfSession(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("client-1", "session-abc")
	r.Register("client-2", "session-abc")
	r.Register("client-3", "session-xyz")

	r.Remove("session-abc")

	_, ok := r.SessionFor("client-1")
	assert.False(t, ok)
	_, ok = r.SessionFor("client-2")
	assert.False(t, ok)
	sid, ok := r.SessionFor("client-3")
	assert.True(t, ok)
	assert.Equal(t, "session-xyz", sid)
}

func TestMCPNotifier_UnknownClientIsIgnored(t *testing.T) {
	sessions := NewSessionRegistry()
	n := NewMCPNotifier(server.NewMCPServer("test", "0"), sessions)

	assert.NoError(t, n.NotifyItem(context.Background(), "nobody", &schema.RequestStart{Input: "x"}))
}

func TestMCPNotifier_ExpiredSessionIsForgotten(t *testing.T) {
	sessions := NewSessionRegistry()
	sessions.Register("client-1", "gone")
	n := NewMCPNotifier(server.NewMCPServer("test", "0"), sessions)

	assert.NoError(t, n.NotifyItem(context.Background(), "client-1", &schema.RequestStart{Input: "x"}))
	assert.Zero(t, sessions.Len())
}

func TestItemNotification(t *testing.T) {
	ex := &schema.ExceptionResult{Code: schema.ErrCodeToolTimeout, Message: "slow"}
	ex.ExecutionID = "exec-1"
	params, err := itemNotification(ex)
	require.NoError(t, err)
	assert.Equal(t, "error", params["level"])
	assert.Equal(t, "agentgraph/exec-1", params["logger"])

	var data map[string]any
	require.NoError(t, json.Unmarshal(params["data"].(json.RawMessage), &data))
	assert.Equal(t, schema.KindExceptionResult, data["MessageType"])
	assert.Equal(t, "exec-1", data["ExecutionId"])

	assert.Equal(t, "debug", itemLevel(&schema.ChatFragment{Text: "hi"}))
	assert.Equal(t, "notice", itemLevel(&schema.RequestEnd{Status: schema.RequestStatusCompleted}))
	assert.Equal(t, "warning", itemLevel(&schema.RequestEnd{Status: schema.RequestStatusFailed}))
	assert.Equal(t, "info", itemLevel(&schema.NodeStart{}))
}
