package mcp

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/agentgraph/pkg/schema"
)

// ItemNotifier forwards an execution's stream items to one MCP client.
type ItemNotifier interface {
	NotifyItem(ctx context.Context, clientID string, item schema.StreamItem) error
}

// MCPNotifier sends stream items as MCP logging notifications. The item's
// tagged JSON is the notification data; the logger names the execution.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier bound to mcpServer's sessions.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// NotifyItem sends item to the client's session. A client without a live
// session is ignored and an expired session is forgotten.
func (n *MCPNotifier) NotifyItem(_ context.Context, clientID string, item schema.StreamItem) error {
	sessionID, ok := n.sessions.SessionFor(clientID)
	if !ok {
		return nil
	}
	params, err := itemNotification(item)
	if err != nil {
		return err
	}
	err = n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", params)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

func itemNotification(item schema.StreamItem) (map[string]any, error) {
	raw, err := schema.EncodeItem(item)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"level":  itemLevel(item),
		"logger": "agentgraph/" + item.Header().ExecutionID,
		"data":   json.RawMessage(raw),
	}, nil
}

// itemLevel maps an item onto an MCP logging level so clients can filter
// model text out and still see failures.
func itemLevel(item schema.StreamItem) string {
	switch it := item.(type) {
	case *schema.ExceptionResult:
		return "error"
	case *schema.RequestEnd:
		if it.Status != schema.RequestStatusCompleted {
			return "warning"
		}
		return "notice"
	case *schema.ChatFragment, *schema.ChatStartFragment, *schema.ChatEndFragment, *schema.TokenUsage:
		return "debug"
	default:
		return "info"
	}
}
