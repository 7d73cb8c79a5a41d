package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/agentgraph/internal/engine"
	"github.com/rendis/agentgraph/internal/store"
	"github.com/rendis/agentgraph/pkg/schema"
)

// runResult is the agentgraph.run response.
type runResult struct {
	ExecutionID string             `json:"execution_id"`
	GraphID     string             `json:"graph_id"`
	Status      string             `json:"status"`
	Outputs     map[string]string  `json:"outputs"`
	Nodes       []store.NodeRecord `json:"nodes"`
	Exceptions  []string           `json:"exceptions,omitempty"`
	Items       []json.RawMessage  `json:"items,omitempty"`
}

// handleRun executes a graph and waits for its stream to end.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.executor == nil {
		return mcp.NewToolResultError("no executor configured"), nil
	}
	def, errResult := graphArgument(req)
	if errResult != nil {
		return errResult, nil
	}
	clientID := req.GetString("client_id", "")
	if clientID != "" {
		s.captureSession(ctx, clientID)
	}

	x, err := s.executor.Start(ctx, engine.ExecutionRequest{Graph: def, Input: req.GetString("input", "")})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("graph rejected: %v", err)), nil
	}

	var items []json.RawMessage
	includeItems := req.GetBool("include_items", false)
	res := runResult{ExecutionID: x.ID, GraphID: x.GraphID}
	for item := range x.Items(context.WithoutCancel(ctx)) {
		if ex, ok := item.(*schema.ExceptionResult); ok {
			res.Exceptions = append(res.Exceptions, ex.Message)
		}
		if includeItems {
			raw, err := schema.EncodeItem(item)
			if err != nil {
				s.logger.Warn("encode stream item", "kind", item.Kind(), "error", err)
			} else {
				items = append(items, raw)
			}
		}
		if clientID != "" {
			if err := s.notifier.NotifyItem(ctx, clientID, item); err != nil {
				s.logger.Debug("stream notification failed", "client_id", clientID, "error", err)
			}
		}
	}

	res.Status = x.Wait()
	res.Outputs = x.Outputs()
	res.Nodes = x.Nodes()
	res.Items = items
	return marshalResult(res)
}

// handleValidate reports every issue found in a graph definition.
func (s *Server) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.executor == nil {
		return mcp.NewToolResultError("no executor configured"), nil
	}
	def, errResult := graphArgument(req)
	if errResult != nil {
		return errResult, nil
	}
	res := s.executor.Validate(def)
	return marshalResult(map[string]any{
		"valid":    res.Valid(),
		"errors":   res.Errors,
		"warnings": res.Warnings,
	})
}

// handleQuery lists executions, fetches one, or returns its stream items.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	if s.repository == nil {
		return mcp.NewToolResultError("no execution store configured"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "execution":
		id, _ := filter["execution_id"].(string)
		if id == "" {
			return mcp.NewToolResultError("filter.execution_id is required"), nil
		}
		rec, err := s.repository.GetExecution(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(rec)
	case "items":
		return s.queryItems(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleTools lists registered and unavailable tools.
func (s *Server) handleTools(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.tools == nil {
		return marshalResult(map[string]any{"tools": []schema.ToolDefinition{}})
	}
	return marshalResult(map[string]any{
		"tools":       s.tools.List(),
		"unavailable": s.tools.Unavailable(),
	})
}

// --- Query helpers ---

func (s *Server) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if graphID, ok := filter["graph_id"].(string); ok {
		ef.GraphID = graphID
	}
	if status, ok := filter["status"].(string); ok {
		ef.Status = status
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("since must be RFC3339: %v", err)), nil
		}
		ef.Since = &t
	}

	recs, err := s.repository.ListExecutions(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"executions": recs})
}

func (s *Server) queryItems(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	id, _ := filter["execution_id"].(string)
	if id == "" {
		return mcp.NewToolResultError("filter.execution_id is required"), nil
	}
	items, err := s.repository.ListItems(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	encoded := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		raw, err := schema.EncodeItem(item)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("encode item: %v", err)), nil
		}
		encoded = append(encoded, raw)
	}
	return marshalResult(map[string]any{"execution_id": id, "items": encoded})
}

// --- Internal helpers ---

// graphArgument reads the graph from the "graph" object or, failing that,
// the "graph_yaml" text.
func graphArgument(req mcp.CallToolRequest) (*schema.GraphDefinition, *mcp.CallToolResult) {
	if raw := mcp.ParseStringMap(req, "graph", nil); raw != nil {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, mcp.NewToolResultError(fmt.Sprintf("invalid graph: %v", err))
		}
		def, err := schema.ParseGraph(data)
		if err != nil {
			return nil, mcp.NewToolResultError(fmt.Sprintf("invalid graph: %v", err))
		}
		return def, nil
	}
	text := req.GetString("graph_yaml", "")
	if text == "" {
		return nil, mcp.NewToolResultError("graph or graph_yaml is required")
	}
	def, err := schema.ParseGraph([]byte(text))
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid graph: %v", err))
	}
	return def, nil
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the client ID to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, clientID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(clientID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
