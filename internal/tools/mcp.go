package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/agentgraph/pkg/schema"
)

// ConnectStdioMCP launches an MCP server subprocess and completes the
// initialize handshake.
func ConnectStdioMCP(ctx context.Context, command string, env []string, args ...string) (*client.Client, error) {
	c, err := client.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, fmt.Errorf("start mcp server %q: %w", command, err)
	}
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "agentgraph", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, req); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize mcp server %q: %w", command, err)
	}
	return c, nil
}

// MCPTools adapts every tool of an initialized MCP client into registry
// tools. A non-empty prefix is joined to each name with an underscore, since
// vendor tool names cannot contain dots.
func MCPTools(ctx context.Context, c client.MCPClient, prefix string) ([]Tool, error) {
	res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list mcp tools: %w", err)
	}
	out := make([]Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		params, err := mcpInputSchema(t)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "mcp tool %q: encode input schema", t.Name).WithCause(err)
		}
		name := t.Name
		if prefix != "" {
			name = prefix + "_" + t.Name
		}
		out = append(out, &mcpTool{
			client: c,
			remote: t.Name,
			def: schema.ToolDefinition{
				Name:         name,
				Description:  t.Description,
				Parameters:   params,
				ProviderType: "mcp",
			},
		})
	}
	return out, nil
}

func mcpInputSchema(t mcp.Tool) (json.RawMessage, error) {
	if len(t.RawInputSchema) > 0 {
		return t.RawInputSchema, nil
	}
	doc := map[string]any{"type": "object"}
	if t.InputSchema.Properties != nil {
		doc["properties"] = t.InputSchema.Properties
	} else {
		doc["properties"] = map[string]any{}
	}
	if len(t.InputSchema.Required) > 0 {
		doc["required"] = t.InputSchema.Required
	}
	return json.Marshal(doc)
}

type mcpTool struct {
	client client.MCPClient
	remote string
	def    schema.ToolDefinition
}

func (t *mcpTool) Definition() schema.ToolDefinition { return t.def }

func (t *mcpTool) Invoke(ctx context.Context, args map[string]any) (json.RawMessage, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = t.remote
	req.Params.Arguments = args

	res, err := t.client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcp call %q: %w", t.remote, err)
	}
	text := mcpText(res)
	if res.IsError {
		return nil, schema.NewErrorf(schema.ErrCodeToolFailed, "mcp tool %q: %s", t.remote, text)
	}
	if json.Valid([]byte(text)) && text != "" {
		return json.RawMessage(text), nil
	}
	return json.Marshal(text)
}

// mcpText joins the text parts of a tool result. Non-text parts are noted
// by type so the model knows something was omitted.
func mcpText(res *mcp.CallToolResult) string {
	if res == nil {
		return ""
	}
	parts := make([]string, 0, len(res.Content))
	for _, c := range res.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			parts = append(parts, fmt.Sprintf("[%T omitted]", c))
		}
	}
	return strings.Join(parts, "\n")
}
