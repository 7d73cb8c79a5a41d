package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/agentgraph/internal/engine"
	"github.com/rendis/agentgraph/internal/store"
	"github.com/rendis/agentgraph/internal/tools"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Executor   *engine.Executor
	Repository store.Repository // optional; enables agentgraph.query
	Tools      *tools.Registry  // optional; listed by agentgraph.tools
	Logger     *slog.Logger
	Version    string
}

// Server exposes the agent graph executor as MCP tools so other agents can
// validate and run graphs.
type Server struct {
	executor   *engine.Executor
	repository store.Repository
	tools      *tools.Registry
	sessions   *SessionRegistry
	notifier   ItemNotifier
	logger     *slog.Logger
	mcpServer  *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		executor:   deps.Executor,
		repository: deps.Repository,
		tools:      deps.Tools,
		sessions:   NewSessionRegistry(),
		logger:     logger,
	}

	mcpSrv := server.NewMCPServer(
		"agentgraph",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("agentgraph runs agent graphs: Input, Model, Conditional, StringFormatter and Output nodes wired into a DAG. "+
			"Use agentgraph.validate to check a graph, agentgraph.run to execute one, agentgraph.query to inspect past executions "+
			"and agentgraph.tools to list the tools Model nodes may call."),
	)
	mcpSrv.AddTools(s.serverTools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) serverTools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: toolsTool(), Handler: s.handleTools},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("agentgraph.run",
		mcp.WithDescription("Execute an agent graph and return its outputs and stream"),
		mcp.WithObject("graph", mcp.Description("Graph definition object (nodes, edges)")),
		mcp.WithString("graph_yaml", mcp.Description("Graph definition as YAML or JSON text, used when graph is absent")),
		mcp.WithString("input", mcp.Description("Initial input passed to Input nodes")),
		mcp.WithString("client_id", mcp.Description("Caller ID; stream items are pushed to its session as notifications")),
		mcp.WithBoolean("include_items", mcp.Description("Return every stream item (default: false)")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("agentgraph.validate",
		mcp.WithDescription("Validate an agent graph definition without running it"),
		mcp.WithObject("graph", mcp.Description("Graph definition object (nodes, edges)")),
		mcp.WithString("graph_yaml", mcp.Description("Graph definition as YAML or JSON text, used when graph is absent")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("agentgraph.query",
		mcp.WithDescription("Query persisted executions or the stream items of one execution"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("executions", "execution", "items"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (execution_id, graph_id, status, since, limit, offset)")),
	)
}

func toolsTool() mcp.Tool {
	return mcp.NewTool("agentgraph.tools",
		mcp.WithDescription("List the tools available to Model nodes"),
	)
}
