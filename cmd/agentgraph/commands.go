package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Execution Commands
// =============================================================================

func buildRunCmd(opts *rootOptions) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run <graph.yaml|graph.json>",
		Short: "Execute a graph and stream its items as JSON lines",
		Example: `  # Run with an inline input
  agentgraph run examples/graphs/number-words.yaml --input 5

  # Exercise the graph without calling any model
  agentgraph run examples/graphs/triage.yaml --input-file ticket.txt --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGraph(cmd.Context(), opts, args[0], f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&f.input, "input", "i", "", "initial input")
	cmd.Flags().StringVar(&f.inputFile, "input-file", "", "read the initial input from a file (- for stdin)")
	cmd.Flags().BoolVar(&f.persist, "persist", false, "save the execution to the store")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "replace every model with the echo provider")
	cmd.Flags().BoolVar(&f.outputsOnly, "outputs", false, "print only the Output node texts")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "cancel the execution after this long")
	cmd.Flags().BoolVar(&f.watch, "watch", false, "log tool calls and token usage to stderr while running")
	return cmd
}

func buildValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <graph.yaml|graph.json>",
		Short: "Check a graph definition without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateGraph(cmd.Context(), opts, args[0], cmd.OutOrStdout())
		},
	}
}

func buildChatCmd(opts *rootOptions) *cobra.Command {
	var f chatFlags
	cmd := &cobra.Command{
		Use:     "chat <message>",
		Short:   "Run one model exchange outside a graph",
		Example: `  agentgraph chat --provider anthropic --model claude-sonnet-4-5 --tool current_time "what time is it in Tokyo?"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), opts, args[0], f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.provider, "provider", "echo", "provider ID")
	cmd.Flags().StringVar(&f.model, "model", "", "model name")
	cmd.Flags().StringVar(&f.system, "system", "", "system prompt")
	cmd.Flags().StringSliceVar(&f.tools, "tool", nil, "tool the model may call (repeatable)")
	cmd.Flags().IntVar(&f.maxTurns, "max-turns", 0, "provider turn limit")
	return cmd
}

// =============================================================================
// Inspection Commands
// =============================================================================

func buildToolsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List tools available to Model nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listTools(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
}

func buildShowCmd(opts *rootOptions) *cobra.Command {
	var items bool
	cmd := &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Print a persisted execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showExecution(cmd.Context(), opts, args[0], items, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&items, "items", false, "print the stream items instead of the summary")
	return cmd
}

func buildListCmd(opts *rootOptions) *cobra.Command {
	var f listFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted executions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listExecutions(cmd.Context(), opts, f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.graphID, "graph", "", "only this graph ID")
	cmd.Flags().StringVar(&f.status, "status", "", "only this status: Completed, Failed, Cancelled")
	cmd.Flags().DurationVar(&f.since, "since", 0, "only executions started within this window")
	cmd.Flags().IntVar(&f.limit, "limit", 20, "maximum executions to print")
	return cmd
}

// =============================================================================
// Server and Setup Commands
// =============================================================================

func buildMCPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve agentgraph tools over MCP on stdio",
		Long: `Serve agentgraph.run, agentgraph.validate, agentgraph.query and agentgraph.tools
over the MCP stdio transport. Executions are persisted so agentgraph.query can
inspect them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serveMCP(cmd.Context(), opts)
		},
	}
}

func buildInitCmd(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a settings file with the current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return initSettings(opts, force, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing settings file")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

type runFlags struct {
	input       string
	inputFile   string
	persist     bool
	dryRun      bool
	outputsOnly bool
	watch       bool
	timeout     time.Duration
}

type chatFlags struct {
	provider string
	model    string
	system   string
	tools    []string
	maxTurns int
}

type listFlags struct {
	graphID string
	status  string
	since   time.Duration
	limit   int
}
