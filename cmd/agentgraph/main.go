// Command agentgraph runs agent graphs from the command line and serves them
// over MCP.
//
//	agentgraph run graph.yaml --input "5"
//	agentgraph validate graph.yaml
//	agentgraph chat --provider openai --model gpt-4o-mini "hello"
//	agentgraph mcp
//
// Configuration comes from ~/.agentgraph/settings.yaml, AGENTGRAPH_* and
// provider API key environment variables, and flags, in increasing priority.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/agentgraph/
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := buildRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath  string
	logLevel    string
	logFormat   string
	dbPath      string
	metricsAddr string
	noColor     bool
}

// load resolves the layered configuration and applies flag overrides.
func (o *rootOptions) load() (Config, error) {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return cfg, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		cfg.LogFormat = o.logFormat
	}
	if o.dbPath != "" {
		cfg.DBPath = o.dbPath
	}
	if o.metricsAddr != "" {
		cfg.MetricsAddr = o.metricsAddr
	}
	return cfg, nil
}

func buildRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "agentgraph",
		Short: "Run agent graphs of model, conditional and formatting nodes",
		Long: `agentgraph executes directed graphs of Input, Model, Conditional,
StringFormatter and Output nodes and streams every step as JSON lines.

Model nodes talk to OpenAI, Anthropic or Gemini and may call built-in,
MCP-provided or Microsoft Graph tools.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "settings file (default ~/.agentgraph/settings.yaml)")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&opts.logFormat, "log-format", "", "log format: text or json")
	pf.StringVar(&opts.dbPath, "db", "", "execution store path")
	pf.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	pf.BoolVar(&opts.noColor, "no-color", false, "disable colored logs")

	root.AddCommand(
		buildRunCmd(opts),
		buildValidateCmd(opts),
		buildChatCmd(opts),
		buildToolsCmd(opts),
		buildShowCmd(opts),
		buildListCmd(opts),
		buildMCPCmd(opts),
		buildInitCmd(opts),
		buildVersionCmd(),
	)
	return root
}
