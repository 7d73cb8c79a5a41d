package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/agentgraph/internal/engine"
	"github.com/rendis/agentgraph/internal/logging"
	"github.com/rendis/agentgraph/internal/metrics"
	"github.com/rendis/agentgraph/internal/providers"
	"github.com/rendis/agentgraph/internal/store"
	"github.com/rendis/agentgraph/internal/streaming"
	"github.com/rendis/agentgraph/internal/tools"
)

// app is the wired runtime shared by every command.
type app struct {
	cfg        Config
	logger     *slog.Logger
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	providers  *providers.Registry
	tools      *tools.Registry
	repository store.Repository
	executor   *engine.Executor
	hub        *streaming.Hub

	mcpClients []*client.Client
	metricsSrv *http.Server
}

// appOptions selects the optional parts of the runtime.
type appOptions struct {
	persist  bool // open the execution store
	dryRun   bool // route every Model node to the echo provider
	logOut   io.Writer
	noColor  bool
	observer bool // attach a Hub that sees every stream item
}

func newApp(ctx context.Context, cfg Config, opts appOptions) (*app, error) {
	if opts.logOut == nil {
		opts.logOut = os.Stderr
	}
	a := &app{
		cfg:      cfg,
		logger:   logging.NewLogger(opts.logOut, logging.ParseLevel(cfg.LogLevel), cfg.LogFormat, opts.noColor),
		registry: prometheus.NewRegistry(),
	}
	slog.SetDefault(a.logger)
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	var err error
	if a.providers, err = buildProviders(ctx, cfg); err != nil {
		return nil, err
	}
	if a.tools, err = a.buildTools(ctx); err != nil {
		a.Close()
		return nil, err
	}

	if opts.persist {
		repo, err := store.NewLibSQLRepository("file:" + cfg.DBPath)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := repo.Migrate(ctx); err != nil {
			_ = repo.Close()
			a.Close()
			return nil, err
		}
		a.repository = repo
	}

	ecfg := engine.Config{
		PoolSize:    cfg.PoolSize,
		MaxTurns:    cfg.MaxTurns,
		ToolTimeout: cfg.toolTimeout(),
		Providers:   a.providers,
		Tools:       a.tools,
		Repository:  a.repository,
		Metrics:     a.metrics,
		Logger:      a.logger,
	}
	if opts.observer {
		a.hub = streaming.NewHub()
		ecfg.Observers = []streaming.Publisher{a.hub}
	}
	if opts.dryRun {
		ecfg.ProviderOverride = providers.NewEchoProvider("dry-run")
	}
	if a.executor, err = engine.NewExecutor(ecfg); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.MetricsAddr != "" {
		if err := a.serveMetrics(cfg.MetricsAddr); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

// buildProviders registers the echo provider plus every vendor with an API key.
func buildProviders(ctx context.Context, cfg Config) (*providers.Registry, error) {
	reg := providers.NewRegistry(providers.NewEchoProvider("echo"))
	p := cfg.Providers
	if p.OpenAI.APIKey != "" {
		reg.Register(providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:    p.OpenAI.APIKey,
			BaseURL:   p.OpenAI.BaseURL,
			MaxTokens: p.OpenAI.MaxTokens,
			Retry:     providers.DefaultRetryPolicy(),
		}))
	}
	if p.Anthropic.APIKey != "" {
		reg.Register(providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:    p.Anthropic.APIKey,
			BaseURL:   p.Anthropic.BaseURL,
			MaxTokens: p.Anthropic.MaxTokens,
			Retry:     providers.DefaultRetryPolicy(),
		}))
	}
	if p.Gemini.APIKey != "" {
		gp, err := providers.NewGeminiProvider(ctx, providers.GeminiConfig{
			APIKey:    p.Gemini.APIKey,
			BaseURL:   p.Gemini.BaseURL,
			MaxTokens: p.Gemini.MaxTokens,
			Retry:     providers.DefaultRetryPolicy(),
		})
		if err != nil {
			return nil, err
		}
		reg.Register(gp)
	}
	return reg, nil
}

// buildTools registers the built-ins, every configured MCP server's tools and
// the Microsoft Graph tools. An MCP server that fails to start is logged and
// skipped.
func (a *app) buildTools(ctx context.Context) (*tools.Registry, error) {
	offered := append(tools.Builtins(time.Now), tools.HTTPTools(tools.HTTPConfig{})...)

	for _, srv := range a.cfg.MCPServers {
		c, err := tools.ConnectStdioMCP(ctx, srv.Command, srv.Env, srv.Args...)
		if err != nil {
			a.logger.Warn("mcp server unavailable", slog.String("name", srv.Name), slog.String("error", err.Error()))
			continue
		}
		a.mcpClients = append(a.mcpClients, c)
		mt, err := tools.MCPTools(ctx, c, srv.Name)
		if err != nil {
			a.logger.Warn("list mcp tools", slog.String("name", srv.Name), slog.String("error", err.Error()))
			continue
		}
		offered = append(offered, mt...)
	}

	creds := tools.StaticCredentials{}
	if ms := a.cfg.Microsoft; ms.AccessToken != "" {
		creds[tools.ProviderTypeMicrosoft] = tools.Posture{
			Scopes:  ms.Scopes,
			Secrets: map[string]string{"access_token": ms.AccessToken},
		}
	}
	offered = append(offered, tools.GraphTools(tools.GraphConfig{BaseURL: a.cfg.Microsoft.BaseURL, Credentials: creds})...)

	return tools.Build(ctx, creds, tools.Config{
		Timeout: a.cfg.toolTimeout(),
		Metrics: a.metrics,
		Logger:  a.logger,
	}, offered...)
}

// serveMetrics exposes the registry on addr until Close.
func (a *app) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	a.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server", slog.String("error", err.Error()))
		}
	}()
	a.logger.Info("serving metrics", slog.String("addr", ln.Addr().String()))
	return nil
}

// Close releases everything newApp opened. It is safe on a partial app.
func (a *app) Close() {
	if a.executor != nil {
		a.executor.Close()
	}
	if a.repository != nil {
		if err := a.repository.Close(); err != nil {
			a.logger.Warn("close store", slog.String("error", err.Error()))
		}
	}
	for _, c := range a.mcpClients {
		_ = c.Close()
	}
	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.metricsSrv.Shutdown(ctx)
	}
}
