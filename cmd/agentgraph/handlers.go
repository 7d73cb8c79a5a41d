package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/agentgraph/internal/chat"
	"github.com/rendis/agentgraph/internal/engine"
	"github.com/rendis/agentgraph/internal/store"
	"github.com/rendis/agentgraph/internal/streaming"
	"github.com/rendis/agentgraph/internal/tools"
	"github.com/rendis/agentgraph/pkg/mcp"
	"github.com/rendis/agentgraph/pkg/schema"
)

// stdin is swapped in tests.
var stdin io.Reader = os.Stdin

// watchedKinds are the items --watch logs while a run streams.
var watchedKinds = []string{
	schema.KindToolCall,
	schema.KindToolResult,
	schema.KindTokenUsage,
	schema.KindExceptionResult,
}

func openApp(ctx context.Context, opts *rootOptions, ao appOptions) (*app, error) {
	cfg, err := opts.load()
	if err != nil {
		return nil, err
	}
	ao.noColor = ao.noColor || opts.noColor
	return newApp(ctx, cfg, ao)
}

func runGraph(ctx context.Context, opts *rootOptions, path string, f runFlags, out io.Writer) error {
	def, err := schema.LoadGraphFile(path)
	if err != nil {
		return err
	}
	input, err := readInput(f)
	if err != nil {
		return err
	}

	a, err := openApp(ctx, opts, appOptions{persist: f.persist, dryRun: f.dryRun, observer: f.watch})
	if err != nil {
		return err
	}
	defer a.Close()

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	x, err := a.executor.Start(ctx, engine.ExecutionRequest{Graph: def, Input: input})
	if err != nil {
		return err
	}
	if f.watch {
		stop, err := a.watch(ctx, x.ID)
		if err != nil {
			x.Cancel()
			return err
		}
		defer stop()
	}

	// The stream always ends with RequestEnd, even after ctx is cancelled.
	for item := range x.Items(context.WithoutCancel(ctx)) {
		if f.outputsOnly {
			continue
		}
		if err := writeItem(out, item); err != nil {
			x.Cancel()
			return err
		}
	}

	status := x.Wait()
	if f.outputsOnly {
		writeOutputs(out, x.Outputs())
	}
	if status != schema.RequestStatusCompleted {
		return fmt.Errorf("execution %s %s", x.ID, strings.ToLower(status))
	}
	return nil
}

// watch logs the tool and usage items of one execution until the returned
// stop func is called.
func (a *app) watch(ctx context.Context, executionID string) (func(), error) {
	ch, cancel, err := a.hub.Subscribe(ctx, streaming.Filter{ExecutionID: executionID, Kinds: watchedKinds})
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case item := <-ch:
				a.logItem(item)
			}
		}
	}()
	return func() {
		cancel()
		close(done)
	}, nil
}

func (a *app) logItem(item schema.StreamItem) {
	switch it := item.(type) {
	case *schema.ToolCall:
		a.logger.Info("tool call", slog.String("node_id", it.NodeID), slog.String("tool", it.ToolName),
			slog.String("arguments", string(it.QueryParameters)))
	case *schema.ToolResult:
		a.logger.Info("tool result", slog.String("node_id", it.NodeID), slog.String("tool", it.ToolName),
			slog.Int64("duration_ms", it.DurationMs))
	case *schema.TokenUsage:
		a.logger.Info("token usage", slog.String("node_id", it.NodeID),
			slog.Int64("input_tokens", it.InputTokens), slog.Int64("output_tokens", it.OutputTokens))
	case *schema.ExceptionResult:
		a.logger.Warn("exception", slog.String("code", it.Code), slog.String("message", it.Message))
	}
}

// readInput returns the --input value or the contents of --input-file.
func readInput(f runFlags) (string, error) {
	switch {
	case f.inputFile == "":
		return f.input, nil
	case f.input != "":
		return "", errors.New("--input and --input-file are mutually exclusive")
	case f.inputFile == "-":
		data, err := io.ReadAll(stdin)
		return string(data), err
	default:
		data, err := os.ReadFile(f.inputFile)
		if err != nil {
			return "", fmt.Errorf("read input: %w", err)
		}
		return string(data), nil
	}
}

func writeItem(out io.Writer, item schema.StreamItem) error {
	data, err := schema.EncodeItem(item)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s\n", data)
	return err
}

// writeOutputs prints a lone output as is and several as "id: text" lines.
func writeOutputs(out io.Writer, outputs map[string]string) {
	ids := make([]string, 0, len(outputs))
	for id := range outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if len(ids) == 1 {
			fmt.Fprintln(out, outputs[id])
			continue
		}
		fmt.Fprintf(out, "%s: %s\n", id, outputs[id])
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func validateGraph(ctx context.Context, opts *rootOptions, path string, out io.Writer) error {
	def, err := schema.LoadGraphFile(path)
	if err != nil {
		return err
	}
	a, err := openApp(ctx, opts, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	res := a.executor.Validate(def)
	if err := writeJSON(out, struct {
		Valid bool `json:"valid"`
		*schema.ValidationResult
	}{res.Valid(), res}); err != nil {
		return err
	}
	if !res.Valid() {
		return fmt.Errorf("graph %s is invalid: %d error(s)", def.ID, len(res.Errors))
	}
	return nil
}

func runChat(ctx context.Context, opts *rootOptions, message string, f chatFlags, out io.Writer) error {
	a, err := openApp(ctx, opts, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	provider, err := a.providers.Get(f.provider)
	if err != nil {
		return schema.NewError(schema.ErrCodeNotFound, err.Error()).WithCause(err)
	}
	handlers := make([]*tools.Handler, 0, len(f.tools))
	for _, name := range f.tools {
		h, err := a.tools.Resolve(name)
		if err != nil {
			return err
		}
		handlers = append(handlers, h)
	}

	var messages []schema.GenericChatMessage
	if f.system != "" {
		messages = append(messages, schema.GenericChatMessage{Role: schema.RoleSystem, Content: f.system})
	}
	messages = append(messages, schema.GenericChatMessage{Role: schema.RoleUser, Content: message})

	bus := streaming.NewBus(uuid.NewString())
	done := make(chan error, 1)
	go func() {
		_, err := a.executor.Orchestrator().Chat(ctx, bus, chat.Request{
			NodeID:   "chat",
			Provider: provider,
			Model:    schema.ActionModelConfiguration{Provider: f.provider, Model: f.model},
			Messages: messages,
			Tools:    handlers,
			MaxTurns: f.maxTurns,
		})
		done <- err
	}()

	var writeErr error
	for item := range bus.Items(context.WithoutCancel(ctx)) {
		if writeErr == nil {
			writeErr = writeItem(out, item)
		}
	}
	if err := <-done; err != nil {
		return err
	}
	return writeErr
}

func listTools(ctx context.Context, opts *rootOptions, out io.Writer) error {
	a, err := openApp(ctx, opts, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	return writeJSON(out, struct {
		Tools       []schema.ToolDefinition `json:"tools"`
		Unavailable []tools.Unavailable     `json:"unavailable,omitempty"`
	}{a.tools.List(), a.tools.Unavailable()})
}

func showExecution(ctx context.Context, opts *rootOptions, id string, items bool, out io.Writer) error {
	a, err := openApp(ctx, opts, appOptions{persist: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if !items {
		rec, err := a.repository.GetExecution(ctx, id)
		if err != nil {
			return err
		}
		return writeJSON(out, rec)
	}
	list, err := a.repository.ListItems(ctx, id)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %q has no items", id)
	}
	for _, item := range list {
		if err := writeItem(out, item); err != nil {
			return err
		}
	}
	return nil
}

func listExecutions(ctx context.Context, opts *rootOptions, f listFlags, out io.Writer) error {
	a, err := openApp(ctx, opts, appOptions{persist: true})
	if err != nil {
		return err
	}
	defer a.Close()

	filter := store.ExecutionFilter{GraphID: f.graphID, Status: f.status, Limit: f.limit}
	if f.since > 0 {
		since := time.Now().Add(-f.since)
		filter.Since = &since
	}
	recs, err := a.repository.ListExecutions(ctx, filter)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	for _, rec := range recs {
		rec.Nodes = nil
		rec.Definition = nil
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}

// serveMCP blocks until the client disconnects or ctx is cancelled. Logs go
// to stderr since stdout carries the protocol.
func serveMCP(ctx context.Context, opts *rootOptions) error {
	a, err := openApp(ctx, opts, appOptions{persist: true, logOut: os.Stderr, noColor: true})
	if err != nil {
		return err
	}
	defer a.Close()

	srv := mcp.NewServer(mcp.ServerDeps{
		Executor:   a.executor,
		Repository: a.repository,
		Tools:      a.tools,
		Logger:     a.logger,
		Version:    version,
	})
	return srv.Serve(ctx)
}

func initSettings(opts *rootOptions, force bool, out io.Writer) error {
	path := opts.configPath
	if path == "" {
		path = settingsPath()
	}
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists; use --force to overwrite", path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	cfg, err := opts.load()
	if err != nil {
		return err
	}
	if err := writeConfig(path, cfg); err != nil {
		return err
	}
	fmt.Fprintln(out, "wrote", path)
	return nil
}
