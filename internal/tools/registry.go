package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rendis/agentgraph/internal/logging"
	"github.com/rendis/agentgraph/internal/metrics"
	"github.com/rendis/agentgraph/pkg/schema"
)

const defaultToolTimeout = 30 * time.Second

// Config controls how a Registry invokes tools.
type Config struct {
	Timeout time.Duration
	Breaker BreakerConfig
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Unavailable describes a tool that was offered but could not be registered.
type Unavailable struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Registry holds the tools available to models. Lookups and invocations are
// safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	tools       map[string]Tool
	unavailable map[string]string

	validator *ArgumentValidator
	breakers  *breakerSet
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultToolTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		tools:       make(map[string]Tool),
		unavailable: make(map[string]string),
		validator:   NewArgumentValidator(),
		breakers:    newBreakerSet(cfg.Breaker),
		timeout:     cfg.Timeout,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
}

// Build creates a Registry from tools. Tools that declare a provider type
// and required scopes are checked against creds once, here; those whose
// posture is missing or lacks a scope are recorded as unavailable instead of
// registered.
func Build(ctx context.Context, creds CredentialAccessor, cfg Config, tools ...Tool) (*Registry, error) {
	r := NewRegistry(cfg)
	for _, t := range tools {
		if t == nil {
			continue
		}
		def := t.Definition()
		if reason := r.checkPosture(ctx, creds, def); reason != "" {
			r.unavailable[def.Name] = reason
			r.logger.Info("tool unavailable", slog.String("tool", def.Name), slog.String("reason", reason))
			continue
		}
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) checkPosture(ctx context.Context, creds CredentialAccessor, def schema.ToolDefinition) string {
	if def.ProviderType == "" || len(def.RequiredScopes) == 0 {
		return ""
	}
	if creds == nil {
		return fmt.Sprintf("no credential accessor for provider type %q", def.ProviderType)
	}
	posture, err := creds.GetPosture(ctx, def.ProviderType)
	if err != nil {
		return err.Error()
	}
	if missing := posture.Missing(def.RequiredScopes); len(missing) > 0 {
		return "missing scopes: " + strings.Join(missing, ", ")
	}
	return ""
}

// Register adds a tool. Returns an error on a duplicate or empty name or an
// uncompilable parameter schema.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool is nil")
	}
	def := t.Definition()
	if def.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}
	if err := r.validator.Compile(def.Parameters); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "tool %q: invalid parameter schema", def.Name).WithCause(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", def.Name)
	}
	delete(r.unavailable, def.Name)
	r.tools[def.Name] = t
	return nil
}

// Resolve returns the handler for name. Unknown and unavailable tools fail
// with TOOL_NOT_FOUND.
func (r *Registry) Resolve(name string) (*Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		err := schema.NewErrorf(schema.ErrCodeToolNotFound, "tool %q not found", name)
		if reason, unavailable := r.unavailable[name]; unavailable {
			err = schema.NewErrorf(schema.ErrCodeToolNotFound, "tool %q unavailable: %s", name, reason)
		}
		return nil, err.WithDetails(map[string]any{"tool": name})
	}
	def := t.Definition()
	return &Handler{
		tool:     t,
		def:      def,
		required: requiredFields(def.Parameters),
		timeout:  r.timeout,
	}, nil
}

// Definitions resolves names into tool definitions, in order.
func (r *Registry) Definitions(names []string) ([]schema.ToolDefinition, error) {
	defs := make([]schema.ToolDefinition, 0, len(names))
	for _, n := range names {
		h, err := r.Resolve(n)
		if err != nil {
			return nil, err
		}
		defs = append(defs, h.Definition())
	}
	return defs, nil
}

// List returns all registered tool definitions sorted by name.
func (r *Registry) List() []schema.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]schema.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Unavailable returns the tools rejected at build time, sorted by name.
func (r *Registry) Unavailable() []Unavailable {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Unavailable, 0, len(r.unavailable))
	for name, reason := range r.unavailable {
		out = append(out, Unavailable{Name: name, Reason: reason})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// CircuitState returns the breaker state of a tool.
func (r *Registry) CircuitState(name string) CircuitState {
	return r.breakers.state(name)
}

// Invoke runs h with raw JSON arguments. Missing required arguments fail
// with TOOL_ARGUMENT_MISSING before any schema check; other schema
// violations fail with TOOL_ARGUMENT_INVALID. The handler runs under h's
// timeout budget and the tool's circuit breaker.
func (r *Registry) Invoke(ctx context.Context, h *Handler, args json.RawMessage) (json.RawMessage, error) {
	if h == nil {
		return nil, schema.NewError(schema.ErrCodeToolNotFound, "nil tool handler")
	}
	if err := ctx.Err(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCancelled, "tool %q not started: %s", h.Name(), err.Error()).WithCause(err)
	}

	params, raw, err := decodeArguments(h.Name(), args)
	if err != nil {
		return nil, err
	}
	for _, field := range h.required {
		if v, ok := params[field]; !ok || v == nil {
			return nil, schema.NewErrorf(schema.ErrCodeToolArgumentMissing, "tool %q: missing required argument %q", h.Name(), field).
				WithDetails(map[string]any{"tool": h.Name(), "argument": field})
		}
	}
	if err := r.validator.Validate(raw, h.def.Parameters); err != nil {
		var ae *schema.AgentError
		if errors.As(err, &ae) {
			ae.Message = fmt.Sprintf("tool %q: %s", h.Name(), ae.Message)
		}
		return nil, err
	}

	if err := r.breakers.allow(h.Name()); err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := r.run(ctx, h, params)
	elapsed := time.Since(start)

	if err != nil {
		if !schema.IsCode(err, schema.ErrCodeCancelled) {
			if state := r.breakers.failure(h.Name()); state == CircuitOpen {
				logging.LogWith(ctx, r.logger).Warn("tool circuit opened", slog.String("tool", h.Name()))
			}
		}
	} else {
		r.breakers.success(h.Name())
	}
	r.metrics.ToolInvoked(h.Name(), err, elapsed)
	logging.LogWith(ctx, r.logger).Debug("tool invoked",
		slog.String("tool", h.Name()),
		slog.Duration("duration", elapsed),
		slog.Bool("ok", err == nil))
	return result, err
}

type invokeResult struct {
	data json.RawMessage
	err  error
}

func (r *Registry) run(ctx context.Context, h *Handler, params map[string]any) (json.RawMessage, error) {
	tctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- invokeResult{err: schema.NewErrorf(schema.ErrCodeToolFailed, "tool %q panicked: %v", h.Name(), rec)}
			}
		}()
		data, err := h.tool.Invoke(tctx, params)
		done <- invokeResult{data: data, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, r.classify(ctx, tctx, h, res.err)
		}
		if len(res.data) == 0 {
			res.data = json.RawMessage("null")
		}
		return res.data, nil
	case <-tctx.Done():
		return nil, r.classify(ctx, tctx, h, tctx.Err())
	}
}

// classify maps a handler failure onto the tool error codes. The parent
// context decides between cancellation and an exhausted budget.
func (r *Registry) classify(parent, tctx context.Context, h *Handler, err error) error {
	switch {
	case parent.Err() != nil:
		return schema.NewErrorf(schema.ErrCodeCancelled, "tool %q cancelled", h.Name()).WithCause(parent.Err())
	case errors.Is(tctx.Err(), context.DeadlineExceeded):
		return schema.NewErrorf(schema.ErrCodeToolTimeout, "tool %q exceeded its %s budget", h.Name(), h.timeout).
			WithCause(err).
			WithDetails(map[string]any{"tool": h.Name(), "timeout": h.timeout.String()})
	}
	var ae *schema.AgentError
	if errors.As(err, &ae) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeToolFailed, "tool %q failed: %s", h.Name(), err.Error()).WithCause(err)
}

func decodeArguments(tool string, args json.RawMessage) (map[string]any, json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(args))
	if trimmed == "" || trimmed == "null" {
		return map[string]any{}, json.RawMessage("{}"), nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(trimmed), &params); err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeToolArgumentInvalid, "tool %q: arguments must be a JSON object", tool).WithCause(err)
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, json.RawMessage(trimmed), nil
}
