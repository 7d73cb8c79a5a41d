package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/agentgraph/pkg/schema"
)

// Tool is an external capability a model may invoke.
type Tool interface {
	Definition() schema.ToolDefinition
	Invoke(ctx context.Context, args map[string]any) (json.RawMessage, error)
}

// Handler is a resolved tool bound to its registry's invocation policy.
type Handler struct {
	tool     Tool
	def      schema.ToolDefinition
	required []string
	timeout  time.Duration
	pinned   bool // timeout set through WithTimeout
}

// Name returns the tool name.
func (h *Handler) Name() string { return h.def.Name }

// Definition returns the tool definition offered to models.
func (h *Handler) Definition() schema.ToolDefinition { return h.def }

// Timeout returns the invocation budget.
func (h *Handler) Timeout() time.Duration { return h.timeout }

// WithTimeout returns a copy of h that runs under budget d.
// Non-positive values keep the current budget.
func (h *Handler) WithTimeout(d time.Duration) *Handler {
	if d <= 0 {
		return h
	}
	cp := *h
	cp.timeout = d
	cp.pinned = true
	return &cp
}

// WithDefaultTimeout is WithTimeout for handlers that carry no budget of
// their own. A budget set through WithTimeout is kept.
func (h *Handler) WithDefaultTimeout(d time.Duration) *Handler {
	if h.pinned || d <= 0 {
		return h
	}
	cp := *h
	cp.timeout = d
	return &cp
}

// FuncTool adapts a plain function into a Tool. The function result is
// marshalled to JSON.
type FuncTool struct {
	def schema.ToolDefinition
	fn  func(ctx context.Context, args map[string]any) (any, error)
}

// NewFuncTool creates a FuncTool.
func NewFuncTool(def schema.ToolDefinition, fn func(ctx context.Context, args map[string]any) (any, error)) *FuncTool {
	return &FuncTool{def: def, fn: fn}
}

func (t *FuncTool) Definition() schema.ToolDefinition { return t.def }

func (t *FuncTool) Invoke(ctx context.Context, args map[string]any) (json.RawMessage, error) {
	out, err := t.fn(ctx, args)
	if err != nil {
		return nil, err
	}
	if raw, ok := out.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolFailed, "tool %q: encode result", t.def.Name).WithCause(err)
	}
	return data, nil
}

// Param helpers shared by the built-in tools.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return defaultVal
	}
	return s
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

// requiredFields reads the top-level "required" list of a JSON Schema object.
func requiredFields(parameters json.RawMessage) []string {
	if len(parameters) == 0 {
		return nil
	}
	var doc struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(parameters, &doc); err != nil {
		return nil
	}
	return doc.Required
}
