package expressions

import (
	"encoding/json"
	"strings"
)

// NamedInput is the text result of one upstream node.
type NamedInput struct {
	NodeID string
	Text   string
}

// Scope is the data visible to conditions and templates of one node:
//   - input:     upstream texts joined with "\n", in declaration order
//   - inputs:    upstream text keyed by node ID
//   - json:      input parsed as JSON, or null when it is not JSON
//   - execution: id and graph_id of the running execution
//
// A Scope is immutable once built.
type Scope struct {
	input     string
	inputs    map[string]any
	json      any
	execution map[string]any
	order     []string
}

// NewScope builds a Scope from upstream results.
func NewScope(executionID, graphID string, inputs []NamedInput) *Scope {
	s := &Scope{
		inputs:    make(map[string]any, len(inputs)),
		execution: map[string]any{"id": executionID, "graph_id": graphID},
	}
	texts := make([]string, 0, len(inputs))
	for _, in := range inputs {
		s.inputs[in.NodeID] = in.Text
		s.order = append(s.order, in.NodeID)
		texts = append(texts, in.Text)
	}
	s.input = strings.Join(texts, "\n")
	s.json = parseJSON(s.input)
	return s
}

// Input returns the joined upstream text.
func (s *Scope) Input() string { return s.input }

// InputIDs returns the upstream node IDs in declaration order.
func (s *Scope) InputIDs() []string { return append([]string(nil), s.order...) }

// Data returns a fresh data map for engine evaluation.
func (s *Scope) Data() map[string]any {
	return map[string]any{
		"input":     s.input,
		"inputs":    deepCopyMap(s.inputs),
		"json":      deepCopyAny(s.json),
		"execution": deepCopyMap(s.execution),
	}
}

func parseJSON(text string) any {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return nil
	}
	return v
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	default:
		return v
	}
}
