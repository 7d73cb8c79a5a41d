package schema

import (
	"encoding/json"
	"time"
)

// GraphDefinition is the JSON/YAML-serializable agent graph format.
type GraphDefinition struct {
	ID       string           `json:"id,omitempty" yaml:"id,omitempty"`
	Name     string           `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes    []NodeDefinition `json:"nodes" yaml:"nodes"`
	Edges    []EdgeDefinition `json:"edges,omitempty" yaml:"edges,omitempty"`
	Metadata map[string]any   `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// NodeDefinition describes a single node of an agent graph.
type NodeDefinition struct {
	ID     string          `json:"id" yaml:"id"`
	Name   string          `json:"name,omitempty" yaml:"name,omitempty"`
	Type   NodeType        `json:"type" yaml:"type"`
	Inputs []string        `json:"inputs,omitempty" yaml:"inputs,omitempty"` // upstream node IDs
	Config json.RawMessage `json:"config,omitempty" yaml:"-"`               // type-specific config

	// YAMLConfig carries the config block when the definition is decoded from
	// YAML; it is folded into Config by Normalize.
	YAMLConfig map[string]any `json:"-" yaml:"config,omitempty"`
}

// EdgeDefinition is a directed edge from one node's output to another's input.
type EdgeDefinition struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// NodeType enumerates the kinds of nodes in an agent graph.
type NodeType string

const (
	NodeTypeInput           NodeType = "Input"
	NodeTypeOutput          NodeType = "Output"
	NodeTypeModel           NodeType = "Model"
	NodeTypeConditional     NodeType = "Conditional"
	NodeTypeStringFormatter NodeType = "StringFormatter"
)

// ValidNodeTypes lists every supported node type.
var ValidNodeTypes = []NodeType{
	NodeTypeInput, NodeTypeOutput, NodeTypeModel, NodeTypeConditional, NodeTypeStringFormatter,
}

// NodeStatus represents the lifecycle state of a node within one execution.
type NodeStatus string

const (
	NodeStatusNotStarted NodeStatus = "NotStarted"
	NodeStatusInProgress NodeStatus = "InProgress"
	NodeStatusCompleted  NodeStatus = "Completed"
	NodeStatusSkipped    NodeStatus = "Skipped"
)

// Terminal reports whether no further transition is possible.
func (s NodeStatus) Terminal() bool {
	return s == NodeStatusCompleted || s == NodeStatusSkipped
}

// InputConfig is the config block for Input nodes.
type InputConfig struct {
	Default string `json:"default,omitempty"`
}

// OutputConfig is the config block for Output nodes.
type OutputConfig struct {
	Separator *string `json:"separator,omitempty"` // default "\n"
}

// StringFormatterConfig is the config block for StringFormatter nodes.
type StringFormatterConfig struct {
	Template string `json:"template"`
}

// ConditionalConfig is the config block for Conditional nodes.
// Conditions are evaluated in order; the first one that holds selects its targets.
type ConditionalConfig struct {
	Conditions []Condition `json:"conditions"`
	Default    []string    `json:"default,omitempty"`
}

// Condition is one branch of a Conditional node.
type Condition struct {
	Expression string   `json:"expression"`
	Language   string   `json:"language,omitempty"` // expr | cel | jq (default: expr)
	Next       []string `json:"next"`
}

// ModelConfig is the config block for Model nodes.
type ModelConfig struct {
	Model        ActionModelConfiguration `json:"model"`
	SystemPrompt string                   `json:"system_prompt,omitempty"`
	Tools        []string                 `json:"tools,omitempty"`
	MaxTurns     int                      `json:"max_turns,omitempty"`
	ToolTimeout  string                   `json:"tool_timeout,omitempty"` // e.g. "30s"
}

// ToolTimeoutDuration parses ToolTimeout, returning fallback when unset or invalid.
func (c *ModelConfig) ToolTimeoutDuration(fallback time.Duration) time.Duration {
	if c.ToolTimeout == "" {
		return fallback
	}
	d, err := time.ParseDuration(c.ToolTimeout)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Normalize folds YAML-decoded config blocks into Config and merges edge
// definitions into per-node input lists without duplicating entries. An edge
// into an unknown node is rejected; an edge from one is left for validation.
func (g *GraphDefinition) Normalize() error {
	index := make(map[string]int, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if len(n.Config) == 0 && n.YAMLConfig != nil {
			raw, err := json.Marshal(n.YAMLConfig)
			if err != nil {
				return NewErrorf(ErrCodeValidation, "node %q: encode config: %s", n.ID, err.Error()).WithCause(err)
			}
			n.Config = raw
		}
		index[n.ID] = i
	}
	for _, e := range g.Edges {
		i, ok := index[e.To]
		if !ok {
			return NewErrorf(ErrCodeValidation, "edge %s -> %s: unknown target node %q", e.From, e.To, e.To)
		}
		if !containsString(g.Nodes[i].Inputs, e.From) {
			g.Nodes[i].Inputs = append(g.Nodes[i].Inputs, e.From)
		}
	}
	g.Edges = nil
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
