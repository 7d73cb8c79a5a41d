package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/agentgraph/pkg/schema"
)

// ExecutionRecord is the persisted form of one graph execution.
type ExecutionRecord struct {
	ID           string              `json:"id"`
	GraphID      string              `json:"graph_id"`
	GraphName    string              `json:"graph_name,omitempty"`
	Input        string              `json:"input"`
	Status       string              `json:"status"` // RequestEnd status
	Definition   json.RawMessage     `json:"definition,omitempty"`
	InputTokens  int64               `json:"input_tokens"`
	OutputTokens int64               `json:"output_tokens"`
	StartedAt    time.Time           `json:"started_at"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty"`
	DurationMs   int64               `json:"duration_ms"`
	Nodes        []NodeRecord        `json:"nodes,omitempty"`
	Items        []schema.StreamItem `json:"-"`
}

// NodeRecord is the terminal state of one node, in definition order.
type NodeRecord struct {
	NodeID     string                 `json:"node_id"`
	NodeType   schema.NodeType        `json:"node_type"`
	Status     schema.NodeStatus      `json:"status"`
	Result     schema.AgentNodeResult `json:"-"`
	DurationMs int64                  `json:"duration_ms"`
}

// MarshalJSON encodes Result with its ResultType discriminator.
func (n NodeRecord) MarshalJSON() ([]byte, error) {
	type alias NodeRecord
	result, err := schema.EncodeResult(n.Result)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		alias
		Result json.RawMessage `json:"result"`
	}{alias(n), result})
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	GraphID string
	Status  string
	Since   *time.Time
	Limit   int
	Offset  int
}
