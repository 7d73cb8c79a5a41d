package engine

import (
	"github.com/rendis/agentgraph/pkg/schema"
)

// ValidNodeTransitions defines the allowed lifecycle transitions for nodes.
// Each node moves at most once through the table per execution.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodeStatusNotStarted: {schema.NodeStatusInProgress, schema.NodeStatusSkipped},
	schema.NodeStatusInProgress: {schema.NodeStatusCompleted},
	schema.NodeStatusCompleted:  {},
	schema.NodeStatusSkipped:    {},
}

// transition moves n to the given status. The caller holds the scheduling lock.
func transition(n *Node, to schema.NodeStatus) error {
	if !isValidNodeTransition(n.status, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid node transition: %s -> %s", n.status, to).
			WithNode(n.ID()).
			WithDetails(map[string]any{"from": string(n.status), "to": string(to)})
	}
	n.status = to
	return nil
}

func isValidNodeTransition(from, to schema.NodeStatus) bool {
	for _, a := range ValidNodeTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// release returns a claimed node that never started back to NotStarted. It is
// used when the pool refuses the node's task.
func release(n *Node) {
	if n.status == schema.NodeStatusInProgress {
		n.status = schema.NodeStatusNotStarted
	}
}
