package engine

import (
	"fmt"
	"time"

	"github.com/rendis/agentgraph/pkg/schema"
)

// Graph is the per-execution arena of nodes. Nodes reference each other by
// ID only; the graph owns every node.
type Graph struct {
	ID    string
	Name  string
	Nodes map[string]*Node
	Order []string // definition order
	Roots []string // nodes without inputs, in definition order
}

// Node is one vertex of the arena plus its per-execution state.
// status, result and duration are written by the task executing the node and
// read by the scheduler, both under the executor's scheduling lock.
type Node struct {
	Def     *schema.NodeDefinition
	Inputs  []string
	Outputs []string

	behavior AgentNode
	status   schema.NodeStatus
	result   schema.AgentNodeResult
	duration time.Duration
}

// ID returns the node's identifier.
func (n *Node) ID() string { return n.Def.ID }

// Type returns the node's type tag.
func (n *Node) Type() schema.NodeType { return n.Def.Type }

// Name returns the display name, falling back to the ID.
func (n *Node) Name() string {
	if n.Def.Name != "" {
		return n.Def.Name
	}
	return n.Def.ID
}

// Status returns the current lifecycle status.
func (n *Node) Status() schema.NodeStatus { return n.status }

// Result returns the node's result, nil until Completed.
func (n *Node) Result() schema.AgentNodeResult { return n.result }

// BuildGraph lays out a normalized definition as an arena. Cycles are not
// rejected here: they surface as a scheduling deadlock.
func BuildGraph(def *schema.GraphDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph definition is nil")
	}
	if len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph has no nodes")
	}

	g := &Graph{
		ID:    def.ID,
		Name:  def.Name,
		Nodes: make(map[string]*Node, len(def.Nodes)),
		Order: make([]string, 0, len(def.Nodes)),
	}

	for i := range def.Nodes {
		nd := &def.Nodes[i]
		if nd.ID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("node at index %d has empty ID", i))
		}
		if _, exists := g.Nodes[nd.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", nd.ID)
		}
		g.Nodes[nd.ID] = &Node{Def: nd, status: schema.NodeStatusNotStarted}
		g.Order = append(g.Order, nd.ID)
	}

	// Outputs follow definition order because the outer loop does.
	for _, id := range g.Order {
		n := g.Nodes[id]
		seen := make(map[string]bool, len(n.Def.Inputs))
		for _, in := range n.Def.Inputs {
			up, ok := g.Nodes[in]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s has unknown input: %s", id, in)
			}
			if seen[in] {
				continue
			}
			seen[in] = true
			n.Inputs = append(n.Inputs, in)
			up.Outputs = append(up.Outputs, id)
		}
		if len(n.Inputs) == 0 {
			g.Roots = append(g.Roots, id)
		}
	}
	return g, nil
}

// propagateSkips marks NotStarted nodes Skipped until a fixpoint is reached
// and returns the newly skipped IDs in definition order per pass.
func (g *Graph) propagateSkips() ([]string, error) {
	var skipped []string
	for changed := true; changed; {
		changed = false
		for _, id := range g.Order {
			n := g.Nodes[id]
			if n.status != schema.NodeStatusNotStarted || !g.shouldSkip(n) {
				continue
			}
			if err := transition(n, schema.NodeStatusSkipped); err != nil {
				return skipped, err
			}
			skipped = append(skipped, id)
			changed = true
		}
	}
	return skipped, nil
}

// shouldSkip reports whether a completed Conditional input did not select n,
// or every input of n was skipped. A Conditional that failed selects nothing.
func (g *Graph) shouldSkip(n *Node) bool {
	if len(n.Inputs) == 0 {
		return false
	}
	allSkipped := true
	for _, in := range n.Inputs {
		up := g.Nodes[in]
		if up.status != schema.NodeStatusSkipped {
			allSkipped = false
		}
		if up.status != schema.NodeStatusCompleted || up.Type() != schema.NodeTypeConditional {
			continue
		}
		cond, ok := up.result.(*schema.ConditionalNodeResult)
		if !ok || !cond.Selects(n.ID()) {
			return true
		}
	}
	return allSkipped
}

// ready returns NotStarted nodes whose inputs are all terminal.
func (g *Graph) ready() []*Node {
	var out []*Node
	for _, id := range g.Order {
		n := g.Nodes[id]
		if n.status != schema.NodeStatusNotStarted {
			continue
		}
		ok := true
		for _, in := range n.Inputs {
			if !g.Nodes[in].status.Terminal() {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, n)
		}
	}
	return out
}

// pending returns the IDs of non-terminal nodes in definition order.
func (g *Graph) pending() []string {
	var out []string
	for _, id := range g.Order {
		if !g.Nodes[id].status.Terminal() {
			out = append(out, id)
		}
	}
	return out
}

// upstream returns the completed inputs of n in declaration order.
// Skipped inputs contribute nothing.
func (g *Graph) upstream(n *Node) []Upstream {
	out := make([]Upstream, 0, len(n.Inputs))
	for _, in := range n.Inputs {
		up := g.Nodes[in]
		if up.status != schema.NodeStatusCompleted || up.result == nil {
			continue
		}
		out = append(out, Upstream{NodeID: in, NodeType: up.Type(), Result: up.result})
	}
	return out
}
