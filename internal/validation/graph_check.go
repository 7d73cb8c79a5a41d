package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/agentgraph/pkg/schema"
)

// validateGraph performs cycle detection (Kahn's algorithm) and
// reachability from root nodes. Cycles are not rejected: the executor
// reports them as a deadlock at run time, so both findings are warnings.
func validateGraph(def *schema.GraphDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		ids[n.ID] = true
	}

	// edges[id] = inputs of id, reverse[id] = consumers of id.
	edges := make(map[string][]string, len(def.Nodes))
	reverse := make(map[string][]string, len(def.Nodes))
	for _, n := range def.Nodes {
		seen := make(map[string]bool, len(n.Inputs))
		for _, in := range n.Inputs {
			if !ids[in] || seen[in] {
				continue
			}
			seen[in] = true
			edges[n.ID] = append(edges[n.ID], in)
			reverse[in] = append(reverse[in], n.ID)
		}
	}

	inDegree := make(map[string]int, len(ids))
	queue := make([]string, 0, len(ids))
	for id := range ids {
		inDegree[id] = len(edges[id])
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)
	roots := append([]string(nil), queue...)

	visited := make(map[string]bool, len(ids))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited[id] = true
		for _, next := range reverse[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(visited) != len(ids) {
		var stuck []string
		for id := range ids {
			if !visited[id] {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		result.AddWarning("nodes", schema.ErrCodeGraphDeadlock,
			fmt.Sprintf("graph contains a cycle; nodes %v can never become ready and the execution will deadlock", stuck))
	}

	if len(roots) == 0 {
		return result
	}

	reachable := make(map[string]bool, len(ids))
	bfs := append([]string(nil), roots...)
	for _, r := range roots {
		reachable[r] = true
	}
	for len(bfs) > 0 {
		id := bfs[0]
		bfs = bfs[1:]
		for _, next := range reverse[id] {
			if !reachable[next] {
				reachable[next] = true
				bfs = append(bfs, next)
			}
		}
	}
	for i, n := range def.Nodes {
		if !reachable[n.ID] {
			result.NodeWarning(n.ID, fmt.Sprintf("nodes[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from any root node", n.ID))
		}
	}
	return result
}
