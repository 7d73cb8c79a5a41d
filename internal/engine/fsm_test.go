package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentgraph/pkg/schema"
)

func TestNodeTransitions(t *testing.T) {
	tests := []struct {
		from, to schema.NodeStatus
		valid    bool
	}{
		{schema.NodeStatusNotStarted, schema.NodeStatusInProgress, true},
		{schema.NodeStatusNotStarted, schema.NodeStatusSkipped, true},
		{schema.NodeStatusNotStarted, schema.NodeStatusCompleted, false},
		{schema.NodeStatusInProgress, schema.NodeStatusCompleted, true},
		{schema.NodeStatusInProgress, schema.NodeStatusSkipped, false},
		{schema.NodeStatusInProgress, schema.NodeStatusNotStarted, false},
		{schema.NodeStatusCompleted, schema.NodeStatusInProgress, false},
		{schema.NodeStatusCompleted, schema.NodeStatusCompleted, false},
		{schema.NodeStatusSkipped, schema.NodeStatusInProgress, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.valid, isValidNodeTransition(tt.from, tt.to))
		})
	}
}

func TestTransition_RejectsInvalidMove(t *testing.T) {
	n := &Node{Def: &schema.NodeDefinition{ID: "n1"}, status: schema.NodeStatusNotStarted}

	err := transition(n, schema.NodeStatusCompleted)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))
	assert.Equal(t, schema.NodeStatusNotStarted, n.Status(), "status unchanged")

	var ae *schema.AgentError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "n1", ae.NodeID)
	assert.Equal(t, "Completed", ae.Details["to"])
}

func TestRelease(t *testing.T) {
	n := &Node{Def: &schema.NodeDefinition{ID: "n1"}, status: schema.NodeStatusNotStarted}
	require.NoError(t, transition(n, schema.NodeStatusInProgress))

	release(n)
	assert.Equal(t, schema.NodeStatusNotStarted, n.Status())

	require.NoError(t, transition(n, schema.NodeStatusInProgress))
	require.NoError(t, transition(n, schema.NodeStatusCompleted))
	release(n)
	assert.Equal(t, schema.NodeStatusCompleted, n.Status(), "terminal nodes are never released")
}
