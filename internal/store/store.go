package store

import (
	"context"

	"github.com/rendis/agentgraph/pkg/schema"
)

// Repository persists finished executions. The engine only writes through
// SaveExecution; the read methods serve the CLI and MCP surfaces.
// All implementations must be safe for concurrent use.
type Repository interface {
	SaveExecution(ctx context.Context, rec *ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*ExecutionRecord, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error)
	ListItems(ctx context.Context, executionID string) ([]schema.StreamItem, error)
	DeleteExecution(ctx context.Context, id string) error
	Close() error
}

func notFound(id string) *schema.AgentError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
}
