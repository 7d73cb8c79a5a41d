package store

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/agentgraph/pkg/schema"
)

// MemoryRepository is an in-process Repository for tests and for runs
// without a database.
type MemoryRepository struct {
	mu   sync.RWMutex
	recs map[string]*ExecutionRecord
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{recs: make(map[string]*ExecutionRecord)}
}

func (m *MemoryRepository) SaveExecution(_ context.Context, rec *ExecutionRecord) error {
	if rec == nil || rec.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution record has no id")
	}
	cp := *rec
	cp.Nodes = append([]NodeRecord(nil), rec.Nodes...)
	cp.Items = append([]schema.StreamItem(nil), rec.Items...)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetExecution(_ context.Context, id string) (*ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, notFound(id)
	}
	cp := *rec
	cp.Items = nil
	return &cp, nil
}

func (m *MemoryRepository) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ExecutionRecord
	for _, rec := range m.recs {
		if filter.GraphID != "" && rec.GraphID != filter.GraphID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.Since != nil && rec.StartedAt.Before(*filter.Since) {
			continue
		}
		cp := *rec
		cp.Items = nil
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryRepository) ListItems(_ context.Context, executionID string) ([]schema.StreamItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[executionID]
	if !ok {
		return nil, notFound(executionID)
	}
	return append([]schema.StreamItem(nil), rec.Items...), nil
}

func (m *MemoryRepository) DeleteExecution(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[id]; !ok {
		return notFound(id)
	}
	delete(m.recs, id)
	return nil
}

func (m *MemoryRepository) Close() error { return nil }

var _ Repository = (*MemoryRepository)(nil)
