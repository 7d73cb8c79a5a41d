package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rendis/agentgraph/pkg/schema"
)

const defaultChannelBuffer = 64

// Filter selects which items an observer receives. Empty fields match all.
type Filter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	Kinds       []string `json:"kinds,omitempty"`
}

type subscriber struct {
	ch     chan schema.StreamItem
	filter Filter
}

// Hub fans stream items out to live observers such as log tailers or UIs.
// Unlike Bus it is lossy: when an observer's channel is full the item is
// dropped for that observer. The execution's Bus remains the authoritative
// ordered stream.
type Hub struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*subscriber)}
}

// Publish sends item to every matching observer without blocking.
func (h *Hub) Publish(item schema.StreamItem) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !matchFilter(sub.filter, item) {
			continue
		}
		select {
		case sub.ch <- item:
		default:
		}
	}
	return nil
}

// Subscribe registers an observer. The returned cancel func removes it.
func (h *Hub) Subscribe(ctx context.Context, filter Filter) (<-chan schema.StreamItem, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan schema.StreamItem, defaultChannelBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
	return ch, cancel, nil
}

func matchFilter(f Filter, item schema.StreamItem) bool {
	if f.ExecutionID != "" && f.ExecutionID != item.Header().ExecutionID {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, item.Kind()) {
		return false
	}
	return true
}

var _ Publisher = (*Hub)(nil)
