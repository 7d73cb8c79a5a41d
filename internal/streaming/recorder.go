package streaming

import (
	"sync"

	"github.com/rendis/agentgraph/pkg/schema"
)

// Recorder forwards items to a Publisher and keeps every accepted item,
// plus a copy for each observer.
type Recorder struct {
	next      Publisher
	observers []Publisher

	mu    sync.Mutex
	items []schema.StreamItem
}

// NewRecorder wraps next. Observers receive each accepted item best-effort;
// their errors are ignored.
func NewRecorder(next Publisher, observers ...Publisher) *Recorder {
	return &Recorder{next: next, observers: observers}
}

// Publish forwards item to the wrapped publisher and records it on success.
// Recording happens under the same lock as forwarding so the recorded order
// matches the bus order.
func (r *Recorder) Publish(item schema.StreamItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.next.Publish(item); err != nil {
		return err
	}
	r.items = append(r.items, item)
	for _, o := range r.observers {
		_ = o.Publish(item)
	}
	return nil
}

// Items returns a snapshot of the recorded items.
func (r *Recorder) Items() []schema.StreamItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schema.StreamItem, len(r.items))
	copy(out, r.items)
	return out
}

var _ Publisher = (*Recorder)(nil)
