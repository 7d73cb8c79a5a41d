package streaming

import (
	"context"
	"io"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/agentgraph/pkg/schema"
)

// ErrBusClosed is returned by Publish once the bus has been closed.
var ErrBusClosed = schema.NewError(schema.ErrCodeBusClosed, "stream bus is closed")

// ErrExecutionMismatch is returned when an item carries another execution's ID.
var ErrExecutionMismatch = schema.NewError(schema.ErrCodeValidation, "stream item belongs to a different execution")

// Publisher accepts stream items. Publish must be safe for concurrent use.
type Publisher interface {
	Publish(item schema.StreamItem) error
}

// Bus is the per-execution, append-only channel of stream items.
// Many goroutines may publish; a single consumer reads items in publish order.
// Buffering is unbounded: publishers never block on a slow consumer, and items
// published before the consumer starts are retained until read.
type Bus struct {
	executionID string
	now         func() time.Time

	mu     sync.Mutex
	queue  []schema.StreamItem
	closed bool

	notify    chan struct{}
	consumed  atomic.Bool
	published atomic.Int64
}

// NewBus creates an open bus for the given execution.
func NewBus(executionID string) *Bus {
	return &Bus{
		executionID: executionID,
		now:         time.Now,
		notify:      make(chan struct{}, 1),
	}
}

// ExecutionID returns the execution this bus belongs to.
func (b *Bus) ExecutionID() string { return b.executionID }

// Publish appends item to the bus. Items without an execution ID are stamped
// with the bus's ID; items carrying a different ID are rejected.
func (b *Bus) Publish(item schema.StreamItem) error {
	if item == nil {
		return schema.NewError(schema.ErrCodeValidation, "nil stream item")
	}
	if id := item.Header().ExecutionID; id != "" && id != b.executionID {
		return ErrExecutionMismatch
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	schema.Stamp(item, b.executionID, b.now())
	b.queue = append(b.queue, item)
	b.mu.Unlock()

	b.published.Add(1)
	b.signal()
	return nil
}

// Close marks the end of the stream. Buffered items remain readable.
// Calling Close more than once is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.signal()
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Published returns the number of items accepted so far.
func (b *Bus) Published() int64 { return b.published.Load() }

// Next blocks until an item is available and returns it. It returns io.EOF
// once the bus is closed and drained, or ctx.Err() if ctx ends first.
func (b *Bus) Next(ctx context.Context) (schema.StreamItem, error) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			item := b.queue[0]
			b.queue[0] = nil
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return item, nil
		}
		if b.closed {
			b.mu.Unlock()
			return nil, io.EOF
		}
		b.mu.Unlock()

		select {
		case <-b.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Items returns the bus as a lazy single-pass sequence that ends when the bus
// is closed and drained or ctx ends. The sequence is not restartable: only the
// first call to Items yields items.
func (b *Bus) Items(ctx context.Context) iter.Seq[schema.StreamItem] {
	if !b.consumed.CompareAndSwap(false, true) {
		return func(func(schema.StreamItem) bool) {}
	}
	return func(yield func(schema.StreamItem) bool) {
		for {
			item, err := b.Next(ctx)
			if err != nil {
				return
			}
			if !yield(item) {
				return
			}
		}
	}
}

// Drain reads every item until the bus is closed.
func (b *Bus) Drain(ctx context.Context) ([]schema.StreamItem, error) {
	var items []schema.StreamItem
	for {
		item, err := b.Next(ctx)
		if err == io.EOF {
			return items, nil
		}
		if err != nil {
			return items, err
		}
		items = append(items, item)
	}
}

func (b *Bus) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

var _ Publisher = (*Bus)(nil)
