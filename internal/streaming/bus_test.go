package streaming

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentgraph/pkg/schema"
)

func TestBus_PublishBeforeConsume(t *testing.T) {
	bus := NewBus("exec-1")

	require.NoError(t, bus.Publish(&schema.RequestStart{}))
	require.NoError(t, bus.Publish(&schema.ChatFragment{Text: "hello"}))
	bus.Close()

	items, err := bus.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, schema.KindRequestStart, items[0].Header().MessageType)
	assert.Equal(t, "exec-1", items[0].Header().ExecutionID)
	assert.False(t, items[0].Header().Timestamp.IsZero())
	assert.Equal(t, "hello", items[1].(*schema.ChatFragment).Text)
}

func TestBus_PublishAfterClose(t *testing.T) {
	bus := NewBus("exec-1")
	bus.Close()
	bus.Close() // idempotent

	err := bus.Publish(&schema.RequestEnd{})
	assert.ErrorIs(t, err, ErrBusClosed)
	assert.True(t, schema.IsCode(err, schema.ErrCodeBusClosed))

	_, err = bus.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestBus_RejectsForeignExecution(t *testing.T) {
	bus := NewBus("exec-1")
	item := &schema.ChatFragment{}
	item.ExecutionID = "exec-2"

	assert.ErrorIs(t, bus.Publish(item), ErrExecutionMismatch)
	assert.Zero(t, bus.Published())
}

func TestBus_ItemsIsSinglePass(t *testing.T) {
	bus := NewBus("exec-1")
	require.NoError(t, bus.Publish(&schema.RequestStart{}))
	bus.Close()

	var first []schema.StreamItem
	for item := range bus.Items(context.Background()) {
		first = append(first, item)
	}
	assert.Len(t, first, 1)

	var second []schema.StreamItem
	for item := range bus.Items(context.Background()) {
		second = append(second, item)
	}
	assert.Empty(t, second)
}

func TestBus_NextWaitsForPublish(t *testing.T) {
	bus := NewBus("exec-1")
	got := make(chan schema.StreamItem, 1)

	go func() {
		item, err := bus.Next(context.Background())
		if err == nil {
			got <- item
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, bus.Publish(&schema.ChatFragment{Text: "late"}))

	select {
	case item := <-got:
		assert.Equal(t, "late", item.(*schema.ChatFragment).Text)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for item")
	}
}

func TestBus_NextHonoursContext(t *testing.T) {
	bus := NewBus("exec-1")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := bus.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBus_ConcurrentPublishersKeepPerPublisherOrder(t *testing.T) {
	bus := NewBus("exec-1")
	const publishers = 8
	const perPublisher = 200

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				_ = bus.Publish(&schema.ToolCall{ToolName: string(rune('a' + p)), Index: i})
			}
		}(p)
	}

	done := make(chan []schema.StreamItem)
	go func() {
		items, _ := bus.Drain(context.Background())
		done <- items
	}()

	wg.Wait()
	bus.Close()
	items := <-done

	require.Len(t, items, publishers*perPublisher)
	last := map[string]int{}
	for _, item := range items {
		tc := item.(*schema.ToolCall)
		prev, seen := last[tc.ToolName]
		if seen {
			assert.Equal(t, prev+1, tc.Index, "publisher %s out of order", tc.ToolName)
		}
		last[tc.ToolName] = tc.Index
	}
}

func TestRecorder_RecordsAcceptedItems(t *testing.T) {
	bus := NewBus("exec-1")
	hub := NewHub()
	ch, cancel, err := hub.Subscribe(context.Background(), Filter{Kinds: []string{schema.KindTokenUsage}})
	require.NoError(t, err)
	defer cancel()

	rec := NewRecorder(bus, hub)
	require.NoError(t, rec.Publish(&schema.RequestStart{}))
	require.NoError(t, rec.Publish(&schema.TokenUsage{InputTokens: 3, OutputTokens: 4}))
	bus.Close()
	assert.ErrorIs(t, rec.Publish(&schema.RequestEnd{}), ErrBusClosed)

	recorded := rec.Items()
	require.Len(t, recorded, 2)
	assert.Equal(t, schema.KindTokenUsage, recorded[1].Kind())

	select {
	case item := <-ch:
		assert.Equal(t, int64(4), item.(*schema.TokenUsage).OutputTokens)
	case <-time.After(time.Second):
		t.Fatal("observer did not receive item")
	}
}
