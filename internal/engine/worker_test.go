package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPool_BasicExecution(t *testing.T) {
	pool := NewWorkerPool(2, nil)
	defer pool.Shutdown()

	var ran int64
	err := pool.Submit(context.Background(), "n1", func(ctx context.Context) {
		atomic.AddInt64(&ran, 1)
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	pool.Wait()

	if atomic.LoadInt64(&ran) != 1 {
		t.Error("work did not execute")
	}
	if m := pool.Metrics(); m.Completed != 1 {
		t.Errorf("expected 1 completed, got %d", m.Completed)
	}
}

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	poolSize := 3
	pool := NewWorkerPool(poolSize, nil)
	defer pool.Shutdown()

	var maxConcurrent, current int64
	var mu sync.Mutex

	for i := 0; i < 10; i++ {
		err := pool.Submit(context.Background(), "n", func(ctx context.Context) {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > maxConcurrent {
				maxConcurrent = c
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
		})
		if err != nil {
			t.Fatalf("unexpected submit error: %v", err)
		}
	}

	pool.Wait()

	if maxConcurrent > int64(poolSize) {
		t.Errorf("max concurrent %d exceeded pool size %d", maxConcurrent, poolSize)
	}
	if maxConcurrent == 0 {
		t.Error("no concurrent execution detected")
	}
}

func TestWorkerPool_Backpressure(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	defer pool.Shutdown()

	started := make(chan struct{})
	block := make(chan struct{})

	err := pool.Submit(context.Background(), "blocker", func(ctx context.Context) {
		close(started)
		<-block
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	<-started

	submitted := make(chan struct{})
	go func() {
		_ = pool.Submit(context.Background(), "waiter", func(ctx context.Context) {})
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Error("second submit should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)

	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Error("second submit did not unblock after first task completed")
	}

	pool.Wait()
}

func TestWorkerPool_PanicRecovery(t *testing.T) {
	var (
		mu       sync.Mutex
		gotTask  string
		gotValue any
		gotStack []byte
	)
	pool := NewWorkerPool(2, func(task string, value any, stack []byte) {
		mu.Lock()
		defer mu.Unlock()
		gotTask, gotValue, gotStack = task, value, stack
	})
	defer pool.Shutdown()

	err := pool.Submit(context.Background(), "boom", func(ctx context.Context) {
		panic("test panic")
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	pool.Wait()

	if m := pool.Metrics(); m.Panics != 1 {
		t.Errorf("expected 1 panic, got %d", m.Panics)
	}
	mu.Lock()
	if gotTask != "boom" || gotValue != "test panic" || len(gotStack) == 0 {
		t.Errorf("panic handler got task=%q value=%v stack=%d bytes", gotTask, gotValue, len(gotStack))
	}
	mu.Unlock()

	var ran int64
	if err := pool.Submit(context.Background(), "after", func(ctx context.Context) {
		atomic.AddInt64(&ran, 1)
	}); err != nil {
		t.Fatalf("submit after panic failed: %v", err)
	}
	pool.Wait()

	if atomic.LoadInt64(&ran) != 1 {
		t.Error("work after panic did not execute")
	}
}

func TestWorkerPool_ContextCancellation(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	defer pool.Shutdown()

	block := make(chan struct{})
	_ = pool.Submit(context.Background(), "blocker", func(ctx context.Context) {
		<-block
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- pool.Submit(ctx, "waiter", func(ctx context.Context) {})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("submit did not return after context cancellation")
	}

	close(block)
	pool.Wait()

	if m := pool.Metrics(); m.Rejected != 1 {
		t.Errorf("expected 1 rejected, got %d", m.Rejected)
	}
}

func TestWorkerPool_GracefulShutdown(t *testing.T) {
	pool := NewWorkerPool(2, nil)

	var completed int64
	for i := 0; i < 5; i++ {
		_ = pool.Submit(context.Background(), "n", func(ctx context.Context) {
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&completed, 1)
		})
	}

	pool.Shutdown()

	if atomic.LoadInt64(&completed) != 5 {
		t.Errorf("expected 5 completed after shutdown, got %d", atomic.LoadInt64(&completed))
	}
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(2, nil)
	pool.Shutdown()

	err := pool.Submit(context.Background(), "late", func(ctx context.Context) {})
	if err != ErrPoolShutdown {
		t.Errorf("expected ErrPoolShutdown, got %v", err)
	}
}

func TestWorkerPool_SizeDefaultsToOne(t *testing.T) {
	pool := NewWorkerPool(0, nil)
	defer pool.Shutdown()

	if pool.Size() != 1 {
		t.Errorf("expected size 1, got %d", pool.Size())
	}
}

func TestWorkerPool_MultipleConcurrentCompletions(t *testing.T) {
	pool := NewWorkerPool(10, nil)
	defer pool.Shutdown()

	var completed int64
	count := 50
	for i := 0; i < count; i++ {
		_ = pool.Submit(context.Background(), "n", func(ctx context.Context) {
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&completed, 1)
		})
	}

	pool.Wait()

	if atomic.LoadInt64(&completed) != int64(count) {
		t.Errorf("expected %d completed, got %d", count, atomic.LoadInt64(&completed))
	}
	m := pool.Metrics()
	if m.Completed != int64(count) {
		t.Errorf("expected metrics completed=%d, got %d", count, m.Completed)
	}
	if m.Active != 0 {
		t.Errorf("expected 0 active after wait, got %d", m.Active)
	}
}

func TestWorkerPool_DoubleShutdown(t *testing.T) {
	pool := NewWorkerPool(2, nil)
	pool.Shutdown()
	pool.Shutdown()
}
