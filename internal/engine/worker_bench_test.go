package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rendis/agentgraph/internal/providers"
	"github.com/rendis/agentgraph/pkg/schema"
)

func BenchmarkWorkerPool(b *testing.B) {
	for _, size := range []int{10, 50, 100, 500} {
		b.Run(fmt.Sprintf("size=%d", size), func(b *testing.B) {
			pool := NewWorkerPool(size, nil)
			defer pool.Shutdown()
			ctx := context.Background()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = pool.Submit(ctx, "noop", func(context.Context) {})
			}
			pool.Wait()
		})
	}
}

func BenchmarkWorkerPool_IOBound(b *testing.B) {
	pool := NewWorkerPool(50, nil)
	defer pool.Shutdown()
	ctx := context.Background()

	var completed atomic.Int64
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for j := 0; j < 100; j++ {
			_ = pool.Submit(ctx, "io", func(context.Context) {
				time.Sleep(time.Microsecond)
				completed.Add(1)
			})
		}
		pool.Wait()
	}
}

// BenchmarkExecutor_FanOut runs Input -> N StringFormatters -> Output.
func BenchmarkExecutor_FanOut(b *testing.B) {
	for _, width := range []int{1, 10, 50} {
		b.Run(fmt.Sprintf("width=%d", width), func(b *testing.B) {
			def := &schema.GraphDefinition{ID: "fan-out"}
			def.Nodes = append(def.Nodes, schema.NodeDefinition{ID: "in", Type: schema.NodeTypeInput})
			var branches []string
			for i := 0; i < width; i++ {
				id := "fmt" + strconv.Itoa(i)
				branches = append(branches, id)
				def.Nodes = append(def.Nodes, node(id, schema.NodeTypeStringFormatter, `{"template":"${{ input }}"}`, "in"))
			}
			def.Nodes = append(def.Nodes, node("out", schema.NodeTypeOutput, "", branches...))

			e, err := NewExecutor(Config{PoolSize: 16, Providers: providers.NewRegistry()})
			if err != nil {
				b.Fatal(err)
			}
			defer e.Close()
			ctx := context.Background()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := e.Run(ctx, ExecutionRequest{Graph: def, Input: "x"}); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
