package benchmarks

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/randalmurphal/careflow/pkg/flowgraph"
)

func BenchmarkRun_Linear_5(b *testing.B)   { benchmarkRun(b, mustCompile(buildLinearGraph(5))) }
func BenchmarkRun_Linear_50(b *testing.B)  { benchmarkRun(b, mustCompile(buildLinearGraph(50))) }
func BenchmarkRun_Linear_100(b *testing.B) { benchmarkRun(b, mustCompile(buildLinearGraph(100))) }

// BenchmarkRun_Branching runs a graph with conditional edges.
func BenchmarkRun_Branching(b *testing.B) {
	compiled := mustCompile(buildBranchingGraph())
	intents := []string{"refill", "symptom", "other"}
	ctx := flowgraph.NewContext(context.Background())
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = compiled.Run(ctx, flowgraph.State{"intent": intents[i%3], "severity": i % 5})
	}
}

// BenchmarkRun_Loop runs a node that loops on itself ten times.
func BenchmarkRun_Loop(b *testing.B) {
	compiled := mustCompile(flowgraph.NewGraph().
		AddNode("loop", flowgraph.Function(func(_ flowgraph.Context, s flowgraph.State) (flowgraph.State, error) {
			n, _ := s["n"].(int)
			return flowgraph.State{"n": n + 1}, nil
		})).
		AddConditionalEdge("loop", flowgraph.END, "n >= 10").
		AddEdge("loop", "loop").
		SetEntry("loop"))
	benchmarkRun(b, compiled)
}

// BenchmarkRun_Parallel runs independent traversals of one compiled graph
// concurrently, each with its own identifiers.
func BenchmarkRun_Parallel(b *testing.B) {
	compiled := mustCompile(buildLinearGraph(10))
	var seq atomic.Int64
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			ctx := flowgraph.NewContext(context.Background(),
				flowgraph.WithSessionID(fmt.Sprintf("s-%d", seq.Add(1))))
			_, _ = compiled.Run(ctx, flowgraph.State{})
		}
	})
}

// BenchmarkContextCreation measures context creation overhead.
func BenchmarkContextCreation(b *testing.B) {
	bg := context.Background()
	for i := 0; i < b.N; i++ {
		flowgraph.NewContext(bg, flowgraph.WithActorID("u-1"), flowgraph.WithSessionID("s-1"))
	}
}

func benchmarkRun(b *testing.B, compiled *flowgraph.CompiledGraph) {
	b.Helper()
	ctx := flowgraph.NewContext(context.Background())
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := compiled.Run(ctx, flowgraph.State{}); err != nil {
			b.Fatal(err)
		}
	}
}
