package flowgraph

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/careflow/pkg/flowgraph/flowdef"
)

// testCtx creates a simple test context.
func testCtx(opts ...ContextOption) Context {
	return NewContext(context.Background(), opts...)
}

// bufferLogger returns a logger writing text lines to a buffer.
func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

// visit is a function node that appends its name to the "path" field.
func visit(name string) NodeAdapter {
	return Function(func(ctx Context, s State) (State, error) {
		return State{"path": name}, nil
	})
}

// visitResolver resolves every node to visit(name) with the node's type.
func visitResolver() Resolver {
	return ResolverFunc(func(_ context.Context, node flowdef.NodeDefinition) (NodeAdapter, error) {
		return kindOf(node.Type, func(ctx Context, s State) (State, error) {
			return State{"path": node.Name}, nil
		}), nil
	})
}

// kindOf wraps fn as an adapter of the given kind.
func kindOf(kind flowdef.NodeType, fn FunctionFunc) NodeAdapter {
	switch kind {
	case flowdef.NodeAgent:
		return Agent(func(ctx Context, _ []Message, s State) (State, error) { return fn(ctx, s) })
	case flowdef.NodeRetrieval:
		return Retrieval(func(ctx Context, _ string, s State) (State, error) { return fn(ctx, s) }, "")
	default:
		return Function(fn)
	}
}

// mustLoad parses a flow or fails the test.
func mustLoad(t *testing.T, raw string) *flowdef.FlowDefinition {
	t.Helper()
	def, err := flowdef.Load([]byte(raw))
	require.NoError(t, err)
	return def
}

// scenarioFlow is A -(x == 1)-> B, A -default-> C, B and C to END.
const scenarioFlow = `
name: scenario
entry: A
nodes:
  - {name: A, type: function}
  - {name: B, type: function}
  - {name: C, type: function}
edges:
  - {from: A, to: B, condition: "x == 1"}
  - {from: A, to: C}
  - {from: B, to: END}
  - {from: C, to: end}
`

// compileScenario compiles scenarioFlow with "path" as an append field.
func compileScenario(t *testing.T, opts ...CompileOption) *CompiledGraph {
	t.Helper()
	opts = append([]CompileOption{WithStateSchema("path")}, opts...)
	cg, err := Compile(context.Background(), mustLoad(t, scenarioFlow), visitResolver(), opts...)
	require.NoError(t, err)
	return cg
}
