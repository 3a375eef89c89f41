package flowgraph

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/randalmurphal/careflow/pkg/flowgraph/flowdef"
)

// Graph is a mutable builder for creating execution graphs in code.
// Use NewGraph to create a new graph, then chain AddNode, AddEdge,
// AddConditionalEdge and SetEntry calls to define the flow.
//
// The builder produces a flowdef.FlowDefinition and compiles it through the
// same validator and compiler as loaded flows, so a built graph and the
// equivalent YAML behave identically.
//
// Graph is NOT thread-safe during building. Use a single goroutine
// to construct the graph, then call Compile() to create an immutable
// CompiledGraph that can be safely shared.
//
// Example:
//
//	compiled, err := flowgraph.NewGraph().
//	    AddNode("classify", flowgraph.Agent(classify)).
//	    AddNode("lookup", flowgraph.Retrieval(search, "")).
//	    AddNode("answer", flowgraph.Agent(answer)).
//	    AddConditionalEdge("classify", "lookup", "intent == 'medication'").
//	    AddEdge("classify", "answer").
//	    AddEdge("lookup", "answer").
//	    AddEdge("answer", flowgraph.END).
//	    SetEntry("classify").
//	    Compile()
type Graph struct {
	mu       sync.Mutex
	def      flowdef.FlowDefinition
	adapters map[string]NodeAdapter
}

// NewGraph creates a new graph builder.
func NewGraph() *Graph {
	return &Graph{
		def:      flowdef.FlowDefinition{Name: "graph"},
		adapters: make(map[string]NodeAdapter),
	}
}

// Named sets the flow name used in logs, metrics and checkpoints.
func (g *Graph) Named(name string) *Graph {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.def.Name = name
	return g
}

// AddNode adds a named node to the graph. The node type is the adapter's
// kind. Returns the graph for method chaining.
//
// Panics if:
//   - id is empty
//   - id is a spelling of the terminal ("END", "__end__", case-insensitive)
//   - id contains whitespace (space, tab, newline)
//   - adapter is nil
//   - id already exists in the graph
func (g *Graph) AddNode(id string, adapter NodeAdapter) *Graph {
	if id == "" {
		panic("flowgraph: node ID cannot be empty")
	}
	if flowdef.IsTerminal(id) {
		panic("flowgraph: node ID cannot be reserved word 'END'")
	}
	if strings.ContainsAny(id, " \t\n\r") {
		panic("flowgraph: node ID cannot contain whitespace")
	}
	if adapter == nil {
		panic("flowgraph: node adapter cannot be nil")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.adapters[id]; exists {
		panic(fmt.Sprintf("flowgraph: duplicate node ID: %s", id))
	}

	g.adapters[id] = adapter
	g.def.Nodes = append(g.def.Nodes, flowdef.NodeDefinition{Name: id, Type: adapter.Kind()})
	return g
}

// AddEdge adds an unconditional (default) edge from one node to another.
// The target can be a node ID or flowgraph.END.
// Returns the graph for method chaining.
//
// Edge validation happens at Compile() time, not here.
// This allows edges to be added in any order.
func (g *Graph) AddEdge(from, to string) *Graph {
	return g.AddConditionalEdge(from, to, "")
}

// AddConditionalEdge adds an edge taken when condition holds. Conditions
// on one node are tested in the order they were added; the default edge
// is taken when none match, else the traversal ends.
// Returns the graph for method chaining.
func (g *Graph) AddConditionalEdge(from, to, condition string) *Graph {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.def.Edges = append(g.def.Edges, flowdef.EdgeDefinition{From: from, To: to, Condition: condition})
	return g
}

// SetEntry designates the entry point node.
// This must be called before Compile().
// Returns the graph for method chaining.
func (g *Graph) SetEntry(id string) *Graph {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.def.Entry = id
	return g
}

// SetMaxSteps sets the flow's default step budget.
func (g *Graph) SetMaxSteps(n int) *Graph {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.def.Settings.MaxSteps = n
	return g
}

// Definition returns a copy of the definition built so far.
func (g *Graph) Definition() *flowdef.FlowDefinition {
	g.mu.Lock()
	defer g.mu.Unlock()

	def := g.def
	def.Nodes = append([]flowdef.NodeDefinition(nil), g.def.Nodes...)
	def.Edges = append([]flowdef.EdgeDefinition(nil), g.def.Edges...)
	return &def
}

// Compile validates the graph and creates an executable CompiledGraph.
// Validation failures are returned as *flowdef.ValidationError.
func (g *Graph) Compile(opts ...CompileOption) (*CompiledGraph, error) {
	def := g.Definition()

	g.mu.Lock()
	adapters := make(map[string]NodeAdapter, len(g.adapters))
	for id, a := range g.adapters {
		adapters[id] = a
	}
	g.mu.Unlock()

	resolver := ResolverFunc(func(_ context.Context, node flowdef.NodeDefinition) (NodeAdapter, error) {
		a, ok := adapters[node.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, node.Name)
		}
		return a, nil
	})
	return Compile(context.Background(), def, resolver, opts...)
}
