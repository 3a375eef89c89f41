package flowgraph

import (
	"fmt"
	"sync"

	"github.com/randalmurphal/careflow/pkg/flowgraph/expr"
	"github.com/randalmurphal/careflow/pkg/flowgraph/flowdef"
)

// CompiledGraph is an immutable, executable graph.
// It is created by Compile or by calling Compile() on a Graph builder.
//
// CompiledGraph is thread-safe and can be used concurrently for multiple
// Run() calls. Nodes are held in a flat slice and routing refers to them by
// index, so cyclic flows need no recursive references.
type CompiledGraph struct {
	def         *flowdef.FlowDefinition
	nodes       []compiledNode
	index       map[string]int
	entry       int
	policy      expr.Policy
	schema      Schema
	maxSteps    int
	unreachable []string

	// live, when set, is consulted for each node's adapter before every
	// execution.
	live Resolver

	// sessions holds the checkpoint keys of in-flight traversals.
	sessions sync.Map
}

type compiledNode struct {
	name    string
	kind    flowdef.NodeType
	def     flowdef.NodeDefinition
	adapter NodeAdapter
	routes  routing
}

type conditionalRoute struct {
	target  int
	program *expr.Program
}

// routing is one node's compiled outgoing edges.
type routing struct {
	// static is set when the node has no conditioned edges; fallback is
	// then taken without evaluation.
	static     bool
	conditions []conditionalRoute
	fallback   int
}

// next selects the index of the next node, or terminal.
func (cg *CompiledGraph) next(from int, state State) (int, error) {
	r := &cg.nodes[from].routes
	if r.static {
		return r.fallback, nil
	}
	for _, c := range r.conditions {
		ok, err := c.program.Eval(state, cg.policy)
		if err != nil {
			return 0, &RoutingError{FromNode: cg.nodes[from].name, Condition: c.program.Source(), Err: err}
		}
		if ok {
			return c.target, nil
		}
	}
	return r.fallback, nil
}

func (cg *CompiledGraph) nameOf(i int) string {
	if i == terminal {
		return END
	}
	return cg.nodes[i].name
}

// NextNode reports where a traversal at from would go given state. It
// returns END when the traversal would finish.
func (cg *CompiledGraph) NextNode(from string, state State) (string, error) {
	i, ok := cg.index[from]
	if !ok {
		return "", fmt.Errorf("%w: %s", flowdef.ErrInvalidFlow, from)
	}
	next, err := cg.next(i, state)
	if err != nil {
		return "", err
	}
	return cg.nameOf(next), nil
}

// Name returns the flow name.
func (cg *CompiledGraph) Name() string {
	return cg.def.Name
}

// Version returns the flow version.
func (cg *CompiledGraph) Version() string {
	return cg.def.Version
}

// EntryPoint returns the entry node ID.
func (cg *CompiledGraph) EntryPoint() string {
	return cg.nodes[cg.entry].name
}

// NodeIDs returns all node identifiers in declaration order.
func (cg *CompiledGraph) NodeIDs() []string {
	ids := make([]string, len(cg.nodes))
	for i, n := range cg.nodes {
		ids[i] = n.name
	}
	return ids
}

// HasNode checks if a node exists in the graph.
func (cg *CompiledGraph) HasNode(id string) bool {
	_, exists := cg.index[id]
	return exists
}

// NodeKind returns the type of the named node.
func (cg *CompiledGraph) NodeKind(id string) (flowdef.NodeType, bool) {
	i, ok := cg.index[id]
	if !ok {
		return "", false
	}
	return cg.nodes[i].kind, true
}

// Successors returns the possible next nodes of id: conditioned targets in
// declaration order followed by the fallback (END when the node has no
// default edge). Returns nil for END or unknown nodes.
func (cg *CompiledGraph) Successors(id string) []string {
	i, ok := cg.index[id]
	if !ok {
		return nil
	}
	r := cg.nodes[i].routes
	out := make([]string, 0, len(r.conditions)+1)
	for _, c := range r.conditions {
		out = append(out, cg.nameOf(c.target))
	}
	return append(out, cg.nameOf(r.fallback))
}

// IsConditional returns true if routing from the node evaluates conditions.
func (cg *CompiledGraph) IsConditional(id string) bool {
	i, ok := cg.index[id]
	return ok && !cg.nodes[i].routes.static
}

// Unreachable returns nodes no path from the entry reaches.
func (cg *CompiledGraph) Unreachable() []string {
	return append([]string(nil), cg.unreachable...)
}

// MaxSteps returns the default step budget.
func (cg *CompiledGraph) MaxSteps() int {
	return cg.maxSteps
}

// Policy returns the missing-field policy used for conditions.
func (cg *CompiledGraph) Policy() expr.Policy {
	return cg.policy
}

// Schema returns the state merge schema.
func (cg *CompiledGraph) Schema() Schema {
	return cg.schema
}

// Definition returns the validated definition the graph was compiled from.
// It must not be modified.
func (cg *CompiledGraph) Definition() *flowdef.FlowDefinition {
	return cg.def
}
