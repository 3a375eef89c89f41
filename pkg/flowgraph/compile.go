package flowgraph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/careflow/pkg/flowgraph/expr"
	"github.com/randalmurphal/careflow/pkg/flowgraph/flowdef"
)

// terminal is the routing index of the terminal sentinel. It can never
// collide with a node index.
const terminal = -1

// Compile validates def and builds an executable CompiledGraph, resolving
// one adapter per node through resolver.
//
// Validation runs again on a private copy, so a definition built by hand
// (not via flowdef.Load) is checked the same way; failures are returned as
// *flowdef.ValidationError. Resolver failures are returned as *ResolveError
// and no graph is produced.
//
// Routing is compiled per node into an index-based table:
//  1. A node whose only edge is a default edge gets a static target.
//  2. Otherwise conditioned edges are tested in declaration order and the
//     first match wins.
//  3. With no match the default edge is taken, else the traversal ends.
//
// Unreachable nodes (not reachable from entry) are logged as warnings
// but do not cause compilation to fail.
func Compile(ctx context.Context, def *flowdef.FlowDefinition, resolver Resolver, opts ...CompileOption) (*CompiledGraph, error) {
	if def == nil {
		return nil, ErrNilDefinition
	}
	if resolver == nil {
		return nil, ErrNilResolver
	}

	cfg := compileConfig{
		schema:   NewSchema(),
		maxSteps: DefaultMaxSteps,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	own := cloneDefinition(def)
	if err := own.Validate(); err != nil {
		return nil, err
	}

	policy := expr.MissingFalsy
	if own.Settings.StrictConditions {
		policy = expr.MissingError
	}
	if cfg.policySet {
		policy = cfg.policy
	}

	maxSteps := cfg.maxSteps
	if own.Settings.MaxSteps > 0 {
		maxSteps = own.Settings.MaxSteps
	}

	cg := &CompiledGraph{
		def:      own,
		nodes:    make([]compiledNode, len(own.Nodes)),
		index:    make(map[string]int, len(own.Nodes)),
		policy:   policy,
		schema:   NewSchema(append(cfg.schema.AppendFields(), own.Settings.AppendFields...)...),
		maxSteps: maxSteps,
	}
	for i, n := range own.Nodes {
		cg.index[n.Name] = i
	}

	if lr, ok := resolver.(LiveResolver); ok && lr.Live() {
		cg.live = lr
	}

	for i, n := range own.Nodes {
		adapter, err := resolveNode(ctx, resolver, n)
		if err != nil {
			return nil, err
		}
		cg.nodes[i] = compiledNode{
			name:    n.Name,
			kind:    n.Type,
			def:     n,
			adapter: adapter,
			routes:  cg.buildRouting(own.EdgesFrom(n.Name)),
		}
	}
	cg.entry = cg.index[own.Entry]

	cg.unreachable = cg.findUnreachable()
	for _, name := range cg.unreachable {
		cfg.logger.Warn("node is unreachable from entry", "flow", own.Name, "node_id", name)
	}

	return cg, nil
}

// buildRouting compiles a node's outgoing edges.
// resolveNode resolves n and checks the adapter's kind. Failures are
// returned as *ResolveError.
func resolveNode(ctx context.Context, resolver Resolver, n flowdef.NodeDefinition) (NodeAdapter, error) {
	adapter, err := resolver.Resolve(ctx, n)
	if err != nil {
		return nil, &ResolveError{NodeID: n.Name, Type: string(n.Type), Err: err}
	}
	if adapter == nil {
		return nil, &ResolveError{NodeID: n.Name, Type: string(n.Type), Err: ErrUnknownHandler}
	}
	if adapter.Kind() != n.Type {
		return nil, &ResolveError{
			NodeID: n.Name,
			Type:   string(n.Type),
			Err:    fmt.Errorf("%w: got %s", ErrKindMismatch, adapter.Kind()),
		}
	}
	return adapter, nil
}

func (cg *CompiledGraph) buildRouting(edges []flowdef.EdgeDefinition) routing {
	r := routing{fallback: terminal}

	for _, e := range edges {
		target := cg.target(e.To)
		if e.IsDefault() {
			r.fallback = target
			continue
		}
		r.conditions = append(r.conditions, conditionalRoute{target: target, program: e.Program()})
	}

	if len(r.conditions) == 0 {
		r.static = true
	}
	return r
}

func (cg *CompiledGraph) target(name string) int {
	if name == flowdef.Terminal {
		return terminal
	}
	return cg.index[name]
}

// findUnreachable returns the nodes no edge path from entry can reach, in
// declaration order.
func (cg *CompiledGraph) findUnreachable() []string {
	reachable := make([]bool, len(cg.nodes))
	queue := []int{cg.entry}
	reachable[cg.entry] = true

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		r := cg.nodes[current].routes
		targets := []int{r.fallback}
		for _, c := range r.conditions {
			targets = append(targets, c.target)
		}
		for _, t := range targets {
			if t != terminal && !reachable[t] {
				reachable[t] = true
				queue = append(queue, t)
			}
		}
	}

	var out []string
	for i, ok := range reachable {
		if !ok {
			out = append(out, cg.nodes[i].name)
		}
	}
	return out
}

// cloneDefinition copies def so validation and compiled programs never
// touch the caller's value.
func cloneDefinition(def *flowdef.FlowDefinition) *flowdef.FlowDefinition {
	own := *def
	own.Nodes = append([]flowdef.NodeDefinition(nil), def.Nodes...)
	own.Edges = append([]flowdef.EdgeDefinition(nil), def.Edges...)
	own.Settings.AppendFields = append([]string(nil), def.Settings.AppendFields...)
	return &own
}
