package flowgraph

import (
	"context"
	"fmt"

	"github.com/randalmurphal/careflow/pkg/flowgraph/config"
	"github.com/randalmurphal/careflow/pkg/flowgraph/flowdef"
	"github.com/randalmurphal/careflow/pkg/flowgraph/registry"
)

// Resolver supplies the adapter for a node definition at compile time.
// Implementations may construct adapters on demand; agentcache.Cache
// memoizes any Resolver.
type Resolver interface {
	Resolve(ctx context.Context, node flowdef.NodeDefinition) (NodeAdapter, error)
}

// LiveResolver is a Resolver that memoizes adapters and may replace them
// after a graph is compiled, as agentcache.Cache does on reload or when a
// watched source changes. A graph compiled with a live resolver resolves
// each node through it again before every execution, so a replaced
// adapter is served from the next step on.
type LiveResolver interface {
	Resolver
	// Live reports whether resolved adapters can be replaced later.
	Live() bool
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, node flowdef.NodeDefinition) (NodeAdapter, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, node flowdef.NodeDefinition) (NodeAdapter, error) {
	return f(ctx, node)
}

// Factory builds an adapter from a node's definition, typically reading
// its config.
type Factory func(ctx context.Context, node flowdef.NodeDefinition) (NodeAdapter, error)

// HandlerKey is the node config field naming a registered handler.
// Nodes without it resolve by their own name.
const HandlerKey = "handler"

// Registry is a Resolver backed by named handlers and per-type factories.
//
// A node resolves to the handler named by its config "handler" field (or
// its own name). When no handler matches, the factory registered for the
// node's type builds one.
//
//	reg := flowgraph.NewRegistry().
//	    Handle("record_bp", flowgraph.Function(recordBP)).
//	    Factory(flowdef.NodeAgent, llm.NewFactory(client))
type Registry struct {
	handlers  *registry.Registry[string, NodeAdapter]
	factories *registry.Registry[flowdef.NodeType, Factory]
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers:  registry.NewNamed[string, NodeAdapter]("handler"),
		factories: registry.NewNamed[flowdef.NodeType, Factory]("factory"),
	}
}

// Handle registers a named adapter. Returns the registry for chaining.
func (r *Registry) Handle(name string, adapter NodeAdapter) *Registry {
	if adapter == nil {
		panic("flowgraph: handler adapter cannot be nil")
	}
	r.handlers.Register(name, adapter)
	return r
}

// HandleFunc registers fn as a named function adapter.
func (r *Registry) HandleFunc(name string, fn FunctionFunc) *Registry {
	return r.Handle(name, Function(fn))
}

// Factory registers the builder for nodes of type t.
func (r *Registry) Factory(t flowdef.NodeType, f Factory) *Registry {
	if f == nil {
		panic("flowgraph: factory cannot be nil")
	}
	r.factories.Register(t, f)
	return r
}

// Handlers returns the registered handler names in sorted order.
func (r *Registry) Handlers() []string {
	return r.handlers.Keys()
}

// Resolve implements Resolver.
func (r *Registry) Resolve(ctx context.Context, node flowdef.NodeDefinition) (NodeAdapter, error) {
	name := config.New(node.Config).String(HandlerKey, node.Name)
	if adapter, ok := r.handlers.Get(name); ok {
		return adapter, nil
	}
	if factory, ok := r.factories.Get(node.Type); ok {
		return factory(ctx, node)
	}
	_, err := r.handlers.Lookup(name)
	return nil, fmt.Errorf("%w: %w", ErrUnknownHandler, err)
}
