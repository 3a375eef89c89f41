package flowgraph

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/randalmurphal/careflow/pkg/flowgraph/observability"
	"github.com/randalmurphal/careflow/pkg/flowgraph/reqctx"
)

// Context provides execution context to nodes.
// It extends context.Context with flowgraph-specific services and metadata.
//
// Context is immutable after creation. The executor creates derived contexts
// for each node with updated NodeID, step and enriched logger.
type Context interface {
	context.Context

	// Logger returns the configured logger, enriched with run and node context.
	// Never returns nil - defaults to slog.Default() if not configured.
	Logger() *slog.Logger

	// RunID returns the unique identifier for this execution run.
	// Auto-generated if not configured.
	RunID() string

	// NodeID returns the current node being executed.
	// Empty string before execution starts.
	NodeID() string

	// Step returns the 1-based step number of the current node.
	Step() int

	// Identifiers returns the request-scoped identifiers visible to the node.
	Identifiers() reqctx.Identifiers
}

// executionContext is the internal implementation of Context.
type executionContext struct {
	context.Context

	logger *slog.Logger
	runID  string
	nodeID string
	step   int
	ids    reqctx.Identifiers
	scoped bool
}

// Logger returns the configured logger.
func (c *executionContext) Logger() *slog.Logger {
	return c.logger
}

// RunID returns the run identifier.
func (c *executionContext) RunID() string {
	return c.runID
}

// NodeID returns the current node identifier.
func (c *executionContext) NodeID() string {
	return c.nodeID
}

// Step returns the step number.
func (c *executionContext) Step() int {
	return c.step
}

// Identifiers returns the identifiers of the traversal's scope. Before a
// traversal enters its scope, the configured identifiers are layered over
// any scope already present on the wrapped context.
func (c *executionContext) Identifiers() reqctx.Identifiers {
	if c.scoped {
		return reqctx.From(c.Context)
	}
	return c.ids.Overlay(reqctx.From(c.Context))
}

// ContextOption configures a Context.
type ContextOption func(*executionContext)

// WithLogger sets the logger for the context.
// The logger will be enriched with run_id, node_id, and step during execution.
func WithLogger(logger *slog.Logger) ContextOption {
	return func(c *executionContext) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithContextRunID sets the run identifier for the context.
// If not set, a UUID will be auto-generated.
func WithContextRunID(id string) ContextOption {
	return func(c *executionContext) {
		if id != "" {
			c.runID = id
		}
	}
}

// WithActorID sets the caller identity propagated to adapters.
func WithActorID(id string) ContextOption {
	return func(c *executionContext) {
		c.ids.ActorID = id
	}
}

// WithSessionID sets the session identifier. It is also the default
// checkpoint key.
func WithSessionID(id string) ContextOption {
	return func(c *executionContext) {
		c.ids.SessionID = id
	}
}

// WithTraceID sets the trace identifier. If not set, the traversal uses the
// active OpenTelemetry trace id or a fresh UUID.
func WithTraceID(id string) ContextOption {
	return func(c *executionContext) {
		c.ids.TraceID = id
	}
}

// NewContext creates an execution context from a standard context.
// The returned Context wraps the provided context.Context and adds
// flowgraph-specific services and metadata.
//
// Example:
//
//	ctx := flowgraph.NewContext(r.Context(),
//	    flowgraph.WithLogger(logger),
//	    flowgraph.WithActorID(claims.Subject),
//	    flowgraph.WithSessionID(sessionID))
func NewContext(ctx context.Context, opts ...ContextOption) Context {
	ec := &executionContext{
		Context: ctx,
		logger:  slog.Default(),
		runID:   uuid.New().String(),
	}

	for _, opt := range opts {
		opt(ec)
	}

	return ec
}

// asExecutionContext returns ctx as the internal implementation, wrapping
// foreign Context implementations.
func asExecutionContext(ctx Context) *executionContext {
	if ec, ok := ctx.(*executionContext); ok {
		return ec
	}
	return &executionContext{
		Context: ctx,
		logger:  ctx.Logger(),
		runID:   ctx.RunID(),
		ids:     ctx.Identifiers(),
	}
}

// withScope returns a copy bound to a traversal's scoped context.
func (c *executionContext) withScope(scoped context.Context, ids reqctx.Identifiers) *executionContext {
	return &executionContext{
		Context: scoped,
		logger:  c.logger.With("ids", ids),
		runID:   c.runID,
		ids:     ids,
		scoped:  true,
	}
}

// withNode returns a new context for one node execution.
func (c *executionContext) withNode(ctx context.Context, nodeID string, step int) *executionContext {
	return &executionContext{
		Context: ctx,
		logger:  observability.EnrichLogger(c.logger, c.runID, nodeID, step),
		runID:   c.runID,
		nodeID:  nodeID,
		step:    step,
		ids:     c.ids,
		scoped:  c.scoped,
	}
}

// TemplateVarsKey is the template namespace holding request identifiers,
// so prompts and built-in steps can reference ${ctx.actor_id},
// ${ctx.session_id}, ${ctx.trace_id}, ${ctx.run_id} and ${ctx.node_id}.
const TemplateVarsKey = "ctx"

// TemplateVars returns the variables a node renders templates with: every
// state field plus the request identifiers under TemplateVarsKey.
func TemplateVars(ctx Context, state State) map[string]any {
	vars := make(map[string]any, len(state)+1)
	for k, v := range state {
		vars[k] = v
	}
	ids := ctx.Identifiers()
	vars[TemplateVarsKey] = map[string]any{
		"actor_id":   ids.ActorID,
		"session_id": ids.SessionID,
		"trace_id":   ids.TraceID,
		"run_id":     ctx.RunID(),
		"node_id":    ctx.NodeID(),
	}
	return vars
}
