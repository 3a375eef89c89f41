package flowgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/careflow/pkg/flowgraph/checkpoint"
	"github.com/randalmurphal/careflow/pkg/flowgraph/observability"
	"github.com/randalmurphal/careflow/pkg/flowgraph/reqctx"
)

// Traversal outcomes recorded in metrics.
const (
	outcomeOK        = "ok"
	outcomeError     = "error"
	outcomeCancelled = "cancelled"
	outcomeStepLimit = "step_limit"
)

// prepareFunc produces the starting state, node index and step count of a
// traversal once its scope is open.
type prepareFunc func(ctx context.Context, key string) (State, int, int, error)

// Run executes the graph from the entry node with the given input state.
// Returns the final state, or nil and an error. Partial state from a failed
// traversal is never returned.
//
// Execution flow:
//  1. Open a request scope carrying the context's identifiers
//  2. Load the checkpoint for the session key, if checkpointing
//  3. Merge input into the starting state
//  4. Check the step budget and cancellation, then execute the current node
//  5. Merge the node's output and select the next node
//  6. Save a checkpoint, then repeat until END or an error
//
// Concurrent Runs on one graph are independent. A Run whose checkpoint key
// (or session id) is already in use by this graph fails with ErrSessionBusy.
//
// Example:
//
//	ctx := flowgraph.NewContext(r.Context(), flowgraph.WithSessionID("s1"))
//	result, err := compiled.Run(ctx, flowgraph.State{"messages": msgs},
//	    flowgraph.WithCheckpointing(store))
func (cg *CompiledGraph) Run(ctx Context, input State, opts ...RunOption) (State, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	cfg := defaultRunConfig(cg.maxSteps)
	for _, opt := range opts {
		opt(&cfg)
	}

	return cg.start(ctx, &cfg, func(runCtx context.Context, key string) (State, int, int, error) {
		state := State{}
		if cfg.checkpointStore != nil {
			cp, stored, err := loadCheckpoint(runCtx, cfg.checkpointStore, key)
			if err != nil {
				return nil, 0, 0, err
			}
			if cp != nil {
				state = stored
			}
		}
		return cg.schema.Merge(state, input.Clone()), cg.entry, 0, nil
	})
}

// start runs a traversal inside a request scope with run-level
// observability.
func (cg *CompiledGraph) start(ctx Context, cfg *runConfig, prepare prepareFunc) (result State, runErr error) {
	ec := asExecutionContext(ctx)
	ids := ec.Identifiers()

	key := cfg.checkpointKey
	if key == "" {
		key = ids.SessionID
	}
	if cfg.checkpointStore != nil && key == "" {
		return nil, ErrCheckpointKeyRequired
	}
	if key != "" {
		if _, busy := cg.sessions.LoadOrStore(key, struct{}{}); busy {
			return nil, fmt.Errorf("%w: %s", ErrSessionBusy, key)
		}
		defer cg.sessions.Delete(key)
	}

	startTime := time.Now()

	var base context.Context = ec.Context
	if cfg.tracing {
		var span trace.Span
		base, span = cfg.spans.StartRunSpan(base, cg.Name(), ec.runID)
		defer func() {
			cfg.spans.EndSpanWithError(span, runErr)
		}()
	}

	if ids.SessionID == "" {
		ids.SessionID = key
	}
	if ids.TraceID == "" {
		ids.TraceID = defaultTraceID(base)
	}

	runCtx, exit := reqctx.Enter(base, ids)
	defer exit()
	tc := ec.withScope(runCtx, reqctx.From(runCtx))

	state, startAt, steps, err := prepare(runCtx, key)
	if err == nil {
		observability.LogRunStart(tc.logger, cg.Name(), tc.runID, cg.nameOf(startAt))
		state, steps, err = cg.traverse(runCtx, tc, cfg, key, state, startAt, steps)
	}

	duration := time.Since(startTime)
	durationMs := float64(duration.Milliseconds())
	cfg.metrics.RecordTraversal(runCtx, cg.Name(), traversalOutcome(err), steps, duration)

	if err != nil {
		observability.LogRunError(tc.logger, cg.Name(), tc.runID, err, durationMs, failedNode(err))
		return nil, err
	}
	observability.LogRunComplete(tc.logger, cg.Name(), tc.runID, durationMs, steps)
	return state, nil
}

// traverse drives the node loop from index at. step is the number of
// steps already taken (non-zero when resuming). Returns the final state and
// total step count.
func (cg *CompiledGraph) traverse(ctx context.Context, tc *executionContext, cfg *runConfig, key string, state State, at, step int) (State, int, error) {
	current := at

	for current != terminal {
		node := &cg.nodes[current]

		if step >= cfg.maxSteps {
			return nil, step, &StepLimitError{Max: cfg.maxSteps, NodeID: node.name}
		}

		// Check for cancellation before executing node
		if err := ctx.Err(); err != nil {
			return nil, step, &CancellationError{NodeID: node.name, Step: step + 1, Cause: err}
		}

		step++
		kind := string(node.kind)

		nodeCtx := ctx
		var span trace.Span
		if cfg.tracing {
			nodeCtx, span = cfg.spans.StartNodeSpan(ctx, node.name, kind, step)
		}
		nc := tc.withNode(nodeCtx, node.name, step)

		observability.LogNodeStart(nc.logger, node.name, kind)
		cg.emit(nodeCtx, cfg, nc, observability.NodeEvent{Phase: observability.PhaseEnter})

		nodeStart := time.Now()
		partial, err := cg.executeNode(nc, node, state)
		nodeDuration := time.Since(nodeStart)

		cfg.metrics.RecordNodeExecution(nodeCtx, node.name, kind, nodeDuration, err)
		cg.emit(nodeCtx, cfg, nc, observability.NodeEvent{Phase: observability.PhaseExit, Duration: nodeDuration, Err: err})
		if cfg.tracing {
			cfg.spans.EndSpanWithError(span, err)
		}

		// An adapter that observed cancellation is reported as cancellation.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, step, &CancellationError{NodeID: node.name, Step: step, Cause: ctxErr, WasExecuting: true}
		}
		if err != nil {
			observability.LogNodeError(nc.logger, node.name, err)
			return nil, step, err
		}
		if err := reqctx.Verify(nodeCtx, tc.ids); err != nil {
			return nil, step, err
		}

		state = cg.schema.Merge(state, partial)

		next, err := cg.next(current, state)
		if err != nil {
			return nil, step, err
		}
		observability.LogNodeComplete(nc.logger, node.name, float64(nodeDuration.Milliseconds()), cg.nameOf(next))

		if cfg.checkpointStore != nil {
			if err := cg.saveCheckpoint(ctx, nc, cfg, key, node.name, step, state, next); err != nil {
				return nil, step, err
			}
		}

		current = next
	}

	return state, step, nil
}

// executeNode runs the node's adapter on a clone of state with panic
// recovery. With a live resolver the adapter is looked up again first.
// Failures are attributed to the node.
func (cg *CompiledGraph) executeNode(ctx *executionContext, node *compiledNode, state State) (partial State, err error) {
	defer func() {
		if r := recover(); r != nil {
			partial = nil
			err = &NodeExecutionError{
				NodeID: node.name,
				Kind:   string(node.kind),
				Step:   ctx.step,
				Err: &PanicError{
					NodeID: node.name,
					Value:  r,
					Stack:  string(debug.Stack()),
				},
			}
		}
	}()

	adapter := node.adapter
	if cg.live != nil {
		adapter, err = resolveNode(ctx, cg.live, node.def)
		if err != nil {
			return nil, &NodeExecutionError{
				NodeID: node.name,
				Kind:   string(node.kind),
				Step:   ctx.step,
				Err:    err,
			}
		}
	}

	partial, err = adapter.Execute(ctx, state.Clone())
	if err != nil {
		return nil, &NodeExecutionError{
			NodeID: node.name,
			Kind:   string(node.kind),
			Step:   ctx.step,
			Err:    err,
		}
	}
	return partial, nil
}

// emit completes ev from the node context and delivers it. Sink failures
// never reach the traversal.
func (cg *CompiledGraph) emit(ctx context.Context, cfg *runConfig, nc *executionContext, ev observability.NodeEvent) {
	ev.Flow = cg.Name()
	ev.Node = nc.nodeID
	ev.Step = nc.step
	ev.RunID = nc.runID
	ev.TraceID = nc.ids.TraceID
	ev.Time = time.Now()
	if kind, ok := cg.NodeKind(nc.nodeID); ok {
		ev.NodeType = string(kind)
	}
	observability.Deliver(ctx, cfg.sink, ev, nc.logger)
}

// saveCheckpoint persists state after a node. Failures are logged unless
// checkpoint failures are fatal. A saved checkpoint is recorded as an event
// on the run span carried by runCtx.
func (cg *CompiledGraph) saveCheckpoint(runCtx context.Context, nc *executionContext, cfg *runConfig, key, nodeID string, step int, state State, next int) error {
	fail := func(op string, err error) error {
		if cfg.checkpointFailureFatal {
			return &CheckpointError{Key: key, NodeID: nodeID, Op: op, Err: err}
		}
		observability.LogCheckpointError(nc.logger, key, nodeID, op, err)
		return nil
	}

	stateBytes, err := json.Marshal(state)
	if err != nil {
		return fail("serialize", err)
	}

	nextNode := ""
	if next != terminal {
		nextNode = cg.nodes[next].name
	}
	data, err := checkpoint.New(key, nodeID, step, stateBytes, nextNode).WithFlow(cg.Name()).Marshal()
	if err != nil {
		return fail("serialize", err)
	}

	if err := cfg.checkpointStore.Put(nc, key, data); err != nil {
		return fail("save", err)
	}

	observability.LogCheckpoint(nc.logger, key, nodeID, len(data))
	cfg.metrics.RecordCheckpoint(nc, nodeID, int64(len(data)))
	if cfg.tracing {
		cfg.spans.AddSpanEvent(runCtx, "checkpoint.saved",
			attribute.String("checkpoint.key", key),
			attribute.String("node.id", nodeID),
			attribute.Int("node.step", step),
			attribute.Int("checkpoint.size", len(data)),
		)
	}
	return nil
}

// loadCheckpoint returns the stored checkpoint and its decoded state, or
// nil when none exists.
func loadCheckpoint(ctx context.Context, store checkpoint.Store, key string) (*checkpoint.Checkpoint, State, error) {
	data, err := store.Get(ctx, key)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, &CheckpointError{Key: key, Op: "load", Err: err}
	}

	cp, err := checkpoint.Unmarshal(data)
	if err != nil {
		return nil, nil, &CheckpointError{Key: key, Op: "decode", Err: err}
	}
	state, err := decodeState(cp.State)
	if err != nil {
		return nil, nil, &CheckpointError{Key: key, Op: "decode", Err: err}
	}
	return cp, state, nil
}

// decodeState restores a snapshot. Integral numbers decode as int so a
// counter written as 1 reads back as 1, not 1.0.
func decodeState(raw json.RawMessage) (State, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	state := make(State, len(m))
	for k, v := range m {
		state[k] = fromJSONNumber(v)
	}
	return normalizeState(state), nil
}

func fromJSONNumber(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return int(i)
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, vv := range t {
			t[k] = fromJSONNumber(vv)
		}
		return t
	case []any:
		for i, vv := range t {
			t[i] = fromJSONNumber(vv)
		}
		return t
	}
	return v
}

// defaultTraceID uses the active span's trace id, else a fresh UUID.
func defaultTraceID(ctx context.Context) string {
	if id, ok := observability.TraceIDFromContext(ctx); ok {
		return id
	}
	return uuid.New().String()
}

func traversalOutcome(err error) string {
	var cancelled *CancellationError
	switch {
	case err == nil:
		return outcomeOK
	case errors.As(err, &cancelled):
		return outcomeCancelled
	case errors.Is(err, ErrStepLimitExceeded):
		return outcomeStepLimit
	default:
		return outcomeError
	}
}

// failedNode extracts the node a traversal error is attributed to.
func failedNode(err error) string {
	var (
		nodeErr   *NodeExecutionError
		limitErr  *StepLimitError
		cancelErr *CancellationError
		routeErr  *RoutingError
		cpErr     *CheckpointError
	)
	switch {
	case errors.As(err, &nodeErr):
		return nodeErr.NodeID
	case errors.As(err, &limitErr):
		return limitErr.NodeID
	case errors.As(err, &cancelErr):
		return cancelErr.NodeID
	case errors.As(err, &routeErr):
		return routeErr.FromNode
	case errors.As(err, &cpErr):
		return cpErr.NodeID
	}
	return ""
}
