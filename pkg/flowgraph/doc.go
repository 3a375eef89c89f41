/*
Package flowgraph compiles declarative flow definitions into executable
graphs and drives them against per-request state.

# Overview

A flow is a set of named nodes (agent, retrieval or function steps) joined
by edges that may carry a condition. Flows are written in YAML or JSON,
loaded and validated by package flowdef, compiled here against a Resolver
that supplies one NodeAdapter per node, and run once per request:

	def, err := flowdef.LoadFile("triage.yaml")
	if err != nil {
	    log.Fatal(err)
	}

	reg := flowgraph.NewRegistry().
	    HandleFunc("record_bp", recordBP).
	    Factory(flowdef.NodeAgent, llm.NewFactory(client))

	compiled, err := flowgraph.Compile(ctx, def, reg)
	if err != nil {
	    log.Fatal(err)
	}

	fctx := flowgraph.NewContext(r.Context(),
	    flowgraph.WithActorID(user),
	    flowgraph.WithSessionID(session))
	result, err := compiled.Run(fctx, flowgraph.State{
	    "messages": []flowgraph.Message{{Role: "user", Content: text}},
	}, flowgraph.WithCheckpointing(store))

Graphs can also be built in code with NewGraph; the builder produces a
FlowDefinition and goes through the same validator and compiler.

# Routing

Each node's outgoing edges are compiled once. Conditioned edges are tested
in declaration order and the first match wins; with no match the default
(condition-less) edge is taken, and a node without a default edge ends the
traversal. Conditions use package expr:

	edges:
	  - {from: classify, to: lookup, condition: "intent == 'medication'"}
	  - {from: classify, to: record, condition: "intent == 'bp' && systolic >= 140"}
	  - {from: classify, to: END}

A field absent from state is falsy by default. Set settings.strict_conditions
or WithMissingFieldPolicy(expr.MissingError) to fail the traversal with a
*RoutingError instead.

# State

State is a map. Adapters receive a clone and return a partial State that is
merged back: scalar fields replace, while "messages" and any field declared
in settings.append_fields or WithStateSchema accumulate.

# Request Context

Run opens a reqctx scope holding the actor, session and trace identifiers.
Adapter code at any depth reads them with reqctx.ActorID(ctx) and friends.
The scope is closed on every exit path; identifiers are never checkpointed.

# Checkpointing

With WithCheckpointing, a snapshot is saved under the session id (or
WithCheckpointKey) after every node. The next Run with the same key starts
from the stored state, which is how multi-turn conversations continue
without resending history. Resume continues an interrupted traversal from
the node the checkpoint recorded as next.

# Error Handling

Traversal errors carry node attribution:

	var nodeErr *flowgraph.NodeExecutionError
	if errors.As(err, &nodeErr) {
	    log.Printf("node %s failed: %v", nodeErr.NodeID, nodeErr.Err)
	}

Panics in adapters are recovered as *PanicError inside a
*NodeExecutionError. Cyclic flows stop with *StepLimitError and a cancelled
context yields *CancellationError. A failed traversal never returns state.

# Observability

Run options enable OpenTelemetry metrics (WithMetrics) and tracing
(WithTracing), and deliver node enter/exit events to an observability.Sink
(WithSink). Sink failures are logged and swallowed.

# Thread Safety

CompiledGraph is immutable and safe for concurrent Run calls. Holder swaps
graphs atomically on hot reload.
*/
package flowgraph
