package flowgraph

import (
	"github.com/randalmurphal/careflow/pkg/flowgraph/flowdef"
)

// END is the terminal edge target. Configuration may also spell it "END"
// or "end"; every spelling is normalized to this value at load.
const END = flowdef.Terminal

// NodeAdapter is the uniform interface over the closed set of node kinds.
//
// Execute receives a clone of the traversal state and returns a partial
// state that the engine merges back: scalar fields replace, append fields
// (messages, plus any declared in the schema) accumulate. A nil partial
// state leaves the state unchanged. Errors and panics are surfaced as
// *NodeExecutionError.
type NodeAdapter interface {
	Kind() flowdef.NodeType
	Execute(ctx Context, state State) (State, error)
}

// AgentFunc is an LLM-agent step. It receives the conversation history and
// a read-only view of the state.
type AgentFunc func(ctx Context, messages []Message, state State) (State, error)

// RetrievalFunc is a retrieval step. It receives the query text taken from
// the state.
type RetrievalFunc func(ctx Context, query string, state State) (State, error)

// FunctionFunc is a pure business-function step.
//
// Example:
//
//	func increment(ctx flowgraph.Context, s flowgraph.State) (flowgraph.State, error) {
//	    n, _ := s["counter"].(int)
//	    return flowgraph.State{"counter": n + 1}, nil
//	}
type FunctionFunc func(ctx Context, state State) (State, error)

// DefaultQueryKey is the state field a retrieval adapter reads its query
// from when none is configured.
const DefaultQueryKey = "query"

// Agent wraps fn as an agent adapter.
func Agent(fn AgentFunc) NodeAdapter {
	if fn == nil {
		panic("flowgraph: agent function cannot be nil")
	}
	return agentAdapter{fn: fn}
}

// Retrieval wraps fn as a retrieval adapter reading its query from
// queryKey. An empty queryKey means DefaultQueryKey. When the query field
// is unset the newest message content is used.
func Retrieval(fn RetrievalFunc, queryKey string) NodeAdapter {
	if fn == nil {
		panic("flowgraph: retrieval function cannot be nil")
	}
	if queryKey == "" {
		queryKey = DefaultQueryKey
	}
	return retrievalAdapter{fn: fn, key: queryKey}
}

// Function wraps fn as a function adapter.
func Function(fn FunctionFunc) NodeAdapter {
	if fn == nil {
		panic("flowgraph: function cannot be nil")
	}
	return functionAdapter{fn: fn}
}

type agentAdapter struct{ fn AgentFunc }

func (agentAdapter) Kind() flowdef.NodeType { return flowdef.NodeAgent }

func (a agentAdapter) Execute(ctx Context, state State) (State, error) {
	return a.fn(ctx, state.Messages(), state)
}

type retrievalAdapter struct {
	fn  RetrievalFunc
	key string
}

func (retrievalAdapter) Kind() flowdef.NodeType { return flowdef.NodeRetrieval }

func (r retrievalAdapter) Execute(ctx Context, state State) (State, error) {
	query := state.String(r.key)
	if query == "" {
		if last, ok := state.LastMessage(); ok {
			query = last.Content
		}
	}
	return r.fn(ctx, query, state)
}

type functionAdapter struct{ fn FunctionFunc }

func (functionAdapter) Kind() flowdef.NodeType { return flowdef.NodeFunction }

func (f functionAdapter) Execute(ctx Context, state State) (State, error) {
	return f.fn(ctx, state)
}
