package flowgraph

import (
	"errors"
	"fmt"
)

// Sentinel errors for graph building and compilation.
var (
	// ErrNilDefinition indicates Compile was called without a flow definition.
	ErrNilDefinition = errors.New("flow definition cannot be nil")

	// ErrNilResolver indicates Compile was called without an adapter resolver.
	ErrNilResolver = errors.New("adapter resolver cannot be nil")

	// ErrUnknownHandler indicates a resolver has no adapter for a node.
	ErrUnknownHandler = errors.New("no adapter for node")

	// ErrKindMismatch indicates a resolver returned an adapter whose kind
	// differs from the node's declared type.
	ErrKindMismatch = errors.New("adapter kind does not match node type")
)

// Sentinel errors for execution.
var (
	// ErrStepLimitExceeded indicates the traversal exceeded its step budget.
	ErrStepLimitExceeded = errors.New("step limit exceeded")

	// ErrNilContext indicates Run() was called with a nil context.
	ErrNilContext = errors.New("context cannot be nil")

	// ErrSessionBusy indicates another traversal of the same graph holds the
	// checkpoint key.
	ErrSessionBusy = errors.New("session already has a traversal in progress")
)

// Sentinel errors for checkpointing and resume.
var (
	// ErrCheckpointKeyRequired indicates checkpointing was enabled without a
	// key or session id.
	ErrCheckpointKeyRequired = errors.New("checkpoint key required")

	// ErrNoCheckpoint indicates no checkpoint exists for the key.
	ErrNoCheckpoint = errors.New("no checkpoint found")

	// ErrInvalidResumeNode indicates the resume node doesn't exist in the graph.
	ErrInvalidResumeNode = errors.New("invalid resume node")
)

// ResolveError reports that the resolver could not supply an adapter for a
// node at compile time.
type ResolveError struct {
	NodeID string
	Type   string
	Err    error
}

// Error implements the error interface.
func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s node %s: %v", e.Type, e.NodeID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ResolveError) Unwrap() error {
	return e.Err
}

// CheckpointError wraps errors from checkpoint operations.
type CheckpointError struct {
	// Key is the checkpoint key.
	Key string
	// NodeID is the node where checkpointing failed (empty for loads).
	NodeID string
	// Op is the operation that failed ("load", "decode", "serialize", "save").
	Op string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *CheckpointError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("checkpoint %s for key %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("checkpoint %s for key %s at node %s: %v", e.Op, e.Key, e.NodeID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CheckpointError) Unwrap() error {
	return e.Err
}

// NodeExecutionError attributes an adapter failure to the node that raised
// it. It terminates only the current traversal.
type NodeExecutionError struct {
	// NodeID is the identifier of the node that failed.
	NodeID string
	// Kind is the node's adapter type.
	Kind string
	// Step is the 1-based step number within the traversal.
	Step int
	// Err is the underlying error from the adapter.
	Err error
}

// Error implements the error interface.
func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %s (%s, step %d): %v", e.NodeID, e.Kind, e.Step, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *NodeExecutionError) Unwrap() error {
	return e.Err
}

// PanicError captures panic information from node execution.
// It includes the stack trace for debugging.
type PanicError struct {
	// NodeID is the identifier of the node that panicked.
	NodeID string
	// Value is the value passed to panic().
	Value any
	// Stack is the full stack trace at the point of panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("node %s panicked: %v", e.NodeID, e.Value)
}

// CancellationError reports that the traversal's context was cancelled.
// No partial state is returned with it.
type CancellationError struct {
	// NodeID is the node that was about to execute or was executing.
	NodeID string
	// Step is the step at which cancellation was observed.
	Step int
	// Cause is the underlying cancellation cause (context.Canceled or context.DeadlineExceeded).
	Cause error
	// WasExecuting is true if cancellation occurred during node execution.
	WasExecuting bool
}

// Error implements the error interface.
func (e *CancellationError) Error() string {
	if e.WasExecuting {
		return fmt.Sprintf("cancelled during node %s: %v", e.NodeID, e.Cause)
	}
	return fmt.Sprintf("cancelled before node %s: %v", e.NodeID, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CancellationError) Unwrap() error {
	return e.Cause
}

// RoutingError wraps a condition that failed to evaluate. It only occurs
// under the strict missing-field policy.
type RoutingError struct {
	// FromNode is the node whose outgoing edges were being evaluated.
	FromNode string
	// Condition is the source of the failing condition.
	Condition string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing from %s on %q: %v", e.FromNode, e.Condition, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *RoutingError) Unwrap() error {
	return e.Err
}

// StepLimitError provides context when the step budget is exhausted.
type StepLimitError struct {
	// Max is the configured step limit.
	Max int
	// NodeID is the node that would have executed next.
	NodeID string
}

// Error implements the error interface.
func (e *StepLimitError) Error() string {
	return fmt.Sprintf("step limit (%d) exceeded at node %s", e.Max, e.NodeID)
}

// Unwrap returns ErrStepLimitExceeded for errors.Is support.
func (e *StepLimitError) Unwrap() error {
	return ErrStepLimitExceeded
}
