package flowgraph

import (
	"context"
	"fmt"
	"time"

	"github.com/randalmurphal/careflow/pkg/flowgraph/checkpoint"
)

// Resume continues an interrupted traversal from the checkpoint stored
// under key. Execution restarts at the node the checkpoint recorded as next,
// with the stored state and step count, and keeps checkpointing to store.
//
// A checkpoint written at the end of a completed traversal yields its state
// without executing anything. Unlike Run, Resume does not start over from
// the entry node.
//
// Example:
//
//	// The process crashed after "classify"; continue with "lookup".
//	result, err := compiled.Resume(ctx, store, "s1")
func (cg *CompiledGraph) Resume(ctx Context, store checkpoint.Store, key string, opts ...RunOption) (State, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if store == nil || key == "" {
		return nil, ErrCheckpointKeyRequired
	}

	cfg := defaultRunConfig(cg.maxSteps)
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.checkpointStore = store
	cfg.checkpointKey = key

	return cg.start(ctx, &cfg, func(runCtx context.Context, key string) (State, int, int, error) {
		cp, state, err := loadCheckpoint(runCtx, store, key)
		if err != nil {
			return nil, 0, 0, err
		}
		if cp == nil {
			return nil, 0, 0, fmt.Errorf("%w: %s", ErrNoCheckpoint, key)
		}
		if cp.Complete() {
			return state, terminal, cp.Step, nil
		}

		next, ok := cg.index[cp.NextNode]
		if !ok {
			return nil, 0, 0, fmt.Errorf("%w: %s", ErrInvalidResumeNode, cp.NextNode)
		}
		return state, next, cp.Step, nil
	})
}

// LoadState returns the state stored under key, or ErrNoCheckpoint.
func LoadState(ctx context.Context, store checkpoint.Store, key string) (State, error) {
	cp, state, err := loadCheckpoint(ctx, store, key)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoCheckpoint, key)
	}
	return state, nil
}

// Session is a read-only view of the checkpoint stored for a session.
type Session struct {
	Key       string    `json:"key"`
	Flow      string    `json:"flow,omitempty"`
	NodeID    string    `json:"node_id"`
	NextNode  string    `json:"next_node,omitempty"`
	Step      int       `json:"step"`
	Complete  bool      `json:"complete"`
	UpdatedAt time.Time `json:"updated_at"`
	State     State     `json:"state"`
}

// LoadSession returns the checkpoint stored under key with its decoded
// state, or ErrNoCheckpoint.
func LoadSession(ctx context.Context, store checkpoint.Store, key string) (*Session, error) {
	cp, state, err := loadCheckpoint(ctx, store, key)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoCheckpoint, key)
	}
	return &Session{
		Key:       key,
		Flow:      cp.Flow,
		NodeID:    cp.NodeID,
		NextNode:  cp.NextNode,
		Step:      cp.Step,
		Complete:  cp.Complete(),
		UpdatedAt: cp.Timestamp,
		State:     state,
	}, nil
}
