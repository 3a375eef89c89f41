package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the current checkpoint format version.
// Increment when making breaking changes to checkpoint structure.
const Version = 1

// Checkpoint is the persisted snapshot of a traversal.
// Request-scoped identifiers are never stored in it.
type Checkpoint struct {
	// Metadata
	Version   int       `json:"version"`
	Key       string    `json:"key"`
	Flow      string    `json:"flow,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Execution position
	NodeID   string `json:"node_id"`
	NextNode string `json:"next_node,omitempty"`
	Step     int    `json:"step"`

	// Execution state
	State json.RawMessage `json:"state"`
}

// Complete reports whether the traversal that wrote the checkpoint reached
// the terminal.
func (c *Checkpoint) Complete() bool {
	return c.NextNode == ""
}

// Marshal serializes a checkpoint to JSON.
func (c *Checkpoint) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// Unmarshal deserializes a checkpoint from JSON and checks its version.
func Unmarshal(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if c.Version != Version {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrVersionMismatch, c.Version, Version)
	}
	return &c, nil
}

// New creates a checkpoint. State must already be JSON-serialized.
// An empty nextNode marks a completed traversal.
func New(key, nodeID string, step int, state []byte, nextNode string) *Checkpoint {
	return &Checkpoint{
		Version:   Version,
		Key:       key,
		NodeID:    nodeID,
		Step:      step,
		Timestamp: time.Now().UTC(),
		State:     state,
		NextNode:  nextNode,
	}
}

// WithFlow records the flow name for diagnostics.
func (c *Checkpoint) WithFlow(name string) *Checkpoint {
	c.Flow = name
	return c
}
