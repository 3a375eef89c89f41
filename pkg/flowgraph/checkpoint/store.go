// Package checkpoint provides persistent state storage for multi-turn
// continuation and crash recovery.
//
// A Store is a byte-oriented key-value map. The engine writes one
// Checkpoint envelope per key (typically the session id) after every node
// and reads it back at the start of the next traversal with the same key.
package checkpoint

import (
	"context"
	"errors"
)

// Store persists checkpoints keyed by session.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the data stored under key.
	// Returns ErrNotFound if nothing is stored.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores data under key, replacing any previous value.
	Put(ctx context.Context, key string, data []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases any resources (connections, files).
	Close() error
}

// Sentinel errors for checkpoint operations.
var (
	// ErrNotFound indicates no checkpoint exists for the key.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("checkpoint store closed")

	// ErrEmptyKey indicates an operation was attempted with an empty key.
	ErrEmptyKey = errors.New("checkpoint key cannot be empty")

	// ErrVersionMismatch indicates the checkpoint format is incompatible.
	ErrVersionMismatch = errors.New("checkpoint version mismatch")
)
