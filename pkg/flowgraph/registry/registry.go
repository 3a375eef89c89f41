package registry

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrNotFound matches every *NotFoundError via errors.Is.
var ErrNotFound = errors.New("not registered")

// ErrDuplicate is returned by RegisterUnique when the key is taken.
var ErrDuplicate = errors.New("already registered")

// NotFoundError reports a lookup of an unregistered key.
type NotFoundError struct {
	// Kind names what the registry holds, e.g. "handler".
	Kind string
	Key  string
	// Known lists the registered keys at lookup time.
	Known []string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q %s (known: %v)", e.Kind, e.Key, ErrNotFound, e.Known)
}

// Is reports whether target is ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Registry is a thread-safe registry for values indexed by an ordered key.
// It uses sync.RWMutex for read-heavy workloads.
type Registry[K cmp.Ordered, V any] struct {
	mu      sync.RWMutex
	kind    string
	entries map[K]V
}

// New creates a new empty registry.
func New[K cmp.Ordered, V any]() *Registry[K, V] {
	return NewNamed[K, V]("entry")
}

// NewNamed creates an empty registry whose errors describe entries as kind.
func NewNamed[K cmp.Ordered, V any](kind string) *Registry[K, V] {
	return &Registry[K, V]{
		kind:    kind,
		entries: make(map[K]V),
	}
}

// Register adds or updates a value in the registry.
func (r *Registry[K, V]) Register(key K, value V) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = value
}

// RegisterUnique adds a value, failing with ErrDuplicate if key exists.
func (r *Registry[K, V]) RegisterUnique(key K, value V) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; ok {
		return fmt.Errorf("%s %v: %w", r.kind, key, ErrDuplicate)
	}
	r.entries[key] = value
	return nil
}

// RegisterMany adds multiple entries to the registry.
func (r *Registry[K, V]) RegisterMany(entries map[K]V) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range entries {
		r.entries[k] = v
	}
}

// Get returns the value for a key and whether it exists.
func (r *Registry[K, V]) Get(key K) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[key]
	return v, ok
}

// Lookup returns the value for a key or a *NotFoundError listing the
// registered keys.
func (r *Registry[K, V]) Lookup(key K) (V, error) {
	r.mu.RLock()
	v, ok := r.entries[key]
	r.mu.RUnlock()
	if ok {
		return v, nil
	}

	keys := r.Keys()
	known := make([]string, len(keys))
	for i, k := range keys {
		known[i] = fmt.Sprint(k)
	}
	return v, &NotFoundError{Kind: r.kind, Key: fmt.Sprint(key), Known: known}
}

// Has returns true if the key exists in the registry.
func (r *Registry[K, V]) Has(key K) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[key]
	return ok
}

// Delete removes a key from the registry. Deleting an absent key is a no-op.
func (r *Registry[K, V]) Delete(key K) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

// Keys returns all keys in ascending order.
func (r *Registry[K, V]) Keys() []K {
	r.mu.RLock()
	keys := make([]K, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	slices.Sort(keys)
	return keys
}

// Len returns the number of entries in the registry.
func (r *Registry[K, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

