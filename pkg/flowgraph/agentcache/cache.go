package agentcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"github.com/randalmurphal/careflow/pkg/flowgraph"
	"github.com/randalmurphal/careflow/pkg/flowgraph/flowdef"
)

// ErrNotCached is returned by Reload for a key with no entry.
var ErrNotCached = errors.New("agentcache: key not cached")

// Entry is one memoized adapter.
type Entry struct {
	Key     string
	Node    flowdef.NodeDefinition
	Adapter flowgraph.NodeAdapter
	// Fingerprint is the xxhash of the node's canonical config JSON.
	Fingerprint uint64
	// SourceModTime is the newest watched source modification time when
	// the entry was built.
	SourceModTime time.Time
	CreatedAt     time.Time
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
	Created  uint64 `json:"created"`
	Reloaded uint64 `json:"reloaded"`
	Evicted  uint64 `json:"evicted"`
	Size     int    `json:"size"`
}

// Option configures a Cache.
type Option func(*Cache)

// WithSources sets the files whose modification times guard the cache.
// When any of them changes, every entry is invalidated.
func WithSources(paths ...string) Option {
	return func(c *Cache) {
		c.sources = append(c.sources, paths...)
	}
}

// WithCheckInterval throttles source checks on access. Zero checks on
// every access.
func WithCheckInterval(d time.Duration) Option {
	return func(c *Cache) {
		c.checkInterval = d
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Cache memoizes the adapters built by a flowgraph.Resolver. It is itself
// a Resolver, so it can be passed straight to flowgraph.Compile.
type Cache struct {
	builder       flowgraph.Resolver
	sources       []string
	checkInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time

	group singleflight.Group

	mu         sync.Mutex
	entries    map[string]*Entry
	generation uint64
	sourceMod  time.Time
	lastCheck  time.Time
	stats      Stats
}

var _ flowgraph.LiveResolver = (*Cache)(nil)

// New creates a cache in front of builder. The current source
// modification time is recorded as the baseline.
func New(builder flowgraph.Resolver, opts ...Option) *Cache {
	if builder == nil {
		panic("agentcache: builder cannot be nil")
	}
	c := &Cache{
		builder: builder,
		logger:  slog.Default(),
		now:     time.Now,
		entries: make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sourceMod = c.newestModTime()
	c.lastCheck = c.now()
	return c
}

// Fingerprint hashes a node config. encoding/json writes map keys in
// sorted order, so equal configs hash equally.
func Fingerprint(config map[string]any) (uint64, error) {
	data, err := json.Marshal(config)
	if err != nil {
		return 0, fmt.Errorf("fingerprint config: %w", err)
	}
	return xxhash.Sum64(data), nil
}

// Key returns the cache key for node: type, name and config fingerprint.
func Key(node flowdef.NodeDefinition) (string, error) {
	fp, err := Fingerprint(node.Config)
	if err != nil {
		return "", err
	}
	return formatKey(node, fp), nil
}

func formatKey(node flowdef.NodeDefinition, fp uint64) string {
	return fmt.Sprintf("%s/%s#%016x", node.Type, node.Name, fp)
}

// Resolve implements flowgraph.Resolver.
func (c *Cache) Resolve(ctx context.Context, node flowdef.NodeDefinition) (flowgraph.NodeAdapter, error) {
	return c.Get(ctx, node)
}

// Live implements flowgraph.LiveResolver. Graphs compiled over a Cache
// pick up reloaded and invalidated entries without recompiling.
func (c *Cache) Live() bool { return true }

// Get returns the adapter for node, building it on first access. Watched
// sources are checked first; a changed source empties the cache.
// Concurrent misses for the same key share one build. The build is
// detached from ctx, so one caller giving up does not fail the others.
func (c *Cache) Get(ctx context.Context, node flowdef.NodeDefinition) (flowgraph.NodeAdapter, error) {
	fp, err := Fingerprint(node.Config)
	if err != nil {
		return nil, err
	}
	key := formatKey(node, fp)

	c.maybeCheckSources()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.stats.Hits++
		c.mu.Unlock()
		return e.Adapter, nil
	}
	c.stats.Misses++
	c.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c.mu.Lock()
		gen := c.generation
		c.mu.Unlock()

		flight := key + "@" + strconv.FormatUint(gen, 10)
		ch := c.group.DoChan(flight, func() (any, error) {
			return c.build(context.WithoutCancel(ctx), key, fp, node, gen)
		})
		var res singleflight.Result
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res = <-ch:
		}
		if res.Err != nil {
			return nil, res.Err
		}
		e := res.Val.(*Entry)
		if e != nil {
			return e.Adapter, nil
		}
		// Sources changed while building; build again against the new
		// generation.
	}
}

// build resolves node and stores the entry if gen is still current. It
// returns a nil entry when the cache was invalidated in the meantime.
func (c *Cache) build(ctx context.Context, key string, fp uint64, node flowdef.NodeDefinition, gen uint64) (*Entry, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.generation == gen {
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	adapter, err := c.builder.Resolve(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", key, err)
	}
	if adapter == nil {
		return nil, fmt.Errorf("build %s: resolver returned nil adapter", key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return nil, nil
	}
	e := &Entry{
		Key:           key,
		Node:          node,
		Adapter:       adapter,
		Fingerprint:   fp,
		SourceModTime: c.sourceMod,
		CreatedAt:     c.now(),
	}
	c.entries[key] = e
	c.stats.Created++
	c.logger.Debug("adapter cached", "key", key, "node_type", string(node.Type))
	return e, nil
}

// Reload rebuilds the entry for key. On failure the previous entry stays
// in service. An empty key reloads every entry.
func (c *Cache) Reload(ctx context.Context, key string) error {
	if key == "" {
		return c.ReloadAll(ctx)
	}

	c.mu.Lock()
	old, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotCached, key)
	}

	adapter, err := c.builder.Resolve(ctx, old.Node)
	if err == nil && adapter == nil {
		err = errors.New("resolver returned nil adapter")
	}
	if err != nil {
		c.logger.Warn("adapter reload failed, keeping previous entry", "key", key, "error", err)
		return fmt.Errorf("reload %s: %w", key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[key] != old {
		// Invalidated or replaced while rebuilding.
		return nil
	}
	c.entries[key] = &Entry{
		Key:           key,
		Node:          old.Node,
		Adapter:       adapter,
		Fingerprint:   old.Fingerprint,
		SourceModTime: c.sourceMod,
		CreatedAt:     c.now(),
	}
	c.stats.Reloaded++
	c.logger.Info("adapter reloaded", "key", key)
	return nil
}

// ReloadAll rebuilds every entry. Entries that fail to rebuild keep their
// previous adapter; the failures are joined into the returned error.
func (c *Cache) ReloadAll(ctx context.Context) error {
	var errs []error
	for _, key := range c.Keys() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.Reload(ctx, key); err != nil && !errors.Is(err, ErrNotCached) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Invalidate drops the entry for key. It reports whether an entry was
// removed; dropping a missing key is a no-op.
func (c *Cache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	c.stats.Evicted++
	return true
}

// InvalidateAll drops every entry and returns how many were removed.
func (c *Cache) InvalidateAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidateAllLocked()
}

func (c *Cache) invalidateAllLocked() int {
	n := len(c.entries)
	c.entries = make(map[string]*Entry)
	c.stats.Evicted += uint64(n)
	c.generation++
	return n
}

// CheckSources stats the watched sources now and empties the cache if
// their newest modification time differs from the recorded one. It
// reports whether the cache was invalidated.
func (c *Cache) CheckSources() bool {
	newest := c.newestModTime()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastCheck = c.now()
	if newest.Equal(c.sourceMod) {
		return false
	}
	n := c.invalidateAllLocked()
	c.sourceMod = newest
	c.logger.Info("config sources changed, cache invalidated", "evicted", n)
	return true
}

func (c *Cache) maybeCheckSources() {
	if len(c.sources) == 0 {
		return
	}
	if c.checkInterval > 0 {
		c.mu.Lock()
		due := c.now().Sub(c.lastCheck) >= c.checkInterval
		c.mu.Unlock()
		if !due {
			return
		}
	}
	c.CheckSources()
}

// newestModTime returns the latest modification time across sources.
// Missing files count as the zero time.
func (c *Cache) newestModTime() time.Time {
	var newest time.Time
	for _, path := range c.sources {
		info, err := os.Stat(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				c.logger.Warn("stat config source failed", "path", path, "error", err)
			}
			continue
		}
		if mt := info.ModTime(); mt.After(newest) {
			newest = mt
		}
	}
	return newest
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.entries)
	return s
}

// Keys returns the cached keys in sorted order.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entries returns copies of the cached entries, sorted by key.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Sources returns the watched source paths.
func (c *Cache) Sources() []string {
	return append([]string(nil), c.sources...)
}
