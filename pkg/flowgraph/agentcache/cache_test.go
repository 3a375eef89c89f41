package agentcache

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/careflow/pkg/flowgraph"
	"github.com/randalmurphal/careflow/pkg/flowgraph/flowdef"
)

// instance is a pointer adapter so tests can compare identity.
type instance struct {
	kind flowdef.NodeType
	id   int64
}

func (i *instance) Kind() flowdef.NodeType { return i.kind }

func (i *instance) Execute(flowgraph.Context, flowgraph.State) (flowgraph.State, error) {
	return flowgraph.State{"built": i.id}, nil
}

// countingBuilder builds a fresh instance per call.
type countingBuilder struct {
	calls atomic.Int64
	delay time.Duration
	fail  atomic.Bool
}

func (b *countingBuilder) Resolve(ctx context.Context, node flowdef.NodeDefinition) (flowgraph.NodeAdapter, error) {
	n := b.calls.Add(1)
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.fail.Load() {
		return nil, errors.New("upstream unavailable")
	}
	return &instance{kind: node.Type, id: n}, nil
}

func agentNode(name, prompt string) flowdef.NodeDefinition {
	return flowdef.NodeDefinition{
		Name:   name,
		Type:   flowdef.NodeAgent,
		Config: map[string]any{"prompt": prompt, "temperature": 0.2},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func writeSource(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte("prompt: triage\n"), 0o644))
	return path
}

// touch moves the file's modification time forward by d.
func touch(t *testing.T, path string, d time.Duration) {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	mt := info.ModTime().Add(d)
	require.NoError(t, os.Chtimes(path, mt, mt))
}

func TestGet_SameInstanceUntilSourceChanges(t *testing.T) {
	src := writeSource(t)
	b := &countingBuilder{}
	c := New(b, WithSources(src), WithLogger(quietLogger()))
	ctx := context.Background()
	node := agentNode("classify", "triage")

	first, err := c.Get(ctx, node)
	require.NoError(t, err)
	second, err := c.Get(ctx, node)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int64(1), b.calls.Load())

	touch(t, src, 2*time.Second)

	third, err := c.Get(ctx, node)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, int64(2), b.calls.Load())

	s := c.Stats()
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(2), s.Misses)
	assert.Equal(t, uint64(2), s.Created)
	assert.Equal(t, uint64(1), s.Evicted)
	assert.Equal(t, 1, s.Size)
}

func TestGet_SourceChangeInvalidatesEveryEntry(t *testing.T) {
	src := writeSource(t)
	c := New(&countingBuilder{}, WithSources(src), WithLogger(quietLogger()))
	ctx := context.Background()

	_, err := c.Get(ctx, agentNode("a", "x"))
	require.NoError(t, err)
	_, err = c.Get(ctx, agentNode("b", "y"))
	require.NoError(t, err)
	require.Len(t, c.Keys(), 2)

	touch(t, src, time.Second)
	assert.True(t, c.CheckSources())
	assert.Empty(t, c.Keys())
	assert.Equal(t, uint64(2), c.Stats().Evicted)

	assert.False(t, c.CheckSources(), "unchanged sources do not invalidate")
}

func TestGet_CheckInterval(t *testing.T) {
	src := writeSource(t)
	c := New(&countingBuilder{}, WithSources(src), WithCheckInterval(time.Hour), WithLogger(quietLogger()))
	ctx := context.Background()
	node := agentNode("classify", "triage")

	first, err := c.Get(ctx, node)
	require.NoError(t, err)
	touch(t, src, time.Second)

	second, err := c.Get(ctx, node)
	require.NoError(t, err)
	assert.Same(t, first, second, "check is throttled")

	now := time.Now()
	c.now = func() time.Time { return now.Add(2 * time.Hour) }
	third, err := c.Get(ctx, node)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
}

func TestGet_MissingSourceIsNotAnError(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.yaml")
	c := New(&countingBuilder{}, WithSources(missing), WithLogger(quietLogger()))

	a, err := c.Get(context.Background(), agentNode("n", "p"))
	require.NoError(t, err)
	require.NotNil(t, a)

	require.NoError(t, os.WriteFile(missing, []byte("x"), 0o644))
	assert.True(t, c.CheckSources(), "a source appearing counts as a change")
}

func TestKey(t *testing.T) {
	a := agentNode("classify", "triage")
	b := flowdef.NodeDefinition{
		Name: "classify",
		Type: flowdef.NodeAgent,
		// Same content, different insertion order.
		Config: map[string]any{"temperature": 0.2, "prompt": "triage"},
	}

	ka, err := Key(a)
	require.NoError(t, err)
	kb, err := Key(b)
	require.NoError(t, err)
	assert.Equal(t, ka, kb)
	assert.Regexp(t, `^agent/classify#[0-9a-f]{16}$`, ka)

	changed := agentNode("classify", "escalate")
	kc, err := Key(changed)
	require.NoError(t, err)
	assert.NotEqual(t, ka, kc)

	_, err = Key(flowdef.NodeDefinition{Name: "bad", Type: flowdef.NodeFunction, Config: map[string]any{"fn": func() {}}})
	assert.Error(t, err)
}

func TestGet_ConfigChangeIsANewEntry(t *testing.T) {
	c := New(&countingBuilder{}, WithLogger(quietLogger()))
	ctx := context.Background()

	a, err := c.Get(ctx, agentNode("classify", "triage"))
	require.NoError(t, err)
	b, err := c.Get(ctx, agentNode("classify", "escalate"))
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.Len(t, c.Keys(), 2)
}

func TestGet_BuildErrorNotCached(t *testing.T) {
	b := &countingBuilder{}
	b.fail.Store(true)
	c := New(b, WithLogger(quietLogger()))
	ctx := context.Background()

	_, err := c.Get(ctx, agentNode("n", "p"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream unavailable")
	assert.Empty(t, c.Keys())

	b.fail.Store(false)
	a, err := c.Get(ctx, agentNode("n", "p"))
	require.NoError(t, err)
	assert.NotNil(t, a)
}

func TestGet_NilAdapterIsAnError(t *testing.T) {
	c := New(flowgraph.ResolverFunc(func(context.Context, flowdef.NodeDefinition) (flowgraph.NodeAdapter, error) {
		return nil, nil
	}), WithLogger(quietLogger()))

	_, err := c.Get(context.Background(), agentNode("n", "p"))
	assert.ErrorContains(t, err, "nil adapter")
}

func TestGet_CancelledContext(t *testing.T) {
	c := New(&countingBuilder{}, WithLogger(quietLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Get(ctx, agentNode("n", "p"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGet_ConcurrentMissesShareOneBuild(t *testing.T) {
	b := &countingBuilder{delay: 50 * time.Millisecond}
	c := New(b, WithLogger(quietLogger()))
	node := agentNode("classify", "triage")

	const workers = 32
	results := make([]flowgraph.NodeAdapter, workers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			a, err := c.Get(context.Background(), node)
			assert.NoError(t, err)
			results[i] = a
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), b.calls.Load())
	for _, r := range results {
		assert.Same(t, results[0], r)
	}
	assert.Equal(t, uint64(1), c.Stats().Created)
}

func TestGet_ConcurrentWithInvalidation(t *testing.T) {
	c := New(&countingBuilder{}, WithLogger(quietLogger()))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for range 50 {
				_, err := c.Get(ctx, agentNode("n", string(rune('a'+i%4))))
				assert.NoError(t, err)
			}
		}(i)
		go func() {
			defer wg.Done()
			for range 50 {
				c.InvalidateAll()
			}
		}()
	}
	wg.Wait()

	s := c.Stats()
	assert.Equal(t, s.Size, len(c.Keys()))
	assert.LessOrEqual(t, s.Size, 4)
}

func TestReload(t *testing.T) {
	ctx := context.Background()

	t.Run("replaces entry", func(t *testing.T) {
		c := New(&countingBuilder{}, WithLogger(quietLogger()))
		node := agentNode("n", "p")
		before, err := c.Get(ctx, node)
		require.NoError(t, err)
		key, _ := Key(node)

		require.NoError(t, c.Reload(ctx, key))

		after, err := c.Get(ctx, node)
		require.NoError(t, err)
		assert.NotSame(t, before, after)
		assert.Equal(t, uint64(1), c.Stats().Reloaded)
	})

	t.Run("failure keeps previous entry", func(t *testing.T) {
		b := &countingBuilder{}
		c := New(b, WithLogger(quietLogger()))
		node := agentNode("n", "p")
		before, err := c.Get(ctx, node)
		require.NoError(t, err)
		key, _ := Key(node)

		b.fail.Store(true)
		err = c.Reload(ctx, key)
		require.Error(t, err)
		assert.Contains(t, err.Error(), key)

		after, err := c.Get(ctx, node)
		require.NoError(t, err)
		assert.Same(t, before, after)
		assert.Equal(t, uint64(0), c.Stats().Reloaded)
	})

	t.Run("unknown key", func(t *testing.T) {
		c := New(&countingBuilder{}, WithLogger(quietLogger()))
		assert.ErrorIs(t, c.Reload(ctx, "agent/missing#0"), ErrNotCached)
	})

	t.Run("empty key reloads all", func(t *testing.T) {
		c := New(&countingBuilder{}, WithLogger(quietLogger()))
		_, err := c.Get(ctx, agentNode("a", "p"))
		require.NoError(t, err)
		_, err = c.Get(ctx, agentNode("b", "p"))
		require.NoError(t, err)

		require.NoError(t, c.Reload(ctx, ""))
		assert.Equal(t, uint64(2), c.Stats().Reloaded)
	})

	t.Run("reload all joins failures", func(t *testing.T) {
		b := &countingBuilder{}
		c := New(b, WithLogger(quietLogger()))
		_, err := c.Get(ctx, agentNode("a", "p"))
		require.NoError(t, err)
		_, err = c.Get(ctx, agentNode("b", "p"))
		require.NoError(t, err)

		b.fail.Store(true)
		err = c.ReloadAll(ctx)
		require.Error(t, err)
		assert.Len(t, c.Keys(), 2)
	})
}

func TestInvalidate(t *testing.T) {
	c := New(&countingBuilder{}, WithLogger(quietLogger()))
	node := agentNode("n", "p")
	_, err := c.Get(context.Background(), node)
	require.NoError(t, err)
	key, _ := Key(node)

	assert.True(t, c.Invalidate(key))
	assert.False(t, c.Invalidate(key))
	assert.False(t, c.Invalidate("never-cached"))
	assert.Equal(t, uint64(1), c.Stats().Evicted)

	assert.Equal(t, 0, c.InvalidateAll())
}

func TestEntries(t *testing.T) {
	src := writeSource(t)
	c := New(&countingBuilder{}, WithSources(src), WithLogger(quietLogger()))
	_, err := c.Get(context.Background(), agentNode("b", "p"))
	require.NoError(t, err)
	_, err = c.Get(context.Background(), agentNode("a", "p"))
	require.NoError(t, err)

	entries := c.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Node.Name)
	assert.Equal(t, "b", entries[1].Node.Name)
	assert.NotZero(t, entries[0].Fingerprint)
	assert.False(t, entries[0].CreatedAt.IsZero())

	info, err := os.Stat(src)
	require.NoError(t, err)
	assert.True(t, entries[0].SourceModTime.Equal(info.ModTime()))
	assert.Equal(t, []string{src}, c.Sources())
}

func TestCache_AsResolver(t *testing.T) {
	def, err := flowdef.Load([]byte(`
name: cached
entry: classify
nodes:
  - name: classify
    type: agent
    config: {prompt: triage}
edges:
  - {from: classify, to: END}
`))
	require.NoError(t, err)

	b := &countingBuilder{}
	c := New(b, WithLogger(quietLogger()))
	ctx := context.Background()

	_, err = flowgraph.Compile(ctx, def, c)
	require.NoError(t, err)
	_, err = flowgraph.Compile(ctx, def, c)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.calls.Load(), "second compile reuses the adapter")
}

func TestNew_NilBuilderPanics(t *testing.T) {
	assert.Panics(t, func() { New(nil) })
}

func TestGet_CancelledLeaderDoesNotFailWaiters(t *testing.T) {
	b := &countingBuilder{delay: 100 * time.Millisecond}
	c := New(b, WithLogger(quietLogger()))
	node := agentNode("classify", "triage")

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.Get(leaderCtx, node)
		leaderErr <- err
	}()

	time.Sleep(10 * time.Millisecond)
	time.AfterFunc(10*time.Millisecond, cancel)
	adapter, err := c.Get(context.Background(), node)

	require.NoError(t, err)
	assert.NotNil(t, adapter)
	assert.ErrorIs(t, <-leaderErr, context.Canceled)
	assert.Equal(t, int64(1), b.calls.Load())
	assert.Equal(t, 1, c.Stats().Size, "the detached build is still cached")
}

const cachedFlow = `
name: cached
entry: classify
nodes:
  - name: classify
    type: agent
    config: {prompt: triage}
edges:
  - {from: classify, to: END}
`

func runBuilt(t *testing.T, h *flowgraph.Holder) int64 {
	t.Helper()
	out, err := h.Run(flowgraph.NewContext(context.Background()), flowgraph.State{})
	require.NoError(t, err)
	return out["built"].(int64)
}

func TestCompiledGraph_ServesRebuiltAdapters(t *testing.T) {
	src := writeSource(t)
	b := &countingBuilder{}
	c := New(b, WithSources(src), WithLogger(quietLogger()))
	ctx := context.Background()

	def, err := flowdef.Load([]byte(cachedFlow))
	require.NoError(t, err)
	h := flowgraph.NewHolder(c).WithHolderLogger(quietLogger())
	require.NoError(t, h.Reload(ctx, def))

	assert.Equal(t, int64(1), runBuilt(t, h))
	assert.Equal(t, int64(1), runBuilt(t, h), "unchanged sources reuse the adapter")

	touch(t, src, 2*time.Second)
	assert.Equal(t, int64(2), runBuilt(t, h), "a changed source is picked up without recompiling")

	require.NoError(t, c.ReloadAll(ctx))
	assert.Equal(t, int64(3), runBuilt(t, h), "a reloaded entry is served on the next run")

	reloads, _ := h.Stats()
	assert.Equal(t, int64(1), reloads)
}

func TestCompiledGraph_FailedRebuildFailsNode(t *testing.T) {
	src := writeSource(t)
	b := &countingBuilder{}
	c := New(b, WithSources(src), WithLogger(quietLogger()))

	def, err := flowdef.Load([]byte(cachedFlow))
	require.NoError(t, err)
	cg, err := flowgraph.Compile(context.Background(), def, c)
	require.NoError(t, err)

	touch(t, src, time.Second)
	b.fail.Store(true)

	_, err = cg.Run(flowgraph.NewContext(context.Background()), flowgraph.State{})
	var nodeErr *flowgraph.NodeExecutionError
	require.ErrorAs(t, err, &nodeErr)
	assert.Equal(t, "classify", nodeErr.NodeID)
	var resolveErr *flowgraph.ResolveError
	assert.ErrorAs(t, err, &resolveErr)
	assert.ErrorContains(t, err, "upstream unavailable")
}
