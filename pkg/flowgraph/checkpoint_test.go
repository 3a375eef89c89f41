package flowgraph

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/careflow/pkg/flowgraph/checkpoint"
)

// counterGraph increments "counter" and records the value it started from.
func counterGraph(t *testing.T) *CompiledGraph {
	t.Helper()
	inc := Function(func(ctx Context, s State) (State, error) {
		n, _ := s["counter"].(int)
		return State{"counter": n + 1, "started_from": n}, nil
	})
	compiled, err := NewGraph().
		Named("counter").
		AddNode("inc", inc).
		AddEdge("inc", END).
		SetEntry("inc").
		Compile()
	require.NoError(t, err)
	return compiled
}

// failingStore fails every write.
type failingStore struct{ *checkpoint.MemoryStore }

func (failingStore) Put(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func TestRun_SessionContinuation(t *testing.T) {
	stores := map[string]func(t *testing.T) checkpoint.Store{
		"memory": func(*testing.T) checkpoint.Store { return checkpoint.NewMemoryStore() },
		"sqlite": func(t *testing.T) checkpoint.Store {
			s, err := checkpoint.NewSQLiteStore(":memory:")
			require.NoError(t, err)
			return s
		},
		"redis": func(t *testing.T) checkpoint.Store {
			return checkpoint.NewRedisStore(miniredis.RunT(t).Addr(), "", 0)
		},
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			t.Cleanup(func() { _ = store.Close() })
			cg := counterGraph(t)

			first, err := cg.Run(testCtx(WithSessionID("s1")), State{}, WithCheckpointing(store))
			require.NoError(t, err)
			assert.Equal(t, 1, first["counter"])

			second, err := cg.Run(testCtx(WithSessionID("s1")), State{}, WithCheckpointing(store))
			require.NoError(t, err)
			assert.Equal(t, 1, second["started_from"], "second run starts from the stored state")
			assert.Equal(t, 2, second["counter"])

			other, err := cg.Run(testCtx(WithSessionID("s2")), State{}, WithCheckpointing(store))
			require.NoError(t, err)
			assert.Equal(t, 1, other["counter"], "other sessions start fresh")
		})
	}
}

func TestRun_ContinuationAppendsMessages(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	reply := Agent(func(ctx Context, msgs []Message, s State) (State, error) {
		return State{"messages": Message{Role: "assistant", Content: "turn"}}, nil
	})
	cg, err := NewGraph().AddNode("reply", reply).AddEdge("reply", END).SetEntry("reply").Compile()
	require.NoError(t, err)

	_, err = cg.Run(testCtx(), State{"messages": []Message{{Role: "user", Content: "hi"}}},
		WithCheckpointing(store), WithCheckpointKey("conv"))
	require.NoError(t, err)

	result, err := cg.Run(testCtx(), State{"messages": []Message{{Role: "user", Content: "again"}}},
		WithCheckpointing(store), WithCheckpointKey("conv"))
	require.NoError(t, err)

	contents := make([]string, 0)
	for _, m := range result.Messages() {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"hi", "turn", "again", "turn"}, contents)
}

func TestRun_CheckpointContents(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	cg := compileScenario(t)

	_, err := cg.Run(testCtx(WithActorID("secret-actor"), WithSessionID("s1")), State{"x": 1}, WithCheckpointing(store))
	require.NoError(t, err)

	data, err := store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret-actor", "identifiers are never checkpointed")

	cp, err := checkpoint.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, "scenario", cp.Flow)
	assert.Equal(t, "B", cp.NodeID)
	assert.Equal(t, 2, cp.Step)
	assert.True(t, cp.Complete())

	state, err := LoadState(context.Background(), store, "s1")
	require.NoError(t, err)
	assert.Equal(t, []any{"A", "B"}, state["path"])
	assert.Equal(t, 1, state["x"])

	sess, err := LoadSession(context.Background(), store, "s1")
	require.NoError(t, err)
	assert.Equal(t, "scenario", sess.Flow)
	assert.Equal(t, "B", sess.NodeID)
	assert.Equal(t, 2, sess.Step)
	assert.True(t, sess.Complete)
	assert.Empty(t, sess.NextNode)
	assert.False(t, sess.UpdatedAt.IsZero())
	assert.Equal(t, state, sess.State)
}

func TestRun_CheckpointKeyRequired(t *testing.T) {
	cg := counterGraph(t)
	_, err := cg.Run(testCtx(), State{}, WithCheckpointing(checkpoint.NewMemoryStore()))
	assert.ErrorIs(t, err, ErrCheckpointKeyRequired)
}

func TestRun_CheckpointFailures(t *testing.T) {
	store := failingStore{checkpoint.NewMemoryStore()}
	cg := counterGraph(t)

	logger, buf := bufferLogger()
	result, err := cg.Run(testCtx(WithLogger(logger)), State{},
		WithCheckpointing(store), WithCheckpointKey("k"))
	require.NoError(t, err, "save failures are not fatal by default")
	assert.Equal(t, 1, result["counter"])
	assert.Contains(t, buf.String(), "checkpoint failed")

	result, err = cg.Run(testCtx(), State{},
		WithCheckpointing(store), WithCheckpointKey("k"), WithCheckpointFailureFatal(true))
	assert.Nil(t, result)

	var cpErr *CheckpointError
	require.True(t, errors.As(err, &cpErr))
	assert.Equal(t, "save", cpErr.Op)
	assert.Equal(t, "inc", cpErr.NodeID)
	assert.Equal(t, "k", cpErr.Key)
}

func TestRun_CorruptCheckpoint(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), "k", []byte("{not json")))

	_, err := counterGraph(t).Run(testCtx(), State{}, WithCheckpointing(store), WithCheckpointKey("k"))
	var cpErr *CheckpointError
	require.True(t, errors.As(err, &cpErr))
	assert.Equal(t, "decode", cpErr.Op)
}

func putCheckpoint(t *testing.T, store checkpoint.Store, key, nodeID, next string, step int, state State) {
	t.Helper()
	raw, err := json.Marshal(state)
	require.NoError(t, err)
	data, err := checkpoint.New(key, nodeID, step, raw, next).Marshal()
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), key, data))
}

func TestResume(t *testing.T) {
	var resumedStep int
	compiled, err := NewGraph().
		AddNode("A", visit("A")).
		AddNode("B", Function(func(ctx Context, s State) (State, error) {
			resumedStep = ctx.Step()
			return State{"path": "B"}, nil
		})).
		AddEdge("A", "B").
		AddEdge("B", END).
		SetEntry("A").
		Compile(WithStateSchema("path"))
	require.NoError(t, err)

	t.Run("continues from next node", func(t *testing.T) {
		store := checkpoint.NewMemoryStore()
		putCheckpoint(t, store, "crash", "A", "B", 1, State{"path": []any{"A"}})

		result, err := compiled.Resume(testCtx(), store, "crash")
		require.NoError(t, err)
		assert.Equal(t, []any{"A", "B"}, result["path"])
		assert.Equal(t, 2, resumedStep)

		data, err := store.Get(context.Background(), "crash")
		require.NoError(t, err)
		cp, err := checkpoint.Unmarshal(data)
		require.NoError(t, err)
		assert.True(t, cp.Complete())
		assert.Equal(t, 2, cp.Step)
	})

	t.Run("completed checkpoint returns state", func(t *testing.T) {
		store := checkpoint.NewMemoryStore()
		putCheckpoint(t, store, "done", "B", "", 2, State{"path": []any{"A", "B"}})
		resumedStep = 0

		result, err := compiled.Resume(testCtx(), store, "done")
		require.NoError(t, err)
		assert.Equal(t, []any{"A", "B"}, result["path"])
		assert.Zero(t, resumedStep)
	})

	t.Run("unknown next node", func(t *testing.T) {
		store := checkpoint.NewMemoryStore()
		putCheckpoint(t, store, "stale", "A", "removed", 1, State{})

		_, err := compiled.Resume(testCtx(), store, "stale")
		assert.ErrorIs(t, err, ErrInvalidResumeNode)
	})

	t.Run("missing checkpoint", func(t *testing.T) {
		_, err := compiled.Resume(testCtx(), checkpoint.NewMemoryStore(), "nothing")
		assert.ErrorIs(t, err, ErrNoCheckpoint)

		_, err = LoadState(context.Background(), checkpoint.NewMemoryStore(), "nothing")
		assert.ErrorIs(t, err, ErrNoCheckpoint)

		_, err = LoadSession(context.Background(), checkpoint.NewMemoryStore(), "nothing")
		assert.ErrorIs(t, err, ErrNoCheckpoint)
	})

	t.Run("argument checks", func(t *testing.T) {
		_, err := compiled.Resume(nil, checkpoint.NewMemoryStore(), "k")
		assert.ErrorIs(t, err, ErrNilContext)
		_, err = compiled.Resume(testCtx(), checkpoint.NewMemoryStore(), "")
		assert.ErrorIs(t, err, ErrCheckpointKeyRequired)
	})
}

func TestDecodeState_RestoresTypes(t *testing.T) {
	raw := json.RawMessage(`{"n": 3, "f": 2.5, "nested": {"k": 4}, "list": [1, 1.5],
		"messages": [{"role": "user", "content": "hi"}]}`)
	state, err := decodeState(raw)
	require.NoError(t, err)

	assert.Equal(t, 3, state["n"])
	assert.Equal(t, 2.5, state["f"])
	assert.Equal(t, map[string]any{"k": 4}, state["nested"])
	assert.Equal(t, []any{1, 1.5}, state["list"])
	assert.Equal(t, []Message{{Role: "user", Content: "hi"}}, state[MessagesKey])
}
