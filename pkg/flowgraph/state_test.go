package flowgraph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchema_Merge(t *testing.T) {
	sc := NewSchema("notes", "")

	tests := []struct {
		name    string
		dst     State
		partial State
		want    State
	}{
		{
			name:    "scalar replaces",
			dst:     State{"intent": "bp", "count": 1},
			partial: State{"intent": "medication"},
			want:    State{"intent": "medication", "count": 1},
		},
		{
			name:    "append field accumulates single values",
			dst:     State{"notes": []any{"a"}},
			partial: State{"notes": "b"},
			want:    State{"notes": []any{"a", "b"}},
		},
		{
			name:    "append field starts from nothing",
			dst:     State{},
			partial: State{"notes": []string{"x", "y"}},
			want:    State{"notes": []string{"x", "y"}},
		},
		{
			name:    "typed slices append",
			dst:     State{"notes": []string{"x"}},
			partial: State{"notes": "y"},
			want:    State{"notes": []string{"x", "y"}},
		},
		{
			name:    "heterogeneous falls back to any",
			dst:     State{"notes": []string{"x"}},
			partial: State{"notes": 3},
			want:    State{"notes": []any{"x", 3}},
		},
		{
			name:    "nil append value is ignored",
			dst:     State{"notes": []any{"a"}},
			partial: State{"notes": nil},
			want:    State{"notes": []any{"a"}},
		},
		{
			name: "messages from decoded maps",
			dst:  State{MessagesKey: []Message{{Role: "user", Content: "hi"}}},
			partial: State{MessagesKey: []any{
				map[string]any{"role": "assistant", "content": "hello", "name": "triage"},
			}},
			want: State{MessagesKey: []Message{
				{Role: "user", Content: "hi"},
				{Role: "assistant", Content: "hello", Name: "triage"},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sc.Merge(tt.dst, tt.partial))
		})
	}

	assert.Equal(t, State{"a": 1}, sc.Merge(nil, State{"a": 1}))
}

func TestSchema_Fields(t *testing.T) {
	assert.Equal(t, []string{"messages", "notes"}, NewSchema("notes").AppendFields())
	assert.Equal(t, []string{"messages"}, Schema{}.AppendFields())
	assert.True(t, Schema{}.Appends(MessagesKey))
	assert.False(t, Schema{}.Appends("notes"))
}

func TestState_Clone(t *testing.T) {
	orig := State{
		"nested":  map[string]any{"k": []any{1}},
		"list":    []string{"a"},
		"msgs":    []Message{{Role: "user", Content: "x"}},
		"numbers": []int{1, 2},
	}
	c := orig.Clone()
	c["nested"].(map[string]any)["k"].([]any)[0] = 99
	c["list"].([]string)[0] = "changed"
	c["msgs"].([]Message)[0].Content = "changed"
	c["numbers"].([]int)[0] = 42

	assert.Equal(t, 1, orig["nested"].(map[string]any)["k"].([]any)[0])
	assert.Equal(t, "a", orig["list"].([]string)[0])
	assert.Equal(t, "x", orig["msgs"].([]Message)[0].Content)
	assert.Equal(t, 1, orig["numbers"].([]int)[0])

	var nilState State
	assert.Equal(t, State{}, nilState.Clone())
}

func TestState_Accessors(t *testing.T) {
	s := State{
		"name":      "ada",
		"count":     3,
		MessagesKey: []any{map[string]any{"role": "user", "content": "hi"}},
	}
	assert.Equal(t, "ada", s.String("name"))
	assert.Equal(t, "", s.String("count"))
	assert.Equal(t, []string{"count", "messages", "name"}, s.Keys())

	last, ok := s.LastMessage()
	require.True(t, ok)
	assert.Equal(t, "hi", last.Content)

	_, ok = State{}.LastMessage()
	assert.False(t, ok)
}

func TestTemplateVars(t *testing.T) {
	ctx := NewContext(context.Background(),
		WithActorID("a1"),
		WithSessionID("s1"),
		WithTraceID("t1"),
		WithContextRunID("r1"),
	)
	vars := TemplateVars(ctx, State{"intent": "refill"})

	assert.Equal(t, "refill", vars["intent"])
	assert.Equal(t, map[string]any{
		"actor_id":   "a1",
		"session_id": "s1",
		"trace_id":   "t1",
		"run_id":     "r1",
		"node_id":    "",
	}, vars[TemplateVarsKey])
}
