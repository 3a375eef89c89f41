package reqctx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnter_SetsIdentifiers(t *testing.T) {
	ctx, exit := Enter(context.Background(), Identifiers{ActorID: "u-1", SessionID: "s1", TraceID: "t1"})
	defer exit()

	actor, ok := ActorID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "u-1", actor)

	session, ok := SessionID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "s1", session)

	trace, ok := TraceID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "t1", trace)
	assert.True(t, Active(ctx))
}

func TestFrom_NoScope(t *testing.T) {
	assert.True(t, From(context.Background()).IsZero())
	_, ok := ActorID(context.Background())
	assert.False(t, ok)
	assert.False(t, Active(context.Background()))
}

func TestEnter_NestingOverridesAndRestores(t *testing.T) {
	outer, exitOuter := Enter(context.Background(), Identifiers{ActorID: "outer", SessionID: "s1", TraceID: "t1"})
	defer exitOuter()

	inner, exitInner := Enter(outer, Identifiers{ActorID: "inner"})
	assert.Equal(t, Identifiers{ActorID: "inner", SessionID: "s1", TraceID: "t1"}, From(inner))

	exitInner()
	assert.Equal(t, Identifiers{ActorID: "outer", SessionID: "s1", TraceID: "t1"}, From(inner),
		"a leaked inner reference resolves to the outer values after exit")
	assert.Equal(t, "outer", From(outer).ActorID)
}

func TestExit_ClearsAndCancels(t *testing.T) {
	ctx, exit := Enter(context.Background(), Identifiers{ActorID: "u-1"})
	exit()

	assert.True(t, From(ctx).IsZero())
	assert.False(t, Active(ctx))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	assert.NotPanics(t, exit, "exit is idempotent")
}

func TestExit_OnErrorPath(t *testing.T) {
	var leaked context.Context
	run := func() (err error) {
		ctx, exit := Enter(context.Background(), Identifiers{SessionID: "s-err"})
		defer exit()
		leaked = ctx
		return errors.New("adapter failed")
	}

	require.Error(t, run())
	assert.True(t, From(leaked).IsZero())
}

func TestExit_OnPanicPath(t *testing.T) {
	var leaked context.Context
	func() {
		defer func() { _ = recover() }()
		ctx, exit := Enter(context.Background(), Identifiers{SessionID: "s-panic"})
		defer exit()
		leaked = ctx
		panic("boom")
	}()
	assert.True(t, From(leaked).IsZero())
}

func TestVerify(t *testing.T) {
	want := Identifiers{ActorID: "a", SessionID: "s", TraceID: "t"}
	ctx, exit := Enter(context.Background(), want)
	require.NoError(t, Verify(ctx, want))

	exit()
	err := Verify(ctx, want)
	var violation *IsolationViolationError
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, want, violation.Want)
	assert.True(t, violation.Got.IsZero())
}

func TestIsolation_ConcurrentScopes(t *testing.T) {
	const n = 100
	var (
		wg       sync.WaitGroup
		mismatch sync.Map
	)
	parent, exitParent := Enter(context.Background(), Identifiers{TraceID: "shared"})
	defer exitParent()

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor := fmt.Sprintf("actor-%d", i)
			ctx, exit := Enter(parent, Identifiers{ActorID: actor})
			defer exit()

			for j := 0; j < 50; j++ {
				nested, exitNested := Enter(ctx, Identifiers{SessionID: fmt.Sprintf("s-%d-%d", i, j)})
				if got, _ := ActorID(nested); got != actor {
					mismatch.Store(i, got)
				}
				exitNested()
				if got, _ := ActorID(ctx); got != actor {
					mismatch.Store(i, got)
				}
			}
		}(i)
	}
	wg.Wait()

	count := 0
	mismatch.Range(func(_, _ any) bool { count++; return true })
	assert.Zero(t, count)
}

func TestIdentifiers_LogValue(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("hello", "ids", Identifiers{ActorID: "a", TraceID: "t"})

	out := buf.String()
	assert.Contains(t, out, "ids.actor_id=a")
	assert.Contains(t, out, "ids.trace_id=t")
	assert.NotContains(t, out, "session_id")
}
