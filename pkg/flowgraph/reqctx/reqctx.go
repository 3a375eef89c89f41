// Package reqctx carries request-scoped identifiers through a traversal.
//
// Identifiers live in a scope layered over context.Context, so adapter code
// nested at any depth (including tool calls made from inside an agent) can
// read them without every signature in between passing them along. Scopes
// nest: an inner scope overrides the fields it sets and inherits the rest.
// The exit function returned by Enter closes the scope and cancels its
// context; afterwards any leaked reference to the scoped context resolves
// to the outer scope's values, or to nothing at the top level.
//
//	ctx, exit := reqctx.Enter(ctx, reqctx.Identifiers{ActorID: "u-42", SessionID: "s1"})
//	defer exit()
//	actor, _ := reqctx.ActorID(ctx)
//
// Identifiers are infrastructural. They never belong in business state and
// are never persisted.
package reqctx

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Identifiers is the fixed set of request-scoped values.
type Identifiers struct {
	ActorID   string `json:"actor_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// IsZero reports whether no identifier is set.
func (ids Identifiers) IsZero() bool {
	return ids == Identifiers{}
}

// Overlay returns ids with empty fields filled from outer.
func (ids Identifiers) Overlay(outer Identifiers) Identifiers {
	if ids.ActorID == "" {
		ids.ActorID = outer.ActorID
	}
	if ids.SessionID == "" {
		ids.SessionID = outer.SessionID
	}
	if ids.TraceID == "" {
		ids.TraceID = outer.TraceID
	}
	return ids
}

// LogValue implements slog.LogValuer.
func (ids Identifiers) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, 3)
	if ids.ActorID != "" {
		attrs = append(attrs, slog.String("actor_id", ids.ActorID))
	}
	if ids.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", ids.SessionID))
	}
	if ids.TraceID != "" {
		attrs = append(attrs, slog.String("trace_id", ids.TraceID))
	}
	return slog.GroupValue(attrs...)
}

type scopeKey struct{}

type scope struct {
	ids    Identifiers
	parent *scope
	closed atomic.Bool
}

// resolve returns the identifiers of the innermost open scope.
func (s *scope) resolve() Identifiers {
	for cur := s; cur != nil; cur = cur.parent {
		if !cur.closed.Load() {
			return cur.ids
		}
	}
	return Identifiers{}
}

func current(ctx context.Context) *scope {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(scopeKey{}).(*scope)
	return s
}

// Enter opens a scope carrying ids. Empty fields inherit from the
// enclosing scope. The returned exit function is idempotent; it closes
// the scope and cancels the returned context.
func Enter(ctx context.Context, ids Identifiers) (context.Context, func()) {
	parent := current(ctx)
	if parent != nil {
		ids = ids.Overlay(parent.resolve())
	}

	s := &scope{ids: ids, parent: parent}
	scoped, cancel := context.WithCancel(context.WithValue(ctx, scopeKey{}, s))

	var once sync.Once
	exit := func() {
		once.Do(func() {
			s.closed.Store(true)
			cancel()
		})
	}
	return scoped, exit
}

// From returns the identifiers visible from ctx.
func From(ctx context.Context) Identifiers {
	s := current(ctx)
	if s == nil {
		return Identifiers{}
	}
	return s.resolve()
}

// Active reports whether ctx carries an open scope.
func Active(ctx context.Context) bool {
	s := current(ctx)
	return s != nil && !s.closed.Load()
}

// ActorID returns the actor identifier.
func ActorID(ctx context.Context) (string, bool) {
	v := From(ctx).ActorID
	return v, v != ""
}

// SessionID returns the session identifier.
func SessionID(ctx context.Context) (string, bool) {
	v := From(ctx).SessionID
	return v, v != ""
}

// TraceID returns the trace identifier.
func TraceID(ctx context.Context) (string, bool) {
	v := From(ctx).TraceID
	return v, v != ""
}

// IsolationViolationError reports that a context observed identifiers
// other than the ones its traversal entered with.
type IsolationViolationError struct {
	Want Identifiers
	Got  Identifiers
}

// Error implements the error interface.
func (e *IsolationViolationError) Error() string {
	return fmt.Sprintf("request context isolation violated: want %+v, got %+v", e.Want, e.Got)
}

// Verify checks that ctx still resolves to want.
func Verify(ctx context.Context, want Identifiers) error {
	if got := From(ctx); got != want {
		return &IsolationViolationError{Want: want, Got: got}
	}
	return nil
}
