package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// EventPhase distinguishes node entry from node exit.
type EventPhase string

// Event phases.
const (
	PhaseEnter EventPhase = "enter"
	PhaseExit  EventPhase = "exit"
)

// NodeEvent is a structured record of a node boundary crossing.
type NodeEvent struct {
	Phase    EventPhase
	Flow     string
	Node     string
	NodeType string
	Step     int
	RunID    string
	TraceID  string
	Time     time.Time
	// Duration and Err are set on exit events only.
	Duration time.Duration
	Err      error
}

// Sink receives node events. Errors returned by Emit are logged and never
// affect the traversal.
type Sink interface {
	Emit(ctx context.Context, ev NodeEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev NodeEvent) error

// Emit implements Sink.
func (f SinkFunc) Emit(ctx context.Context, ev NodeEvent) error {
	return f(ctx, ev)
}

// NoopSink discards every event.
type NoopSink struct{}

// Emit implements Sink.
func (NoopSink) Emit(context.Context, NodeEvent) error { return nil }

// LogSink writes events to a slog.Logger.
type LogSink struct {
	Logger *slog.Logger
	Level  slog.Level
}

// Emit implements Sink.
func (s LogSink) Emit(ctx context.Context, ev NodeEvent) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []slog.Attr{
		slog.String("flow", ev.Flow),
		slog.String("node_id", ev.Node),
		slog.String("node_type", ev.NodeType),
		slog.Int("step", ev.Step),
		slog.String("run_id", ev.RunID),
		slog.String("trace_id", ev.TraceID),
	}
	if ev.Phase == PhaseExit {
		attrs = append(attrs, slog.Duration("duration", ev.Duration))
		if ev.Err != nil {
			attrs = append(attrs, slog.String("error", ev.Err.Error()))
		}
	}
	logger.LogAttrs(ctx, s.Level, "node "+string(ev.Phase), attrs...)
	return nil
}

// MultiSink fans an event out to every sink. It returns the first error
// after delivering to all of them.
type MultiSink []Sink

// Emit implements Sink.
func (m MultiSink) Emit(ctx context.Context, ev NodeEvent) error {
	var first error
	for _, s := range m {
		if err := safeEmit(ctx, s, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Deliver sends ev to sink, swallowing errors and panics. Failures are
// logged at warn level on logger.
func Deliver(ctx context.Context, sink Sink, ev NodeEvent, logger *slog.Logger) {
	if sink == nil {
		return
	}
	if err := safeEmit(ctx, sink, ev); err != nil && logger != nil {
		logger.Warn("event sink failed",
			slog.String("node_id", ev.Node),
			slog.String("phase", string(ev.Phase)),
			slog.String("error", err.Error()),
		)
	}
}

func safeEmit(ctx context.Context, sink Sink, ev NodeEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return sink.Emit(ctx, ev)
}
