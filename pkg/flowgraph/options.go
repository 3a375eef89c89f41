package flowgraph

import (
	"log/slog"

	"github.com/randalmurphal/careflow/pkg/flowgraph/checkpoint"
	"github.com/randalmurphal/careflow/pkg/flowgraph/expr"
	"github.com/randalmurphal/careflow/pkg/flowgraph/observability"
)

// DefaultMaxSteps is the step budget when neither the run, the flow
// settings nor the compile options set one.
const DefaultMaxSteps = 1000

// runConfig holds configuration for graph execution.
type runConfig struct {
	maxSteps int

	checkpointStore        checkpoint.Store
	checkpointKey          string
	checkpointFailureFatal bool

	sink    observability.Sink
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	tracing bool
}

// defaultRunConfig returns the default execution configuration.
func defaultRunConfig(maxSteps int) runConfig {
	return runConfig{
		maxSteps: maxSteps,
		sink:     observability.NoopSink{},
		metrics:  observability.NoopMetrics{},
		spans:    observability.NoopSpanManager{},
	}
}

// RunOption configures execution behavior.
type RunOption func(*runConfig)

// WithMaxSteps sets the maximum number of node executions for one traversal.
// Default: the flow's settings.max_steps, else 1000.
//
// This prevents cyclic graphs from hanging forever. If a traversal
// exceeds this limit, Run returns a *StepLimitError.
//
// Example:
//
//	result, err := compiled.Run(ctx, state, flowgraph.WithMaxSteps(100))
func WithMaxSteps(n int) RunOption {
	return func(c *runConfig) {
		if n > 0 {
			c.maxSteps = n
		}
	}
}

// WithCheckpointing enables a snapshot after every node. A later Run with
// the same key starts from the stored state.
func WithCheckpointing(store checkpoint.Store) RunOption {
	return func(c *runConfig) {
		c.checkpointStore = store
	}
}

// WithCheckpointKey sets the key checkpoints are stored under.
// Default: the context's session id.
func WithCheckpointKey(key string) RunOption {
	return func(c *runConfig) {
		c.checkpointKey = key
	}
}

// WithCheckpointFailureFatal makes checkpoint save failures abort the
// traversal. By default they are logged and execution continues.
func WithCheckpointFailureFatal(fatal bool) RunOption {
	return func(c *runConfig) {
		c.checkpointFailureFatal = fatal
	}
}

// WithSink sets the sink receiving node enter/exit events. Sink failures
// are logged and never affect the traversal.
func WithSink(sink observability.Sink) RunOption {
	return func(c *runConfig) {
		if sink != nil {
			c.sink = sink
		}
	}
}

// WithMetrics records node, traversal and checkpoint metrics through m.
func WithMetrics(m observability.MetricsRecorder) RunOption {
	return func(c *runConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTracing creates run and node spans through spans. A nil manager
// uses the global OpenTelemetry tracer.
func WithTracing(spans observability.SpanManager) RunOption {
	return func(c *runConfig) {
		if spans == nil {
			spans = observability.NewSpanManager()
		}
		c.spans = spans
		c.tracing = true
	}
}

// compileConfig holds configuration for Compile.
type compileConfig struct {
	policy    expr.Policy
	policySet bool
	schema    Schema
	maxSteps  int
	logger    *slog.Logger
}

// CompileOption configures compilation.
type CompileOption func(*compileConfig)

// WithMissingFieldPolicy sets how conditions treat fields absent from
// state. Default: expr.MissingFalsy, or expr.MissingError when the flow's
// settings.strict_conditions is set. An explicit option wins over settings.
func WithMissingFieldPolicy(p expr.Policy) CompileOption {
	return func(c *compileConfig) {
		c.policy = p
		c.policySet = true
	}
}

// WithStateSchema declares additional append fields. They are combined
// with messages and the flow's settings.append_fields.
func WithStateSchema(fields ...string) CompileOption {
	return func(c *compileConfig) {
		c.schema = NewSchema(append(c.schema.AppendFields(), fields...)...)
	}
}

// WithDefaultMaxSteps sets the step budget used when the flow's settings
// leave it unset.
func WithDefaultMaxSteps(n int) CompileOption {
	return func(c *compileConfig) {
		if n > 0 {
			c.maxSteps = n
		}
	}
}

// WithCompileLogger sets the logger for compile-time warnings.
func WithCompileLogger(logger *slog.Logger) CompileOption {
	return func(c *compileConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}
