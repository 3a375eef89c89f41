// Package observability provides structured logging, metrics, tracing,
// and node event sinks for careflow traversals.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//   - Per-node enter/exit events pushed to an injected Sink
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import "log/slog"

// EnrichLogger adds traversal context to a logger.
// Returns a new logger with run_id, node_id, and step fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "run-123", "classify", 2)
//	enriched.Info("doing work") // includes run_id, node_id, step
func EnrichLogger(logger *slog.Logger, runID, nodeID string, step int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("run_id", runID),
		slog.String("node_id", nodeID),
		slog.Int("step", step),
	)
}

// LogRunStart logs the start of a traversal.
func LogRunStart(logger *slog.Logger, flow, runID, startNode string) {
	if logger == nil {
		return
	}
	logger.Info("traversal starting",
		slog.String("flow", flow),
		slog.String("run_id", runID),
		slog.String("start_node", startNode),
	)
}

// LogRunComplete logs successful traversal completion.
func LogRunComplete(logger *slog.Logger, flow, runID string, durationMs float64, steps int) {
	if logger == nil {
		return
	}
	logger.Info("traversal completed",
		slog.String("flow", flow),
		slog.String("run_id", runID),
		slog.Float64("duration_ms", durationMs),
		slog.Int("steps", steps),
	)
}

// LogRunError logs traversal failure.
func LogRunError(logger *slog.Logger, flow, runID string, err error, durationMs float64, lastNode string) {
	if logger == nil {
		return
	}
	logger.Error("traversal failed",
		slog.String("flow", flow),
		slog.String("run_id", runID),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
		slog.String("last_node", lastNode),
	)
}

// LogNodeStart logs node execution start.
func LogNodeStart(logger *slog.Logger, nodeID, kind string) {
	if logger == nil {
		return
	}
	logger.Debug("node starting",
		slog.String("node_id", nodeID),
		slog.String("node_type", kind),
	)
}

// LogNodeComplete logs successful node completion and the routing decision.
func LogNodeComplete(logger *slog.Logger, nodeID string, durationMs float64, next string) {
	if logger == nil {
		return
	}
	logger.Debug("node completed",
		slog.String("node_id", nodeID),
		slog.Float64("duration_ms", durationMs),
		slog.String("next", next),
	)
}

// LogNodeError logs node execution error.
func LogNodeError(logger *slog.Logger, nodeID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("node failed",
		slog.String("node_id", nodeID),
		slog.String("error", err.Error()),
	)
}

// LogCheckpoint logs checkpoint creation.
func LogCheckpoint(logger *slog.Logger, key, nodeID string, sizeBytes int) {
	if logger == nil {
		return
	}
	logger.Debug("checkpoint saved",
		slog.String("key", key),
		slog.String("node_id", nodeID),
		slog.Int("size_bytes", sizeBytes),
	)
}

// LogCheckpointError logs checkpoint failure (non-fatal).
func LogCheckpointError(logger *slog.Logger, key, nodeID, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("checkpoint failed",
		slog.String("key", key),
		slog.String("node_id", nodeID),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}
