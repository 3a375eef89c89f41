// Package operator serves the careflow operator HTTP API: agent cache
// inspection and reload, flow execution, session inspection, health and
// Prometheus metrics.
package operator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/randalmurphal/careflow/pkg/flowgraph"
	"github.com/randalmurphal/careflow/pkg/flowgraph/agentcache"
	"github.com/randalmurphal/careflow/pkg/flowgraph/checkpoint"
)

// CacheAdmin is the cache surface the operator API drives.
// *agentcache.Cache implements it.
type CacheAdmin interface {
	Stats() agentcache.Stats
	Entries() []agentcache.Entry
	Reload(ctx context.Context, key string) error
}

// FlowRunner executes the flow in service. *flowgraph.Holder implements it.
type FlowRunner interface {
	Load() *flowgraph.CompiledGraph
	Run(ctx flowgraph.Context, input flowgraph.State, opts ...flowgraph.RunOption) (flowgraph.State, error)
}

// Server holds the dependencies behind the operator routes. Any of them may
// be nil; the matching routes then answer 503.
type Server struct {
	cache    CacheAdmin
	runner   FlowRunner
	sessions checkpoint.Store
	gatherer prometheus.Gatherer
	runOpts  []flowgraph.RunOption
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithCache exposes cache under /cache.
func WithCache(cache CacheAdmin) Option {
	return func(s *Server) { s.cache = cache }
}

// WithRunner exposes runner under /flow and /run.
func WithRunner(runner FlowRunner, opts ...flowgraph.RunOption) Option {
	return func(s *Server) {
		s.runner = runner
		s.runOpts = append(s.runOpts, opts...)
	}
}

// WithSessions exposes the checkpoints in store under /sessions.
func WithSessions(store checkpoint.Store) Option {
	return func(s *Server) { s.sessions = store }
}

// WithGatherer serves gatherer on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a Server.
func New(opts ...Option) *Server {
	s := &Server{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Route("/cache", func(r chi.Router) {
		r.Get("/stats", s.cacheStats)
		r.Get("/entries", s.cacheEntries)
		r.Post("/reload", s.cacheReload)
	})
	r.Get("/flow", s.flow)
	r.Post("/run", s.run)
	r.Get("/sessions/{key}", s.session)
	r.Delete("/sessions/{key}", s.deleteSession)

	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	} else {
		r.Get("/metrics", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics not configured", http.StatusServiceUnavailable)
		})
	}
	return r
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Flow   string `json:"flow,omitempty"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if s.runner != nil {
		cg := s.runner.Load()
		if cg == nil {
			s.writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "no flow loaded"})
			return
		}
		resp.Flow = cg.Name()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) cacheStats(w http.ResponseWriter, _ *http.Request) {
	if s.cache == nil {
		http.Error(w, "cache not configured", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, s.cache.Stats())
}

// EntryView is one element of GET /cache/entries.
type EntryView struct {
	Key           string    `json:"key"`
	Node          string    `json:"node"`
	Type          string    `json:"type"`
	Fingerprint   string    `json:"fingerprint"`
	SourceModTime time.Time `json:"source_mod_time,omitzero"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *Server) cacheEntries(w http.ResponseWriter, _ *http.Request) {
	if s.cache == nil {
		http.Error(w, "cache not configured", http.StatusServiceUnavailable)
		return
	}
	entries := s.cache.Entries()
	views := make([]EntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, EntryView{
			Key:           e.Key,
			Node:          e.Node.Name,
			Type:          string(e.Node.Type),
			Fingerprint:   fmt.Sprintf("%016x", e.Fingerprint),
			SourceModTime: e.SourceModTime,
			CreatedAt:     e.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, views)
}

// ReloadResponse is the body of a successful POST /cache/reload.
type ReloadResponse struct {
	Reloaded string           `json:"reloaded"`
	Stats    agentcache.Stats `json:"stats"`
}

func (s *Server) cacheReload(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		http.Error(w, "cache not configured", http.StatusServiceUnavailable)
		return
	}
	key := r.URL.Query().Get("key")
	if err := s.cache.Reload(r.Context(), key); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, agentcache.ErrNotCached) {
			status = http.StatusNotFound
		}
		s.logger.Warn("cache reload failed", "key", key, "error", err)
		http.Error(w, err.Error(), status)
		return
	}
	if key == "" {
		key = "all"
	}
	s.logger.Info("cache reloaded", "key", key)
	s.writeJSON(w, http.StatusOK, ReloadResponse{Reloaded: key, Stats: s.cache.Stats()})
}

// FlowView is the body of GET /flow.
type FlowView struct {
	Name        string   `json:"name"`
	Version     string   `json:"version,omitempty"`
	Entry       string   `json:"entry"`
	Nodes       []string `json:"nodes"`
	Unreachable []string `json:"unreachable,omitempty"`
	MaxSteps    int      `json:"max_steps"`
}

func (s *Server) flow(w http.ResponseWriter, _ *http.Request) {
	var cg *flowgraph.CompiledGraph
	if s.runner != nil {
		cg = s.runner.Load()
	}
	if cg == nil {
		http.Error(w, flowgraph.ErrNoGraph.Error(), http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, FlowView{
		Name:        cg.Name(),
		Version:     cg.Version(),
		Entry:       cg.EntryPoint(),
		Nodes:       cg.NodeIDs(),
		Unreachable: cg.Unreachable(),
		MaxSteps:    cg.MaxSteps(),
	})
}

// RunRequest is the body of POST /run.
type RunRequest struct {
	SessionID string          `json:"session_id"`
	ActorID   string          `json:"actor_id"`
	TraceID   string          `json:"trace_id,omitempty"`
	Input     flowgraph.State `json:"input"`
}

// RunResponse is the body of a successful POST /run.
type RunResponse struct {
	RunID string          `json:"run_id"`
	State flowgraph.State `json:"state"`
}

func (s *Server) run(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		http.Error(w, flowgraph.ErrNoGraph.Error(), http.StatusServiceUnavailable)
		return
	}

	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		s.logger.Warn("run: invalid request body", "error", err)
		return
	}
	if req.Input == nil {
		req.Input = flowgraph.State{}
	}

	runID := uuid.NewString()
	ctx := flowgraph.NewContext(r.Context(),
		flowgraph.WithLogger(s.logger),
		flowgraph.WithContextRunID(runID),
		flowgraph.WithSessionID(req.SessionID),
		flowgraph.WithActorID(req.ActorID),
		flowgraph.WithTraceID(req.TraceID),
	)

	state, err := s.runner.Run(ctx, req.Input, s.runOpts...)
	if err != nil {
		status := runStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("run failed", "run_id", runID, "session_id", req.SessionID, "error", err)
		}
		http.Error(w, err.Error(), status)
		return
	}
	s.writeJSON(w, http.StatusOK, RunResponse{RunID: runID, State: state})
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		http.Error(w, "sessions not configured", http.StatusServiceUnavailable)
		return
	}
	key := chi.URLParam(r, "key")
	sess, err := flowgraph.LoadSession(r.Context(), s.sessions, key)
	switch {
	case errors.Is(err, flowgraph.ErrNoCheckpoint):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		s.logger.Error("load session failed", "session_id", key, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		http.Error(w, "sessions not configured", http.StatusServiceUnavailable)
		return
	}
	key := chi.URLParam(r, "key")
	if err := s.sessions.Delete(r.Context(), key); err != nil {
		s.logger.Error("delete session failed", "session_id", key, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Info("session deleted", "session_id", key)
	w.WriteHeader(http.StatusNoContent)
}

// runStatus maps a traversal error to an HTTP status.
func runStatus(err error) int {
	var cancelled *flowgraph.CancellationError
	switch {
	case errors.Is(err, flowgraph.ErrNoGraph):
		return http.StatusServiceUnavailable
	case errors.Is(err, flowgraph.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, flowgraph.ErrCheckpointKeyRequired):
		return http.StatusBadRequest
	case errors.Is(err, flowgraph.ErrStepLimitExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &cancelled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}
