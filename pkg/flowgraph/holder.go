package flowgraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/randalmurphal/careflow/pkg/flowgraph/flowdef"
)

// ErrNoGraph indicates a Holder has not loaded a flow yet.
var ErrNoGraph = errors.New("no flow loaded")

// Holder serves the current compiled graph of a flow and swaps it on
// reload. A reload that fails to load or compile leaves the previous graph
// in service; in-flight traversals keep the graph they started with.
type Holder struct {
	resolver Resolver
	opts     []CompileOption
	logger   *slog.Logger
	current  atomic.Pointer[CompiledGraph]
	reloads  atomic.Int64
	failures atomic.Int64
}

// NewHolder creates a Holder that compiles definitions with resolver and
// opts.
func NewHolder(resolver Resolver, opts ...CompileOption) *Holder {
	return &Holder{resolver: resolver, opts: opts, logger: slog.Default()}
}

// WithHolderLogger sets the logger for reload events.
func (h *Holder) WithHolderLogger(logger *slog.Logger) *Holder {
	if logger != nil {
		h.logger = logger
	}
	return h
}

// Load returns the graph in service, or nil.
func (h *Holder) Load() *CompiledGraph {
	return h.current.Load()
}

// Swap installs cg and returns the previous graph.
func (h *Holder) Swap(cg *CompiledGraph) *CompiledGraph {
	return h.current.Swap(cg)
}

// Reload compiles def and puts it in service.
func (h *Holder) Reload(ctx context.Context, def *flowdef.FlowDefinition) error {
	cg, err := Compile(ctx, def, h.resolver, h.opts...)
	if err != nil {
		h.failures.Add(1)
		return err
	}
	h.current.Store(cg)
	h.reloads.Add(1)
	h.logger.Info("flow loaded", "flow", cg.Name(), "version", cg.Version(), "nodes", len(cg.nodes))
	return nil
}

// ReloadFile loads, validates and compiles the flow at path.
func (h *Holder) ReloadFile(ctx context.Context, path string) error {
	def, err := flowdef.LoadFile(path)
	if err != nil {
		h.failures.Add(1)
		return err
	}
	return h.Reload(ctx, def)
}

// Stats returns the number of successful and failed reloads.
func (h *Holder) Stats() (reloads, failures int64) {
	return h.reloads.Load(), h.failures.Load()
}

// Run executes the graph in service.
func (h *Holder) Run(ctx Context, input State, opts ...RunOption) (State, error) {
	cg := h.current.Load()
	if cg == nil {
		return nil, ErrNoGraph
	}
	return cg.Run(ctx, input, opts...)
}

// WatchFile reloads the flow at path whenever the file changes, until ctx
// is done. Events are debounced; reload failures are logged and the
// previous graph stays in service.
func (h *Holder) WatchFile(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve flow path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file are seen.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(absPath), err)
	}

	const debounce = 100 * time.Millisecond
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != absPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				if err := h.ReloadFile(ctx, absPath); err != nil {
					h.logger.Error("flow reload failed", "path", absPath, "error", err)
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.Warn("flow watcher error", "error", err)
		}
	}
}
