package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/randalmurphal/careflow/internal/operator"
	"github.com/randalmurphal/careflow/pkg/flowgraph"
	"github.com/randalmurphal/careflow/pkg/flowgraph/agentcache"
	"github.com/randalmurphal/careflow/pkg/flowgraph/observability"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve FLOW",
		Short: "Serve a flow and the operator API over HTTP",
		Long: `Loads the flow and serves POST /run for traversals alongside the operator
endpoints: cache stats, entries and reload, session inspection, /metrics
and /healthz. Edits to the flow file are picked up without a restart; a
flow that fails to load leaves the previous version in service.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, logger, err := root.load(cmd)
			if err != nil {
				return err
			}
			if listen != "" {
				s.Server.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := buildStack(ctx, s, logger, args[0])
			if err != nil {
				return err
			}
			defer st.Close()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
				agentcache.NewCollector(st.cache, s.Server.MetricsNamespace),
			)
			promSink, err := observability.NewPrometheusSink(reg, s.Server.MetricsNamespace)
			if err != nil {
				return fmt.Errorf("register node metrics: %w", err)
			}

			runOpts := append(st.runOptions(), flowgraph.WithSink(observability.MultiSink{
				observability.LogSink{Logger: logger},
				promSink,
			}))
			api := operator.New(
				operator.WithCache(st.cache),
				operator.WithRunner(st.holder, runOpts...),
				operator.WithSessions(st.store),
				operator.WithGatherer(reg),
				operator.WithLogger(logger),
			)

			if s.Server.WatchFlow {
				go func() {
					if err := st.holder.WatchFile(ctx, args[0]); err != nil {
						logger.Error("flow watch stopped", "path", args[0], "error", err)
					}
				}()
			}
			if s.Cache.Watch {
				go func() {
					if err := st.cache.Watch(ctx); err != nil && !errors.Is(err, agentcache.ErrNoSources) {
						logger.Error("cache watch stopped", "error", err)
					}
				}()
			}

			srv := &http.Server{
				Addr:    s.Server.Listen,
				Handler: api.Handler(),
			}
			serverErrors := make(chan error, 1)
			go func() {
				logger.Info("careflow serving", "addr", srv.Addr, "flow", st.holder.Load().Name())
				serverErrors <- srv.ListenAndServe()
			}()

			select {
			case err := <-serverErrors:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("server: %w", err)
			case <-ctx.Done():
			}

			logger.Info("shutting down", "timeout", s.Server.ShutdownTimeout)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("graceful shutdown did not complete", "error", err)
				return srv.Close()
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address; overrides server.listen")
	return cmd
}
