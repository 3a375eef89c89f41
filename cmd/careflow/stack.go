package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/careflow/pkg/flowgraph"
	"github.com/randalmurphal/careflow/pkg/flowgraph/agentcache"
	"github.com/randalmurphal/careflow/pkg/flowgraph/builtin"
	"github.com/randalmurphal/careflow/pkg/flowgraph/checkpoint"
	"github.com/randalmurphal/careflow/pkg/flowgraph/flowdef"
	"github.com/randalmurphal/careflow/pkg/flowgraph/llm"
)

// stack is the runtime assembled from settings for one flow file.
type stack struct {
	settings Settings
	logger   *slog.Logger
	store    checkpoint.Store
	cache    *agentcache.Cache
	holder   *flowgraph.Holder
}

// newRegistry wires builtin function nodes and, when a client is given,
// agent nodes.
func newRegistry(client llm.Client) *flowgraph.Registry {
	reg := builtin.Register(flowgraph.NewRegistry())
	if client != nil {
		reg.Factory(flowdef.NodeAgent, llm.NewFactory(client))
	}
	return reg
}

// buildStack opens the store, builds the cached resolver and loads the
// flow at path into a Holder. The flow file is always a cache source.
func buildStack(ctx context.Context, s Settings, logger *slog.Logger, flowPath string) (*stack, error) {
	client, err := newClient(s.LLM)
	if err != nil {
		return nil, err
	}
	store, err := openStore(ctx, s.Checkpoint)
	if err != nil {
		return nil, err
	}

	cache := agentcache.New(newRegistry(client),
		agentcache.WithSources(append([]string{flowPath}, s.Cache.Sources...)...),
		agentcache.WithCheckInterval(s.Cache.CheckInterval),
		agentcache.WithLogger(logger),
	)
	holder := flowgraph.NewHolder(cache, s.compileOptions(logger)...).WithHolderLogger(logger)
	if err := holder.ReloadFile(ctx, flowPath); err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, fmt.Errorf("load flow %s: %w", flowPath, err)
	}

	return &stack{
		settings: s,
		logger:   logger,
		store:    store,
		cache:    cache,
		holder:   holder,
	}, nil
}

// runOptions returns the options every traversal of the stack uses.
func (st *stack) runOptions() []flowgraph.RunOption {
	var opts []flowgraph.RunOption
	if st.store != nil {
		opts = append(opts, flowgraph.WithCheckpointing(st.store))
	}
	return opts
}

func (st *stack) Close() error {
	if st.store == nil {
		return nil
	}
	if err := st.store.Close(); err != nil && !errors.Is(err, checkpoint.ErrStoreClosed) {
		return err
	}
	return nil
}
