package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/careflow/pkg/flowgraph"
	"github.com/randalmurphal/careflow/pkg/flowgraph/observability"
)

type runOptions struct {
	input     string
	inputFile string
	message   string
	sessionID string
	actorID   string
	traceID   string
	resume    bool
	trace     bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run FLOW",
		Short: "Run one traversal of a flow and print the final state",
		Long: `Runs the flow once with the given input state and prints the final state
as JSON. With a checkpoint store and --session, state carries over between
runs of the same session. --resume continues an interrupted traversal from
its last checkpoint instead of starting at the entry node.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, logger, err := root.load(cmd)
			if err != nil {
				return err
			}
			input, err := opts.state()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			st, err := buildStack(ctx, s, logger, args[0])
			if err != nil {
				return err
			}
			defer st.Close()

			fctx := flowgraph.NewContext(ctx,
				flowgraph.WithLogger(logger),
				flowgraph.WithSessionID(opts.sessionID),
				flowgraph.WithActorID(opts.actorID),
				flowgraph.WithTraceID(opts.traceID),
			)
			runOpts := append(st.runOptions(), flowgraph.WithSink(observability.LogSink{Logger: logger}))
			if opts.trace {
				runOpts = append(runOpts, flowgraph.WithTracing(nil))
			}

			var out flowgraph.State
			if opts.resume {
				if st.store == nil || opts.sessionID == "" {
					return errors.New("--resume needs a checkpoint store and --session")
				}
				out, err = st.holder.Load().Resume(fctx, st.store, opts.sessionID, runOpts...)
			} else {
				out, err = st.holder.Run(fctx, input, runOpts...)
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.input, "input", "i", "", "input state as a JSON object")
	flags.StringVarP(&opts.inputFile, "input-file", "f", "", "read the input state from a JSON file")
	flags.StringVarP(&opts.message, "message", "m", "", "append a user message to the input")
	flags.StringVarP(&opts.sessionID, "session", "s", "", "session id; also the checkpoint key")
	flags.StringVar(&opts.actorID, "actor", "", "actor id exposed to nodes as ctx.actor_id")
	flags.StringVar(&opts.traceID, "trace-id", "", "trace id; defaults to a fresh one")
	flags.BoolVar(&opts.resume, "resume", false, "continue the session's interrupted traversal")
	flags.BoolVar(&opts.trace, "otel", false, "create OpenTelemetry spans for the run and each node")
	cmd.MarkFlagsMutuallyExclusive("input", "input-file")
	return cmd
}

// state assembles the input state from the flags.
func (o *runOptions) state() (flowgraph.State, error) {
	in := flowgraph.State{}
	raw := []byte(o.input)
	if o.inputFile != "" {
		data, err := os.ReadFile(o.inputFile)
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		raw = data
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("parse input: %w", err)
		}
		if in == nil {
			in = flowgraph.State{}
		}
	}
	if o.message != "" {
		msgs := in.Messages()
		in[flowgraph.MessagesKey] = append(msgs, flowgraph.Message{Role: "user", Content: o.message})
	}
	return in, nil
}
