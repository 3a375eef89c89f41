package main

import (
	"log/slog"

	"github.com/spf13/cobra"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	settingsPath string
	logLevel     string
	logFormat    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "careflow",
		Short: "careflow runs declarative conversational flows",
		Long: `careflow loads flow definitions (nodes, conditional edges, entry point),
compiles them against builtin and LLM-backed node handlers, and runs them
once from the command line or as an HTTP service.`,
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.settingsPath, "config", "c", "", "settings file (.yaml, .yml or .json)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format: text or json")

	cmd.AddCommand(
		newValidateCmd(opts),
		newRunCmd(opts),
		newServeCmd(opts),
	)
	return cmd
}

// load reads the settings file and applies flag overrides. Logs go to the
// command's error stream.
func (o *rootOptions) load(cmd *cobra.Command) (Settings, *slog.Logger, error) {
	s, err := loadSettings(o.settingsPath)
	if err != nil {
		return s, nil, err
	}
	if o.logLevel != "" {
		s.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		s.Log.Format = o.logFormat
	}
	logger, err := newLogger(s.Log, cmd.ErrOrStderr())
	if err != nil {
		return s, nil, err
	}
	return s, logger, nil
}
