package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	antoption "github.com/anthropics/anthropic-sdk-go/option"
	oaoption "github.com/openai/openai-go/option"

	"github.com/randalmurphal/careflow/pkg/flowgraph"
	"github.com/randalmurphal/careflow/pkg/flowgraph/checkpoint"
	"github.com/randalmurphal/careflow/pkg/flowgraph/config"
	"github.com/randalmurphal/careflow/pkg/flowgraph/expr"
	"github.com/randalmurphal/careflow/pkg/flowgraph/llm"
)

// Settings is the CLI settings file. Every field has a usable default, so
// the file is optional.
type Settings struct {
	Log        LogSettings        `mapstructure:"log"`
	Checkpoint CheckpointSettings `mapstructure:"checkpoint"`
	LLM        LLMSettings        `mapstructure:"llm"`
	Cache      CacheSettings      `mapstructure:"cache"`
	Server     ServerSettings     `mapstructure:"server"`
	// StrictConditions makes conditions that reference absent fields fail
	// the traversal instead of evaluating as falsy.
	StrictConditions bool `mapstructure:"strict_conditions"`
	// AppendFields are state fields merged by appending, besides messages.
	AppendFields []string `mapstructure:"append_fields"`
}

// LogSettings selects the slog handler.
type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CheckpointSettings selects the checkpoint store: none, memory, sqlite or
// redis.
type CheckpointSettings struct {
	Driver   string        `mapstructure:"driver"`
	Path     string        `mapstructure:"path"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// LLMSettings selects the completion provider for agent nodes: openai,
// anthropic or mock. Empty leaves agent nodes unresolvable.
type LLMSettings struct {
	Provider     string `mapstructure:"provider"`
	Model        string `mapstructure:"model"`
	APIKey       string `mapstructure:"api_key"`
	BaseURL      string `mapstructure:"base_url"`
	MaxRetries   int    `mapstructure:"max_retries"`
	MockResponse string `mapstructure:"mock_response"`
}

// CacheSettings configures the agent cache.
type CacheSettings struct {
	Sources       []string      `mapstructure:"sources"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
	Watch         bool          `mapstructure:"watch"`
}

// ServerSettings configures careflow serve.
type ServerSettings struct {
	Listen           string        `mapstructure:"listen"`
	MetricsNamespace string        `mapstructure:"metrics_namespace"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	WatchFlow        bool          `mapstructure:"watch_flow"`
}

func defaultSettings() Settings {
	return Settings{
		Log:        LogSettings{Level: "info", Format: "text"},
		Checkpoint: CheckpointSettings{Driver: "memory", Path: "careflow.db", Addr: "localhost:6379"},
		LLM:        LLMSettings{MaxRetries: 2},
		Cache:      CacheSettings{CheckInterval: time.Second},
		Server: ServerSettings{
			Listen:           ":8080",
			MetricsNamespace: "careflow",
			ShutdownTimeout:  5 * time.Second,
			WatchFlow:        true,
		},
	}
}

// loadSettings reads path over the defaults. An empty path yields the
// defaults.
func loadSettings(path string) (Settings, error) {
	s := defaultSettings()
	if path == "" {
		return s, nil
	}
	cfg, err := config.FromFile(path)
	if err != nil {
		return s, err
	}
	if err := cfg.Decode(&s); err != nil {
		return s, fmt.Errorf("settings %s: %w", path, err)
	}
	return s, nil
}

func newLogger(s LogSettings, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.Level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", s.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(s.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", s.Format)
	}
}

// openStore returns the configured checkpoint store, or nil for driver
// "none".
func openStore(ctx context.Context, s CheckpointSettings) (checkpoint.Store, error) {
	switch strings.ToLower(s.Driver) {
	case "", "none":
		return nil, nil
	case "memory":
		return checkpoint.NewMemoryStore(), nil
	case "sqlite":
		store, err := checkpoint.NewSQLiteStore(s.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "redis":
		var opts []checkpoint.RedisOption
		if s.Prefix != "" {
			opts = append(opts, checkpoint.WithPrefix(s.Prefix))
		}
		if s.TTL > 0 {
			opts = append(opts, checkpoint.WithTTL(s.TTL))
		}
		store := checkpoint.NewRedisStore(s.Addr, s.Password, s.DB, opts...)
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("redis checkpoint store %s: %w", s.Addr, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown checkpoint driver %q", s.Driver)
	}
}

// newClient returns the configured completion client, or nil when no
// provider is set.
func newClient(s LLMSettings) (llm.Client, error) {
	switch strings.ToLower(s.Provider) {
	case "":
		return nil, nil
	case "mock":
		return llm.NewMockClient(s.MockResponse), nil
	case "openai":
		opts := []oaoption.RequestOption{oaoption.WithMaxRetries(s.MaxRetries)}
		if s.APIKey != "" {
			opts = append(opts, oaoption.WithAPIKey(s.APIKey))
		}
		if s.BaseURL != "" {
			opts = append(opts, oaoption.WithBaseURL(s.BaseURL))
		}
		return llm.NewOpenAIClient(s.Model, opts...), nil
	case "anthropic":
		opts := []antoption.RequestOption{antoption.WithMaxRetries(s.MaxRetries)}
		if s.APIKey != "" {
			opts = append(opts, antoption.WithAPIKey(s.APIKey))
		}
		if s.BaseURL != "" {
			opts = append(opts, antoption.WithBaseURL(s.BaseURL))
		}
		return llm.NewAnthropicClient(s.Model, opts...), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", s.Provider)
	}
}

// compileOptions maps settings onto flowgraph compile options. Without
// strict_conditions the flow's own settings choose the policy.
func (s Settings) compileOptions(logger *slog.Logger) []flowgraph.CompileOption {
	opts := []flowgraph.CompileOption{flowgraph.WithCompileLogger(logger)}
	if s.StrictConditions {
		opts = append(opts, flowgraph.WithMissingFieldPolicy(expr.MissingError))
	}
	if len(s.AppendFields) > 0 {
		opts = append(opts, flowgraph.WithStateSchema(s.AppendFields...))
	}
	return opts
}
