package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/careflow/pkg/flowgraph/checkpoint"
	"github.com/randalmurphal/careflow/pkg/flowgraph/llm"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadSettings_Defaults(t *testing.T) {
	s, err := loadSettings("")
	require.NoError(t, err)
	assert.Equal(t, defaultSettings(), s)
}

func TestLoadSettings_File(t *testing.T) {
	path := writeFile(t, "careflow.yaml", `
log: {level: debug, format: json}
checkpoint:
  driver: redis
  addr: redis:6379
  db: "2"
  ttl: 24h
llm:
  provider: anthropic
  model: claude-3-5-haiku-latest
cache:
  sources: [prompts/triage.md]
  check_interval: 250ms
  watch: true
server:
  listen: ":9090"
strict_conditions: true
append_fields: [notes]
`)
	s, err := loadSettings(path)
	require.NoError(t, err)

	assert.Equal(t, LogSettings{Level: "debug", Format: "json"}, s.Log)
	assert.Equal(t, "redis", s.Checkpoint.Driver)
	assert.Equal(t, "redis:6379", s.Checkpoint.Addr)
	assert.Equal(t, 2, s.Checkpoint.DB)
	assert.Equal(t, 24*time.Hour, s.Checkpoint.TTL)
	assert.Equal(t, "careflow.db", s.Checkpoint.Path, "unset fields keep defaults")
	assert.Equal(t, "anthropic", s.LLM.Provider)
	assert.Equal(t, 2, s.LLM.MaxRetries)
	assert.Equal(t, []string{"prompts/triage.md"}, s.Cache.Sources)
	assert.Equal(t, 250*time.Millisecond, s.Cache.CheckInterval)
	assert.True(t, s.Cache.Watch)
	assert.Equal(t, ":9090", s.Server.Listen)
	assert.Equal(t, "careflow", s.Server.MetricsNamespace)
	assert.True(t, s.StrictConditions)
	assert.Equal(t, []string{"notes"}, s.AppendFields)
	assert.Len(t, s.compileOptions(nil), 3)
}

func TestLoadSettings_Errors(t *testing.T) {
	_, err := loadSettings(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)

	_, err = loadSettings(writeFile(t, "careflow.toml", "x = 1"))
	assert.ErrorContains(t, err, "unsupported")

	_, err = loadSettings(writeFile(t, "careflow.yaml", "cache: {check_interval: soon}"))
	assert.ErrorContains(t, err, "decode config")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(LogSettings{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	_, err = newLogger(LogSettings{Level: "loud"}, &buf)
	assert.ErrorContains(t, err, "log level")
	_, err = newLogger(LogSettings{Level: "info", Format: "xml"}, &buf)
	assert.ErrorContains(t, err, "log format")
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		settings CheckpointSettings
		check    func(t *testing.T, store checkpoint.Store)
	}{
		{"none", CheckpointSettings{Driver: "none"}, func(t *testing.T, store checkpoint.Store) {
			assert.Nil(t, store)
		}},
		{"memory", CheckpointSettings{Driver: "memory"}, func(t *testing.T, store checkpoint.Store) {
			assert.IsType(t, &checkpoint.MemoryStore{}, store)
		}},
		{"sqlite", CheckpointSettings{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "cp.db")}, func(t *testing.T, store checkpoint.Store) {
			assert.IsType(t, &checkpoint.SQLiteStore{}, store)
		}},
		{"redis", CheckpointSettings{Driver: "Redis", Addr: miniredis.RunT(t).Addr(), Prefix: "test:"}, func(t *testing.T, store checkpoint.Store) {
			assert.IsType(t, &checkpoint.RedisStore{}, store)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := openStore(ctx, tt.settings)
			require.NoError(t, err)
			tt.check(t, store)
			if store != nil {
				require.NoError(t, store.Put(ctx, "k", []byte("v")))
				got, err := store.Get(ctx, "k")
				require.NoError(t, err)
				assert.Equal(t, []byte("v"), got)
				assert.NoError(t, store.Close())
			}
		})
	}
}

func TestOpenStore_Errors(t *testing.T) {
	_, err := openStore(context.Background(), CheckpointSettings{Driver: "etcd"})
	assert.ErrorContains(t, err, "unknown checkpoint driver")

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err = openStore(context.Background(), CheckpointSettings{Driver: "redis", Addr: addr})
	assert.ErrorContains(t, err, "redis checkpoint store")
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		provider string
		want     any
	}{
		{"", nil},
		{"mock", &llm.MockClient{}},
		{"openai", &llm.OpenAIClient{}},
		{"Anthropic", &llm.AnthropicClient{}},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			client, err := newClient(LLMSettings{Provider: tt.provider, APIKey: "k", BaseURL: "http://localhost/"})
			require.NoError(t, err)
			if tt.want == nil {
				assert.Nil(t, client)
				return
			}
			assert.IsType(t, tt.want, client)
		})
	}

	_, err := newClient(LLMSettings{Provider: "cohere"})
	assert.ErrorContains(t, err, "unknown llm provider")
}
