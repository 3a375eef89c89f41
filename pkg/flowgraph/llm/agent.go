package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/randalmurphal/careflow/pkg/flowgraph"
	"github.com/randalmurphal/careflow/pkg/flowgraph/config"
	"github.com/randalmurphal/careflow/pkg/flowgraph/flowdef"
	"github.com/randalmurphal/careflow/pkg/flowgraph/template"
)

// AgentConfig is the node config of an agent node.
//
//	- name: classify
//	  type: agent
//	  config:
//	    model: gpt-4o-mini
//	    system_prompt: "Classify the request from ${ctx.actor_id}."
//	    output_key: intent
//	    timeout: 30s
//	    retries: 2
type AgentConfig struct {
	Model        string `mapstructure:"model"`
	SystemPrompt string `mapstructure:"system_prompt"`
	// Prompt, when set, is rendered and sent as a final user turn.
	Prompt      string  `mapstructure:"prompt"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
	// OutputKey additionally stores the reply text in this state field.
	OutputKey string        `mapstructure:"output_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
	// History limits how many of the newest messages are sent. Zero sends
	// all of them.
	History int `mapstructure:"history"`
	// MissingVars is keep, empty or error.
	MissingVars string `mapstructure:"missing_vars"`
	// Retries is the number of extra attempts after a retryable provider
	// failure. The first retry waits RetryBackoff (default 1s); each
	// following wait doubles.
	Retries      int           `mapstructure:"retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// Validate checks the config values.
func (c AgentConfig) Validate() error {
	var errs []error
	if c.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("max_tokens must not be negative, got %d", c.MaxTokens))
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		errs = append(errs, fmt.Errorf("temperature must be within [0, 2], got %g", c.Temperature))
	}
	if c.History < 0 {
		errs = append(errs, fmt.Errorf("history must not be negative, got %d", c.History))
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative, got %s", c.Timeout))
	}
	if c.Retries < 0 {
		errs = append(errs, fmt.Errorf("retries must not be negative, got %d", c.Retries))
	}
	if c.RetryBackoff < 0 {
		errs = append(errs, fmt.Errorf("retry_backoff must not be negative, got %s", c.RetryBackoff))
	}
	if _, ok := template.ParseMissingAction(c.MissingVars); !ok {
		errs = append(errs, fmt.Errorf("missing_vars must be keep, empty or error, got %q", c.MissingVars))
	}
	if c.SystemPrompt == "" && c.Prompt == "" {
		errs = append(errs, errors.New("one of system_prompt or prompt is required"))
	}
	for _, field := range []struct{ name, text string }{
		{"system_prompt", c.SystemPrompt},
		{"prompt", c.Prompt},
	} {
		if bad := unknownIdentifierRefs(field.text); len(bad) > 0 {
			errs = append(errs, fmt.Errorf("%s references unknown request identifiers: %s",
				field.name, strings.Join(bad, ", ")))
		}
	}
	return errors.Join(errs...)
}

// unknownIdentifierRefs returns the references under the request
// identifier namespace that no traversal ever defines, such as
// ${ctx.actor} for ${ctx.actor_id}.
func unknownIdentifierRefs(text string) []string {
	var bad []string
	var ids map[string]any
	for _, name := range template.References(text) {
		head, _, _ := strings.Cut(name, ".")
		if head != flowgraph.TemplateVarsKey {
			continue
		}
		if ids == nil {
			ids = flowgraph.TemplateVars(flowgraph.NewContext(context.Background()), nil)
		}
		if _, ok := template.Lookup(ids, name); !ok {
			bad = append(bad, "${"+name+"}")
		}
	}
	return bad
}

// DecodeAgentConfig reads an AgentConfig from node config.
func DecodeAgentConfig(raw map[string]any) (AgentConfig, error) {
	var cfg AgentConfig
	if err := config.New(raw).Decode(&cfg); err != nil {
		return AgentConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

// NewFactory returns a flowgraph.Factory that builds agent adapters
// calling client. Register it for flowdef.NodeAgent:
//
//	reg := flowgraph.NewRegistry().Factory(flowdef.NodeAgent, llm.NewFactory(client))
func NewFactory(client Client) flowgraph.Factory {
	if client == nil {
		panic("llm: client cannot be nil")
	}
	return func(_ context.Context, node flowdef.NodeDefinition) (flowgraph.NodeAdapter, error) {
		if node.Type != flowdef.NodeAgent {
			return nil, fmt.Errorf("llm: node %q has type %s, want agent", node.Name, node.Type)
		}
		cfg, err := DecodeAgentConfig(node.Config)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", node.Name, err)
		}
		return NewAgent(client, cfg), nil
	}
}

// NewAgent returns an agent adapter. The reply is appended to messages as
// an assistant turn and, with OutputKey set, stored in that field.
//
// NewAgent panics if MissingVars is not keep, empty, error or blank.
// Configs from DecodeAgentConfig are already validated.
func NewAgent(client Client, cfg AgentConfig) flowgraph.NodeAdapter {
	action, ok := template.ParseMissingAction(cfg.MissingVars)
	if !ok {
		panic(fmt.Sprintf("llm: invalid missing_vars %q", cfg.MissingVars))
	}
	exp := template.NewExpander(template.WithMissingAction(action))

	if cfg.Retries > 0 {
		policy := DefaultRetryPolicy
		policy.MaxAttempts = cfg.Retries + 1
		if cfg.RetryBackoff > 0 {
			policy.InitialBackoff = cfg.RetryBackoff
		}
		client = NewRetryClient(client, policy)
	}

	return flowgraph.Agent(func(ctx flowgraph.Context, messages []flowgraph.Message, state flowgraph.State) (flowgraph.State, error) {
		vars := flowgraph.TemplateVars(ctx, state)

		system, err := exp.Expand(cfg.SystemPrompt, vars)
		if err != nil {
			return nil, fmt.Errorf("render system_prompt: %w", err)
		}
		req := CompletionRequest{
			SystemPrompt: system,
			Messages:     toRequestMessages(messages, cfg.History),
			Model:        cfg.Model,
			MaxTokens:    cfg.MaxTokens,
			Temperature:  cfg.Temperature,
		}
		if cfg.Prompt != "" {
			prompt, err := exp.Expand(cfg.Prompt, vars)
			if err != nil {
				return nil, fmt.Errorf("render prompt: %w", err)
			}
			req.Messages = append(req.Messages, Message{Role: RoleUser, Content: prompt})
		}

		var callCtx context.Context = ctx
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}

		resp, err := client.Complete(callCtx, req)
		if err != nil {
			return nil, err
		}
		ctx.Logger().Debug("llm completion",
			"model", resp.Model,
			"finish_reason", resp.FinishReason,
			"input_tokens", resp.Usage.InputTokens,
			"output_tokens", resp.Usage.OutputTokens,
			"duration", resp.Duration,
		)

		out := flowgraph.State{
			flowgraph.MessagesKey: []flowgraph.Message{{Role: string(RoleAssistant), Content: resp.Content}},
		}
		if cfg.OutputKey != "" {
			out[cfg.OutputKey] = resp.Content
		}
		return out, nil
	})
}

func toRequestMessages(messages []flowgraph.Message, limit int) []Message {
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	out := make([]Message, 0, len(messages)+1)
	for _, m := range messages {
		out = append(out, Message{Role: Role(m.Role), Content: m.Content})
	}
	return out
}
