package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Anthropic defaults.
const (
	DefaultAnthropicModel     = anthropic.ModelClaude3_5Sonnet20241022
	DefaultAnthropicMaxTokens = 1024
)

// AnthropicClient implements Client with the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
	model  anthropic.Model
}

var _ Client = (*AnthropicClient)(nil)

// NewAnthropicClient creates a client. An empty model means
// DefaultAnthropicModel. opts are passed to the SDK; without
// option.WithAPIKey the SDK reads ANTHROPIC_API_KEY.
func NewAnthropicClient(model string, opts ...option.RequestOption) *AnthropicClient {
	m := anthropic.Model(model)
	if model == "" {
		m = DefaultAnthropicModel
	}
	return &AnthropicClient{client: anthropic.NewClient(opts...), model: m}
}

// Complete implements Client. System-role messages are folded into the
// system prompt, which the Messages API takes separately.
func (c *AnthropicClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = DefaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
	}
	if req.Model != "" {
		params.Model = anthropic.Model(req.Model)
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	system := []string{}
	if req.SystemPrompt != "" {
		system = append(system, req.SystemPrompt)
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		status := 0
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		return nil, wrapCallError(ctx, "anthropic", status, err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}
	if text.Len() == 0 {
		return nil, &Error{Op: "complete", Provider: "anthropic", Err: ErrEmptyResponse}
	}

	in, out := int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens)
	return &CompletionResponse{
		Content:      text.String(),
		Usage:        TokenUsage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
		Model:        string(resp.Model),
		FinishReason: string(resp.StopReason),
		Duration:     time.Since(start),
	}, nil
}
