package llm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/careflow/pkg/flowgraph/llm"
)

func TestMockClient_SequentialResponses(t *testing.T) {
	mock := llm.NewMockClient("").WithResponses("first", "second")
	ctx := context.Background()

	for _, want := range []string{"first", "second", "first"} {
		resp, err := mock.Complete(ctx, llm.CompletionRequest{})
		require.NoError(t, err)
		assert.Equal(t, want, resp.Content)
	}
	assert.Len(t, mock.Calls(), 3)

	mock.Reset()
	assert.Empty(t, mock.Calls())
	_, ok := mock.LastCall()
	assert.False(t, ok)
}

func TestMockClient_WithError(t *testing.T) {
	expectedErr := errors.New("test error")
	mock := llm.NewMockClient("").WithError(expectedErr)

	_, err := mock.Complete(context.Background(), llm.CompletionRequest{})
	assert.Equal(t, expectedErr, err)
}

func TestMockClient_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := llm.NewMockClient("x").Complete(ctx, llm.CompletionRequest{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestError(t *testing.T) {
	err := llm.NewError("complete", llm.ErrTimeout, true)
	assert.Equal(t, "llm complete: llm request timed out", err.Error())
	assert.ErrorIs(t, err, llm.ErrTimeout)
	assert.True(t, llm.IsRetryable(err))
	assert.False(t, llm.IsRetryable(errors.New("plain")))

	withProvider := &llm.Error{Op: "complete", Provider: "openai", Err: llm.ErrUnavailable}
	assert.Equal(t, "llm complete (openai): llm unavailable", withProvider.Error())
}

func TestTokenUsage_Add(t *testing.T) {
	u := llm.TokenUsage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3}
	u.Add(llm.TokenUsage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30})
	assert.Equal(t, llm.TokenUsage{InputTokens: 11, OutputTokens: 22, TotalTokens: 33}, u)
}
