package llm

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// RetryPolicy configures RetryClient.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int
	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration
	// BackoffFactor multiplies the wait after each retry.
	BackoffFactor float64
	// Jitter randomizes each wait by up to this fraction (0.0-1.0).
	Jitter float64
}

// DefaultRetryPolicy retries twice with exponential backoff.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// RetryClient retries calls that fail with a retryable *Error. Other
// errors are returned at once.
type RetryClient struct {
	client Client
	policy RetryPolicy
	logger *slog.Logger
}

var _ Client = (*RetryClient)(nil)

// NewRetryClient wraps client. A policy with MaxAttempts below 1 makes a
// single attempt.
func NewRetryClient(client Client, policy RetryPolicy) *RetryClient {
	if client == nil {
		panic("llm: client cannot be nil")
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.BackoffFactor < 1 {
		policy.BackoffFactor = 1
	}
	return &RetryClient{client: client, policy: policy, logger: slog.Default()}
}

// WithLogger sets the logger for retry attempts.
func (c *RetryClient) WithLogger(logger *slog.Logger) *RetryClient {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// Complete implements Client.
func (c *RetryClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	backoff := c.policy.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, wrapCallError(ctx, "", 0, err)
		}

		resp, err := c.client.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == c.policy.MaxAttempts {
			break
		}

		wait := jittered(backoff, c.policy.Jitter)
		c.logger.Warn("llm call failed, retrying",
			"attempt", attempt,
			"max_attempts", c.policy.MaxAttempts,
			"backoff", wait,
			"error", err,
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, wrapCallError(ctx, "", 0, ctx.Err())
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * c.policy.BackoffFactor)
		if c.policy.MaxBackoff > 0 && backoff > c.policy.MaxBackoff {
			backoff = c.policy.MaxBackoff
		}
	}

	if c.policy.MaxAttempts > 1 && IsRetryable(lastErr) {
		return nil, fmt.Errorf("after %d attempts: %w", c.policy.MaxAttempts, lastErr)
	}
	return nil, lastErr
}

// jittered returns base randomized by up to +/- base*jitter.
func jittered(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || base <= 0 {
		return base
	}
	delta := float64(base) * jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(base) + delta)
}
