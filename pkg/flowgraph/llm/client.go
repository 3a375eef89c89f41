package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Client is a chat-completion backend.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Sentinel errors classifying provider failures. *Error wraps one of them
// when the provider status identifies the failure.
var (
	ErrUnavailable    = errors.New("llm unavailable")
	ErrRateLimited    = errors.New("llm rate limited")
	ErrInvalidRequest = errors.New("llm rejected request")
	ErrTimeout        = errors.New("llm request timed out")
	ErrEmptyResponse  = errors.New("llm returned no content")
)

// Error is a failed provider call.
type Error struct {
	Op        string
	Provider  string
	Err       error
	Retryable bool
}

// NewError creates an *Error.
func NewError(op string, err error, retryable bool) *Error {
	return &Error{Op: op, Err: err, Retryable: retryable}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("llm %s (%s): %v", e.Op, e.Provider, e.Err)
	}
	return fmt.Sprintf("llm %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is an *Error marked retryable.
func IsRetryable(err error) bool {
	var lerr *Error
	return errors.As(err, &lerr) && lerr.Retryable
}

// classifyStatus maps a provider HTTP status to a sentinel and whether
// a retry may succeed.
func classifyStatus(status int) (error, bool) {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrRateLimited, true
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrTimeout, true
	case status >= 500:
		return ErrUnavailable, true
	case status >= 400:
		return ErrInvalidRequest, false
	}
	return nil, false
}

// wrapCallError builds the *Error for a failed SDK call. status is 0 when
// the SDK did not report one.
func wrapCallError(ctx context.Context, provider string, status int, err error) *Error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return &Error{Op: "complete", Provider: provider, Err: fmt.Errorf("%w: %w", ErrTimeout, ctxErr)}
		}
		return &Error{Op: "complete", Provider: provider, Err: ctxErr}
	}
	if kind, retryable := classifyStatus(status); kind != nil {
		return &Error{Op: "complete", Provider: provider, Err: fmt.Errorf("%w: %w", kind, err), Retryable: retryable}
	}
	return &Error{Op: "complete", Provider: provider, Err: err}
}
