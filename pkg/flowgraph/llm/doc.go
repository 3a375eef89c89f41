// Package llm provides agent node adapters backed by chat-completion APIs.
//
// OpenAIClient and AnthropicClient wrap the official SDKs behind Client.
// NewFactory turns a Client into a flowgraph.Factory that builds one agent
// adapter per node from its config (see AgentConfig). Prompts are rendered
// with package template against the traversal state and the request
// identifiers.
//
// Provider failures are returned as *Error wrapping ErrRateLimited,
// ErrUnavailable, ErrInvalidRequest or ErrTimeout when the status allows.
package llm
