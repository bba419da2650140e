// Package llm talks to chat-completion backends. It is the only package
// that performs network I/O to a model; everything above it works with
// the provider-neutral types in types.go.
package llm

import "context"

// Client is the interface every provider implements.
type Client interface {
	// Chat sends a chat completion request and returns the full response.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// ChatStream is Chat with incremental delivery. callback may be nil.
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}
