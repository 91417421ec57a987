// Package llm provides the completion clients the agents talk to:
// Anthropic's Messages API, a local Ollama server, and a router that
// picks between them by provider or model.
package llm

import "context"

// Client is the interface that all LLM providers implement.
type Client interface {
	// Chat sends a completion request and returns the full response.
	Chat(ctx context.Context, req Request) (*ChatResponse, error)

	// ChatStream sends a streaming request. If callback is non-nil,
	// tokens are delivered to it as they arrive. The returned response
	// carries the assembled text either way.
	ChatStream(ctx context.Context, req Request, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
