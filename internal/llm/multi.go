package llm

import (
	"context"
	"errors"
	"fmt"
)

// MultiClient routes requests to a provider client, chosen by the
// model's registered provider, falling back to a default client.
type MultiClient struct {
	clients  map[string]Client // provider name → client
	models   map[string]string // model name → provider name
	fallback Client
}

// NewMultiClient creates a router with the given fallback, which may be
// nil.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a client for a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.clients[name] = client
	if m.fallback == nil {
		m.fallback = client
	}
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(model, provider string) {
	m.models[model] = provider
}

// Provider returns the client registered for name.
func (m *MultiClient) Provider(name string) (Client, bool) {
	c, ok := m.clients[name]
	return c, ok
}

func (m *MultiClient) clientFor(model string) Client {
	if provider, ok := m.models[model]; ok {
		if client, ok := m.clients[provider]; ok {
			return client
		}
	}
	return m.fallback
}

// Chat sends a request to the provider for req.Model.
func (m *MultiClient) Chat(ctx context.Context, req Request) (*ChatResponse, error) {
	client := m.clientFor(req.Model)
	if client == nil {
		return nil, fmt.Errorf("no provider configured for model %q", req.Model)
	}
	return client.Chat(ctx, req)
}

// ChatStream sends a streaming request to the provider for req.Model.
func (m *MultiClient) ChatStream(ctx context.Context, req Request, callback StreamCallback) (*ChatResponse, error) {
	client := m.clientFor(req.Model)
	if client == nil {
		return nil, fmt.Errorf("no provider configured for model %q", req.Model)
	}
	return client.ChatStream(ctx, req, callback)
}

// Ping checks every registered provider.
func (m *MultiClient) Ping(ctx context.Context) error {
	if len(m.clients) == 0 {
		if m.fallback != nil {
			return m.fallback.Ping(ctx)
		}
		return errors.New("no providers configured")
	}
	var errs []error
	for name, c := range m.clients {
		if err := c.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
