package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Usage describes the token cost of one completed call.
type Usage struct {
	Provider     string
	Model        string
	Purpose      Purpose
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

// UsageObserver is notified after every successful completion.
type UsageObserver interface {
	ObserveUsage(ctx context.Context, u Usage)
}

// Caller binds a Client to one provider/model pair and exposes the
// plain "system + messages + temperature in, text out" contract the
// agents use. It is safe for concurrent use.
type Caller struct {
	client    Client
	provider  string
	model     string
	maxTokens int
	stream    bool
	logger    *slog.Logger

	mu        sync.RWMutex
	observers []UsageObserver
	lastCall  time.Time
}

// CallerOption configures a [Caller].
type CallerOption func(*Caller)

// WithMaxTokens caps completion length.
func WithMaxTokens(n int) CallerOption {
	return func(c *Caller) { c.maxTokens = n }
}

// WithStreaming makes the caller use the provider's streaming endpoint.
// The assembled text is returned either way.
func WithStreaming() CallerOption {
	return func(c *Caller) { c.stream = true }
}

// WithCallerLogger sets the logger.
func WithCallerLogger(l *slog.Logger) CallerOption {
	return func(c *Caller) { c.logger = l }
}

// NewCaller creates a Caller.
func NewCaller(client Client, provider, model string, opts ...CallerOption) *Caller {
	c := &Caller{
		client:    client,
		provider:  provider,
		model:     model,
		maxTokens: DefaultMaxTokens,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Observe registers a usage observer.
func (c *Caller) Observe(o UsageObserver) {
	if o == nil {
		return
	}
	c.mu.Lock()
	c.observers = append(c.observers, o)
	c.mu.Unlock()
}

// Model returns the model name.
func (c *Caller) Model() string { return c.model }

// Provider returns the provider name.
func (c *Caller) Provider() string { return c.provider }

// LastCall returns when the most recent successful completion finished.
func (c *Caller) LastCall() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastCall
}

// Complete sends one completion and returns its text. An empty answer
// is an error.
func (c *Caller) Complete(ctx context.Context, system string, messages []Message, temperature float64) (string, error) {
	req := Request{
		Model:       c.model,
		System:      system,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   c.maxTokens,
	}

	var (
		resp *ChatResponse
		err  error
	)
	if c.stream {
		resp, err = c.client.ChatStream(ctx, req, func(string) {})
	} else {
		resp, err = c.client.Chat(ctx, req)
	}
	if err != nil {
		return "", fmt.Errorf("%s completion: %w", c.provider, err)
	}

	u := Usage{
		Provider:     c.provider,
		Model:        c.model,
		Purpose:      PurposeFrom(ctx),
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Duration:     resp.Duration,
	}
	if resp.Model != "" {
		u.Model = resp.Model
	}

	c.mu.Lock()
	c.lastCall = time.Now()
	observers := append([]UsageObserver(nil), c.observers...)
	c.mu.Unlock()
	for _, o := range observers {
		o.ObserveUsage(ctx, u)
	}

	c.logger.Debug("completion finished",
		"provider", c.provider,
		"model", u.Model,
		"purpose", u.Purpose,
		"input_tokens", u.InputTokens,
		"output_tokens", u.OutputTokens,
		"duration", u.Duration,
	)

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
