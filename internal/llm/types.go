package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// DefaultMaxTokens caps completions when a request does not say.
const DefaultMaxTokens = 4096

// ErrEmptyResponse is returned when a provider answers with no text.
var ErrEmptyResponse = errors.New("empty response from model")

// Message is one conversational turn sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-neutral completion request. System is sent
// separately from Messages; system-role entries inside Messages are
// folded into it by providers that require that.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// ChatResponse is the unified response from any provider.
type ChatResponse struct {
	Model      string
	Content    string
	StopReason string

	InputTokens  int
	OutputTokens int

	Duration time.Duration
}

// StreamCallback receives incremental text tokens.
type StreamCallback func(token string)

// Purpose labels why a completion was requested. It travels in the
// context so usage accounting can attribute cost without every caller
// passing it explicitly.
type Purpose string

// Purposes used by the turn pipeline.
const (
	PurposeInit      Purpose = "init"
	PurposeResponse  Purpose = "response"
	PurposeRecovery  Purpose = "recovery"
	PurposeInhibitor Purpose = "inhibitor"
	PurposeObserver  Purpose = "observer"
	PurposeAsk       Purpose = "ask"
)

type purposeKey struct{}

// WithPurpose returns a context labelled with p.
func WithPurpose(ctx context.Context, p Purpose) context.Context {
	return context.WithValue(ctx, purposeKey{}, p)
}

// PurposeFrom returns the purpose stored in ctx, or "" if none.
func PurposeFrom(ctx context.Context) Purpose {
	p, _ := ctx.Value(purposeKey{}).(Purpose)
	return p
}
