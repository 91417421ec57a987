package usage

import (
	"context"
	"log/slog"

	"github.com/nugget/botlab/internal/chat"
	"github.com/nugget/botlab/internal/config"
	"github.com/nugget/botlab/internal/llm"
)

// Recorder writes every completed LLM call to the ledger. It reads the
// turn and chat from the call's context.
type Recorder struct {
	store   *Store
	pricing map[string]config.PricingEntry
	logger  *slog.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(store *Store, pricing map[string]config.PricingEntry, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, pricing: pricing, logger: logger}
}

// ObserveUsage implements llm.UsageObserver. Write failures are logged;
// accounting never fails a turn.
func (r *Recorder) ObserveUsage(ctx context.Context, u llm.Usage) {
	rec := Record{
		Role:         string(u.Purpose),
		Model:        u.Model,
		Provider:     u.Provider,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		CostUSD:      ComputeCost(u.Model, u.InputTokens, u.OutputTokens, r.pricing),
		Duration:     u.Duration,
	}
	if rec.Role == "" {
		rec.Role = string(llm.PurposeFrom(ctx))
	}
	if rec.Role == "" {
		rec.Role = "unknown"
	}
	if turn, ok := chat.TurnFrom(ctx); ok {
		rec.TurnID = turn.ID
		rec.ChatID = turn.Key.ChatID
		rec.ThreadID = turn.Key.ThreadID
	}

	if err := r.store.Record(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Warn("failed to record usage", "model", rec.Model, "role", rec.Role, "error", err)
		return
	}
	r.logger.Log(ctx, llm.LevelTrace, "usage recorded",
		"turn_id", rec.TurnID,
		"role", rec.Role,
		"model", rec.Model,
		"cost_usd", rec.CostUSD)
}
