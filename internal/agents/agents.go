// Package agents holds the secondary pipeline agents that annotate or
// veto a turn before the speaker answers it.
package agents

import (
	"context"

	"github.com/nugget/botlab/internal/llm"
)

// Completer is the LLM call contract shared with the momentum manager.
type Completer interface {
	Complete(ctx context.Context, system string, messages []llm.Message, temperature float64) (string, error)
}
