package pipeline

import (
	"context"
	"strings"

	"github.com/nugget/botlab/internal/chat"
)

// Turn is the working context of one inbound message as it moves
// through the pipeline agents. Agents read it and return a Result that
// the orchestrator folds back in.
type Turn struct {
	ID         string
	Message    chat.Message
	HistoryXML string

	// Mentioned is set when the message addresses the bot directly.
	Mentioned bool

	// Code and Reason hold the most recent non-blocking agent outcome.
	Code   string
	Reason string

	// Thread is a conversation thread label assigned by an observer.
	Thread string
	// Mood is the emotional tone an observer read from the message.
	Mood string

	// Trail lists "agent:code" for every agent that ran, in order.
	Trail []string
}

// Result is what an agent reports about a turn.
type Result struct {
	Code   string
	Reason string
	Thread string
	Mood   string
}

// Agent is one stage of the secondary pipeline. A nil Result with a nil
// error stops the turn without a reply. An error sends the turn to
// recovery.
type Agent interface {
	Name() string
	Process(ctx context.Context, t *Turn) (*Result, error)
}

// Gate marks an agent that only ever vetoes. Gates are skipped for
// messages that mention the bot when mention bypass is enabled.
type Gate interface {
	Agent
	Gate()
}

// merge folds a non-blocking result into the turn.
func (t *Turn) merge(agent string, r *Result) {
	t.Code = r.Code
	if r.Reason != "" {
		t.Reason = r.Reason
	}
	if r.Thread != "" {
		t.Thread = r.Thread
	}
	if r.Mood != "" {
		t.Mood = r.Mood
	}
	t.record(agent, r.Code)
}

func (t *Turn) record(agent, code string) {
	if code == "" {
		code = "-"
	}
	t.Trail = append(t.Trail, agent+":"+code)
}

// TrailString renders the agent trail for logs.
func (t *Turn) TrailString() string {
	return strings.Join(t.Trail, ",")
}
