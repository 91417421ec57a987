// Package momentum drives the per-chat conversation arc: it primes a
// chat with the initialization sequence, picks the sequence for the
// chat's current stage, assembles the LLM request from protocol and
// sequence, and runs the recovery sequence after a failed turn.
package momentum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nugget/botlab/internal/agentdef"
	"github.com/nugget/botlab/internal/chat"
	"github.com/nugget/botlab/internal/llm"
)

// Errors returned by response generation.
var (
	ErrNoSequence         = errors.New("no usable momentum sequence")
	ErrUnresolvedProtocol = errors.New("sequence references unknown protocol")
)

// primingPrompt is sent when a priming sequence has no turn messages of
// its own, since providers require at least one user message.
const primingPrompt = "Acknowledge these instructions and wait for the conversation to begin."

// initTimeout bounds the shared priming call made by Initialize.
var initTimeout = 2 * time.Minute

// Completer is the LLM call contract: a system prompt, ordered turn
// messages and a temperature in, text out.
type Completer interface {
	Complete(ctx context.Context, system string, messages []llm.Message, temperature float64) (string, error)
}

// Manager holds momentum state for every chat. It is safe for
// concurrent use; concurrent Initialize calls for one chat share a
// single priming call.
type Manager struct {
	cfg    *agentdef.Config
	llm    Completer
	logger *slog.Logger

	mu     sync.RWMutex
	stages map[int64]Stage

	inits singleflight.Group

	onChange func(chatID int64, from, to Stage)
}

// NewManager creates a Manager for an agent definition.
func NewManager(cfg *agentdef.Config, completer Completer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		llm:    completer,
		logger: logger,
		stages: make(map[int64]Stage),
	}
}

// Config returns the agent definition the manager was built with.
func (m *Manager) Config() *agentdef.Config { return m.cfg }

// Stage returns the chat's current stage.
func (m *Manager) Stage(chatID int64) Stage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stages[chatID]
}

// IsInitialized reports whether the chat has been primed.
func (m *Manager) IsInitialized(chatID int64) bool {
	return m.Stage(chatID) > StageInit
}

// Snapshot returns every tracked chat's stage.
func (m *Manager) Snapshot() map[int64]Stage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int64]Stage, len(m.stages))
	for k, v := range m.stages {
		out[k] = v
	}
	return out
}

// OnStageChange registers fn to run after any chat changes stage. Set
// it before the manager is shared.
func (m *Manager) OnStageChange(fn func(chatID int64, from, to Stage)) {
	m.onChange = fn
}

func (m *Manager) setStage(chatID int64, s Stage) {
	m.update(chatID, func(Stage) Stage { return s })
}

// update applies fn to the chat's stage. Uninitialized chats are not
// stored.
func (m *Manager) update(chatID int64, fn func(cur Stage) Stage) {
	m.mu.Lock()
	cur := m.stages[chatID]
	next := fn(cur)
	if next == StageUninitialized {
		delete(m.stages, chatID)
	} else {
		m.stages[chatID] = next
	}
	m.mu.Unlock()

	if next != cur && m.onChange != nil {
		m.onChange(chatID, cur, next)
	}
}

// Initialize primes the chat with the initialization sequence. The
// response is discarded. It returns false, leaving the chat
// uninitialized, when no initialization sequence exists or the call
// fails.
//
// Concurrent callers for one chat share a single priming call. That
// call is detached from any one caller's cancellation and bounded by
// initTimeout; a caller whose ctx ends first stops waiting and gets
// false.
func (m *Manager) Initialize(ctx context.Context, chatID int64) bool {
	ch := m.inits.DoChan(strconv.FormatInt(chatID, 10), func() (any, error) {
		if m.IsInitialized(chatID) {
			return true, nil
		}
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), initTimeout)
		defer cancel()
		return m.initialize(pctx, chatID), nil
	})
	select {
	case r := <-ch:
		ok, _ := r.Val.(bool)
		return ok
	case <-ctx.Done():
		m.logger.Warn("gave up waiting for initialization", "chat_id", chatID, "error", ctx.Err())
		return false
	}
}

func (m *Manager) initialize(ctx context.Context, chatID int64) bool {
	m.logger.Info("initializing momentum", "chat_id", chatID)

	seq, ok := m.cfg.FindSequence(StageInit.sequenceNames()...)
	if !ok {
		m.logger.Error("no initialization sequence found", "chat_id", chatID)
		return false
	}

	text, err := m.prime(llm.WithPurpose(ctx, llm.PurposeInit), seq)
	if err != nil || text == "" {
		m.logger.Warn("momentum initialization failed", "chat_id", chatID, "sequence", seq.ID, "error", err)
		return false
	}

	m.setStage(chatID, StageGreeting)
	m.logger.Info("momentum initialized", "chat_id", chatID, "sequence", seq.ID)
	return true
}

// Recover runs the recovery sequence after a failed turn. Whatever the
// outcome the chat returns to uninitialized, so the next turn primes it
// again. It reports whether the recovery call produced a response.
func (m *Manager) Recover(ctx context.Context, chatID int64) bool {
	m.logger.Info("attempting momentum recovery", "chat_id", chatID)
	defer m.setStage(chatID, StageUninitialized)

	seq, ok := m.cfg.FindSequence("recovery")
	if !ok {
		m.logger.Error("no recovery sequence found", "chat_id", chatID)
		return false
	}

	text, err := m.prime(llm.WithPurpose(ctx, llm.PurposeRecovery), seq)
	if err != nil || text == "" {
		m.logger.Warn("momentum recovery failed", "chat_id", chatID, "error", err)
		return false
	}
	return true
}

// prime sends a sequence on its own, without conversation history.
func (m *Manager) prime(ctx context.Context, seq agentdef.Sequence) (string, error) {
	system, msgs, temp, err := m.BuildRequest(seq, "")
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		msgs = []llm.Message{{Role: string(chat.RoleUser), Content: primingPrompt}}
	}
	return m.complete(ctx, system, msgs, temp)
}

// GetResponse answers a turn using the sequence for the chat's current
// stage. An uninitialized chat uses the initialization sequence.
func (m *Manager) GetResponse(ctx context.Context, chatID int64, historyXML string) (string, error) {
	stage := m.Stage(chatID)
	seq, err := m.SequenceFor(stage)
	if err != nil {
		return "", err
	}
	m.logger.Debug("selected momentum sequence",
		"chat_id", chatID,
		"stage", stage,
		"sequence", seq.ID)
	return m.Respond(ctx, seq, historyXML)
}

// Respond answers with an explicit sequence.
func (m *Manager) Respond(ctx context.Context, seq agentdef.Sequence, historyXML string) (string, error) {
	system, msgs, temp, err := m.BuildRequest(seq, historyXML)
	if err != nil {
		return "", err
	}
	if llm.PurposeFrom(ctx) == "" {
		ctx = llm.WithPurpose(ctx, llm.PurposeResponse)
	}
	return m.complete(ctx, system, msgs, temp)
}

// complete calls the LLM, turning a panic in the collaborator into an
// error.
func (m *Manager) complete(ctx context.Context, system string, msgs []llm.Message, temp float64) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("LLM call panicked", "panic", r)
			text, err = "", fmt.Errorf("llm call panicked: %v", r)
		}
	}()
	if m.llm == nil {
		return "", errors.New("no LLM configured")
	}
	return m.llm.Complete(ctx, system, msgs, temp)
}

// SequenceFor picks the sequence for a stage. A definition with a single
// sequence always uses it. A stage without its own sequence falls back
// to the first configured one.
func (m *Manager) SequenceFor(stage Stage) (agentdef.Sequence, error) {
	seqs := m.cfg.Sequences
	switch len(seqs) {
	case 0:
		return agentdef.Sequence{}, ErrNoSequence
	case 1:
		return seqs[0], nil
	}
	if seq, ok := m.cfg.FindSequence(stage.sequenceNames()...); ok {
		return seq, nil
	}
	return seqs[0], nil
}

// BuildRequest assembles the system prompt, turn messages and clamped
// temperature for a sequence. The history document, when non-empty,
// becomes the final user turn.
func (m *Manager) BuildRequest(seq agentdef.Sequence, historyXML string) (string, []llm.Message, float64, error) {
	proto, ok := m.cfg.Protocol(seq.ProtocolRef)
	if !ok {
		return "", nil, 0, fmt.Errorf("%w: sequence %q references %q", ErrUnresolvedProtocol, seq.ID, seq.ProtocolRef)
	}

	var parts []string
	if t := proto.Text(); t != "" {
		parts = append(parts, t)
	}
	if s := seq.SystemMessage(); s != "" {
		parts = append(parts, s)
	}
	system := strings.Join(parts, "\n\n")

	var msgs []llm.Message
	for _, sm := range seq.TurnMessages() {
		msgs = append(msgs, llm.Message{Role: string(sm.Role), Content: sm.Content})
	}
	if historyXML != "" {
		msgs = append(msgs, llm.Message{Role: string(chat.RoleUser), Content: HistoryPrompt(historyXML)})
	}

	return system, msgs, agentdef.ClampTemperature(seq.Temperature), nil
}

// HistoryPrompt wraps a history document as the final user turn.
func HistoryPrompt(historyXML string) string {
	return "Here is the conversation history in XML format:\n" + historyXML +
		"\n\nBased on this history and the latest message, please provide a response."
}

// Advance moves an initialized chat to the stage after a successful
// response.
func (m *Manager) Advance(chatID int64) {
	m.update(chatID, func(cur Stage) Stage {
		if cur == StageUninitialized {
			return cur
		}
		return cur.next()
	})
}

// Greet returns an initialized chat to the greeting stage, for a new
// conversation starting in the same chat.
func (m *Manager) Greet(chatID int64) {
	m.moveTo(chatID, StageGreeting)
}

// Conclude moves an initialized chat to the conclusion stage.
func (m *Manager) Conclude(chatID int64) {
	m.moveTo(chatID, StageConclusion)
}

func (m *Manager) moveTo(chatID int64, s Stage) {
	m.update(chatID, func(cur Stage) Stage {
		if cur == StageUninitialized {
			return cur
		}
		return s
	})
}

// Reset forgets the chat's momentum entirely.
func (m *Manager) Reset(chatID int64) {
	m.setStage(chatID, StageUninitialized)
	m.logger.Info("momentum reset", "chat_id", chatID)
}
