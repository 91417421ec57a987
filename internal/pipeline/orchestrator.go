// Package pipeline runs one inbound chat message through admission,
// history, momentum priming, the secondary agents, and response
// generation, and decides what, if anything, is sent back.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/botlab/internal/chat"
	"github.com/nugget/botlab/internal/events"
	"github.com/nugget/botlab/internal/filter"
	"github.com/nugget/botlab/internal/history"
)

// Fixed replies. They are the only text users see when a turn fails.
const (
	InitFailedReply = "I apologize, but I encountered an error during initialization."
	RecoveredReply  = "I needed to realign my context. Could you please repeat your message?"
	ApologyReply    = "I apologize, but I encountered an error while processing your message."
)

var errEmptyReply = errors.New("empty reply from momentum")

// Admission decides whether a message is eligible for a turn.
type Admission interface {
	Check(msg chat.Message) filter.Result
}

// HistoryStore is the conversation log the orchestrator appends to.
type HistoryStore interface {
	Add(msg chat.Message) history.Ref
	ThreadXML(chatID, threadID int64) string
}

// Momentum is the per-chat conversation arc.
type Momentum interface {
	IsInitialized(chatID int64) bool
	Initialize(ctx context.Context, chatID int64) bool
	GetResponse(ctx context.Context, chatID int64, historyXML string) (string, error)
	Recover(ctx context.Context, chatID int64) bool
	Advance(chatID int64)
	Greet(chatID int64)
	Conclude(chatID int64)
}

// ResponseRecorder is told when a chat has been answered.
type ResponseRecorder interface {
	RecordResponse(chatID int64)
}

// Config holds orchestrator settings.
type Config struct {
	// AgentName is the author recorded on assistant messages.
	AgentName string
	// Username is the bot's handle, without "@", used to detect
	// direct mentions.
	Username string
	// BypassOnMention skips Gate agents for messages that mention the
	// bot.
	BypassOnMention bool
}

// Deps are the collaborators an Orchestrator drives. Filters, Timer,
// Bus, Logger and OnAdmit may be nil.
type Deps struct {
	Filters  Admission
	History  HistoryStore
	Momentum Momentum
	Timer    ResponseRecorder
	Agents   []Agent
	Bus      *events.Bus
	Logger   *slog.Logger
	Now      func() time.Time

	// OnAdmit, if set, is called once a message passes admission. The
	// returned func runs when the turn ends. The transport uses it to
	// show a typing indicator only for messages that will be worked on.
	OnAdmit func(ctx context.Context, msg chat.Message) (done func())
}

// Reply is the outcome of a turn that produced text for the user.
type Reply struct {
	TurnID string
	Text   string

	// Ref points at the stored assistant message. It is only valid when
	// Stored is true; fixed error replies are not recorded in history.
	Ref    history.Ref
	Stored bool

	// ReplyTo is the platform ID of the message being answered.
	ReplyTo int64
}

// Orchestrator processes messages. It is safe for concurrent use;
// turns in the same (chat, thread) run one at a time.
type Orchestrator struct {
	cfg      Config
	filters  Admission
	history  HistoryStore
	momentum Momentum
	timer    ResponseRecorder
	agents   []Agent
	bus      *events.Bus
	logger   *slog.Logger
	now      func() time.Time
	onAdmit  func(ctx context.Context, msg chat.Message) func()

	locks keyedMutex
}

// New creates an Orchestrator.
func New(cfg Config, d Deps) *Orchestrator {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Orchestrator{
		cfg:      cfg,
		filters:  d.Filters,
		history:  d.History,
		momentum: d.Momentum,
		timer:    d.Timer,
		agents:   d.Agents,
		bus:      d.Bus,
		logger:   d.Logger,
		now:      d.Now,
		onAdmit:  d.OnAdmit,
		locks:    keyedMutex{locks: make(map[chat.Key]*keyedLock)},
	}
}

// Process runs one message through the pipeline. It returns nil when
// nothing should be sent: the message was filtered, or an agent vetoed
// or stopped the turn.
func (o *Orchestrator) Process(ctx context.Context, msg chat.Message) *Reply {
	if msg.Role == "" {
		msg.Role = chat.RoleUser
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = o.now()
	}
	key := msg.Key()

	unlock := o.locks.lock(key)
	defer unlock()

	if o.filters != nil {
		if res := o.filters.Check(msg); !res.Passed {
			o.logger.Debug("message filtered",
				"chat_id", msg.ChatID,
				"thread_id", msg.ThreadID,
				"reason", res.Reason)
			o.bus.Emit(events.SourcePipeline, events.KindFiltered, map[string]any{
				"chat_id":   msg.ChatID,
				"thread_id": msg.ThreadID,
				"reason":    res.Reason,
			})
			return nil
		}
	}

	turn := &Turn{
		ID:        newTurnID(),
		Message:   msg,
		Mentioned: o.cfg.Username != "" && filter.Mentions(msg.Content, o.cfg.Username),
	}
	ctx = chat.WithTurn(ctx, chat.TurnInfo{ID: turn.ID, Key: key})
	log := o.logger.With("turn_id", turn.ID, "chat_id", msg.ChatID, "thread_id", msg.ThreadID)

	if o.onAdmit != nil {
		if done := o.onAdmit(ctx, msg); done != nil {
			defer done()
		}
	}

	o.history.Add(msg)
	log.Info("turn started", "from", msg.Agent, "len", len(msg.Content), "mentioned", turn.Mentioned)
	o.bus.Emit(events.SourcePipeline, events.KindTurnStart, map[string]any{
		"turn_id":   turn.ID,
		"chat_id":   msg.ChatID,
		"thread_id": msg.ThreadID,
	})

	start := o.now()
	reply, err := o.run(ctx, log, turn)
	if err != nil {
		return o.recoverTurn(ctx, log, turn, err)
	}
	if reply != nil && reply.Stored {
		log.Info("turn answered", "len", len(reply.Text), "elapsed", o.now().Sub(start), "trail", turn.TrailString())
		o.bus.Emit(events.SourcePipeline, events.KindReply, map[string]any{
			"turn_id":    turn.ID,
			"chat_id":    msg.ChatID,
			"thread_id":  msg.ThreadID,
			"reply_len":  len(reply.Text),
			"elapsed_ms": o.now().Sub(start).Milliseconds(),
		})
	}
	return reply
}

// run covers everything after the user message is stored. Any error,
// including a panic in a collaborator, sends the turn to recovery.
func (o *Orchestrator) run(ctx context.Context, log *slog.Logger, t *Turn) (reply *Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			reply, err = nil, fmt.Errorf("turn panicked: %v", r)
		}
	}()

	chatID := t.Message.ChatID
	if !o.momentum.IsInitialized(chatID) {
		if !o.momentum.Initialize(ctx, chatID) {
			log.Error("momentum initialization failed")
			o.bus.Emit(events.SourcePipeline, events.KindInitFailed, map[string]any{
				"turn_id": t.ID,
				"chat_id": chatID,
			})
			return o.fixedReply(t, InitFailedReply), nil
		}
	}

	t.HistoryXML = o.history.ThreadXML(chatID, t.Message.ThreadID)

	proceed, err := o.runAgents(ctx, log, t)
	if err != nil || !proceed {
		return nil, err
	}

	switch t.Code {
	case CodeGreeting:
		o.momentum.Greet(chatID)
	case CodeFarewell:
		o.momentum.Conclude(chatID)
	}

	text, err := o.momentum.GetResponse(ctx, chatID, t.HistoryXML)
	if err != nil {
		return nil, fmt.Errorf("generate response: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, errEmptyReply
	}

	ref := o.history.Add(chat.Message{
		Role:             chat.RoleAssistant,
		Content:          text,
		Agent:            o.cfg.AgentName,
		ChatID:           chatID,
		ThreadID:         t.Message.ThreadID,
		ReplyToThreadID:  t.Message.ThreadID,
		ReplyToMessageID: t.Message.MessageID,
		Topic:            t.Message.Topic,
		Timestamp:        o.now(),
	})
	if o.timer != nil {
		o.timer.RecordResponse(chatID)
	}
	o.momentum.Advance(chatID)

	return &Reply{
		TurnID:  t.ID,
		Text:    text,
		Ref:     ref,
		Stored:  true,
		ReplyTo: t.Message.MessageID,
	}, nil
}

// runAgents passes the turn through each agent in order. It reports
// false when an agent vetoed or stopped the turn.
func (o *Orchestrator) runAgents(ctx context.Context, log *slog.Logger, t *Turn) (bool, error) {
	for _, a := range o.agents {
		name := a.Name()
		if _, ok := a.(Gate); ok && o.cfg.BypassOnMention && t.Mentioned {
			log.Debug("gate bypassed for direct mention", "agent", name)
			t.record(name, "bypass")
			continue
		}

		res, err := a.Process(ctx, t)
		if err != nil {
			return false, fmt.Errorf("agent %s: %w", name, err)
		}
		if res == nil {
			log.Info("agent stopped turn", "agent", name)
			t.record(name, "")
			o.bus.Emit(events.SourcePipeline, events.KindStopped, map[string]any{
				"turn_id": t.ID,
				"chat_id": t.Message.ChatID,
				"agent":   name,
			})
			return false, nil
		}

		if Blocks(res.Code) {
			code := res.Code
			if code == "" {
				code = CodeError
			}
			t.record(name, code)
			log.Info("agent vetoed turn", "agent", name, "code", code, "reason", res.Reason)
			o.bus.Emit(events.SourcePipeline, events.KindVetoed, map[string]any{
				"turn_id": t.ID,
				"chat_id": t.Message.ChatID,
				"agent":   name,
				"code":    code,
				"reason":  res.Reason,
			})
			return false, nil
		}

		t.merge(name, res)
		log.Debug("agent passed turn", "agent", name, "code", res.Code, "reason", res.Reason)
	}
	return true, nil
}

// recoverTurn runs the momentum recovery protocol for a failed turn.
func (o *Orchestrator) recoverTurn(ctx context.Context, log *slog.Logger, t *Turn, cause error) *Reply {
	log.Error("turn failed", "error", cause, "trail", t.TrailString())

	ok := o.safeRecover(ctx, t.Message.ChatID)
	o.bus.Emit(events.SourcePipeline, events.KindRecovery, map[string]any{
		"turn_id": t.ID,
		"chat_id": t.Message.ChatID,
		"ok":      ok,
		"error":   cause.Error(),
	})
	if ok {
		log.Info("momentum recovered")
		return o.fixedReply(t, RecoveredReply)
	}
	log.Error("momentum recovery failed")
	return o.fixedReply(t, ApologyReply)
}

func (o *Orchestrator) safeRecover(ctx context.Context, chatID int64) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("recovery panicked", "chat_id", chatID, "panic", r)
			ok = false
		}
	}()
	return o.momentum.Recover(ctx, chatID)
}

func (o *Orchestrator) fixedReply(t *Turn, text string) *Reply {
	return &Reply{TurnID: t.ID, Text: text, ReplyTo: t.Message.MessageID}
}

func newTurnID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// keyedMutex serializes turns per (chat, thread). Entries are dropped
// once no turn holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[chat.Key]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key chat.Key) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// active returns the number of keys with a holder or waiter.
func (k *keyedMutex) active() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
