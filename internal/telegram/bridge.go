package telegram

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/botlab/internal/chat"
	"github.com/nugget/botlab/internal/events"
	"github.com/nugget/botlab/internal/history"
	"github.com/nugget/botlab/internal/pipeline"
)

// Bridge defaults.
const (
	DefaultPollTimeout = 30 * time.Second
	DefaultSendTimeout = 15 * time.Second

	// handleTimeout bounds one inbound message, pipeline and send
	// included.
	handleTimeout = 5 * time.Minute

	maxPollBackoff = time.Minute
)

// StartReply answers /start.
const StartReply = "Hello! I'm listening. Mention me when you want my take."

// State namespaces and keys in the operational store.
const (
	stateNamespace  = "telegram"
	stateOffsetKey  = "offset"
	topicsNamespace = "telegram_topics"
)

// Processor runs one inbound message through the pipeline.
type Processor interface {
	Process(ctx context.Context, msg chat.Message) *pipeline.Reply
}

// MessageIDSetter assigns a platform ID to a stored history entry once
// the reply has been delivered.
type MessageIDSetter interface {
	SetMessageID(ref history.Ref, id int64) bool
}

// StageResetter forgets a chat's conversation stage.
type StageResetter interface {
	Reset(chatID int64)
}

// StateStore persists the update offset and learned topic names.
type StateStore interface {
	GetInt(ctx context.Context, namespace, key string, def int64) (int64, error)
	SetInt(ctx context.Context, namespace, key string, v int64) error
	Set(ctx context.Context, namespace, key, value string) error
	List(ctx context.Context, namespace string) (map[string]string, error)
}

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Client    *Client
	Processor Processor
	History   MessageIDSetter
	Momentum  StageResetter
	State     StateStore // optional; without it offsets and topics live in memory
	Bus       *events.Bus
	Logger    *slog.Logger

	PollTimeout time.Duration
	SendTimeout time.Duration
}

// Bridge long-polls Telegram for messages, hands each to the pipeline
// and sends back whatever reply comes out.
type Bridge struct {
	client    *Client
	processor Processor
	history   MessageIDSetter
	momentum  StageResetter
	state     StateStore
	bus       *events.Bus
	logger    *slog.Logger

	pollTimeout time.Duration
	sendTimeout time.Duration

	mu     sync.RWMutex
	topics map[string]string // topicKey(chat, thread) -> name
	offset int64

	wg sync.WaitGroup
}

// NewBridge creates a Telegram bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		client:      cfg.Client,
		processor:   cfg.Processor,
		history:     cfg.History,
		momentum:    cfg.Momentum,
		state:       cfg.State,
		bus:         cfg.Bus,
		logger:      logger,
		pollTimeout: cfg.PollTimeout,
		sendTimeout: cfg.SendTimeout,
		topics:      make(map[string]string),
	}
	if b.pollTimeout <= 0 {
		b.pollTimeout = DefaultPollTimeout
	}
	if b.sendTimeout <= 0 {
		b.sendTimeout = DefaultSendTimeout
	}
	return b
}

// Run polls for updates until ctx is cancelled, then waits for the
// messages already being handled. It returns nil on cancellation.
func (b *Bridge) Run(ctx context.Context) error {
	b.restore(ctx)
	b.logger.Info("telegram bridge started", "offset", b.offset)
	defer b.wg.Wait()

	backoff := time.Second
	for {
		updates, err := b.client.GetUpdates(ctx, b.offset, b.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				b.logger.Info("telegram bridge shutting down")
				return nil
			}
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Code == 401 {
				return err
			}
			b.logger.Warn("telegram poll failed", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxPollBackoff)
			continue
		}
		backoff = time.Second

		for _, u := range updates {
			if u.UpdateID >= b.offset {
				b.offset = u.UpdateID + 1
			}
			if u.Message == nil {
				continue
			}
			msg := u.Message
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handleMessage(ctx, msg)
			}()
		}
		if len(updates) > 0 {
			b.saveOffset(ctx)
		}
	}
}

func (b *Bridge) restore(ctx context.Context) {
	if b.state == nil {
		return
	}
	off, err := b.state.GetInt(ctx, stateNamespace, stateOffsetKey, 0)
	if err != nil {
		b.logger.Warn("telegram offset load failed", "error", err)
	}
	b.offset = off

	topics, err := b.state.List(ctx, topicsNamespace)
	if err != nil {
		b.logger.Warn("telegram topic load failed", "error", err)
		return
	}
	b.mu.Lock()
	for k, v := range topics {
		b.topics[k] = v
	}
	b.mu.Unlock()
}

func (b *Bridge) saveOffset(ctx context.Context) {
	if b.state == nil {
		return
	}
	if err := b.state.SetInt(ctx, stateNamespace, stateOffsetKey, b.offset); err != nil {
		b.logger.Warn("telegram offset save failed", "error", err)
	}
}

// Topic returns the learned name of a forum topic.
func (b *Bridge) Topic(chatID, threadID int64) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	name, ok := b.topics[topicKey(chatID, threadID)]
	return name, ok
}

// learnTopic records topic names announced by service messages, either
// directly or quoted as the message a topic post replies to.
func (b *Bridge) learnTopic(ctx context.Context, m *Message) {
	var name string
	var threadID int64
	switch {
	case m.ForumTopicCreated != nil:
		name, threadID = m.ForumTopicCreated.Name, m.MessageThreadID
	case m.ForumTopicEdited != nil && m.ForumTopicEdited.Name != "":
		name, threadID = m.ForumTopicEdited.Name, m.MessageThreadID
	case m.ReplyTo != nil && m.ReplyTo.ForumTopicCreated != nil:
		name, threadID = m.ReplyTo.ForumTopicCreated.Name, m.MessageThreadID
	default:
		return
	}
	if name == "" || threadID == 0 {
		return
	}

	key := topicKey(m.Chat.ID, threadID)
	b.mu.Lock()
	known := b.topics[key] == name
	b.topics[key] = name
	b.mu.Unlock()
	if known {
		return
	}

	b.logger.Debug("telegram topic learned", "chat_id", m.Chat.ID, "thread_id", threadID, "topic", name)
	if b.state != nil {
		if err := b.state.Set(ctx, topicsNamespace, key, name); err != nil {
			b.logger.Warn("telegram topic save failed", "error", err)
		}
	}
}

// handleMessage converts one Telegram message, runs it through the
// pipeline and delivers the reply.
func (b *Bridge) handleMessage(ctx context.Context, m *Message) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	b.learnTopic(ctx, m)

	body := strings.TrimSpace(m.Body())
	if body == "" {
		return
	}
	if m.From != nil && m.From.IsBot {
		b.logger.Debug("telegram ignoring bot sender", "chat_id", m.Chat.ID, "from", m.From.DisplayName())
		return
	}

	msg := b.toChat(m)
	b.bus.Emit(events.SourceTelegram, events.KindMessageReceived, map[string]any{
		"chat_id":     msg.ChatID,
		"thread_id":   msg.ThreadID,
		"message_len": len(body),
	})

	if isCommand(body, "start") {
		if b.momentum != nil {
			b.momentum.Reset(m.Chat.ID)
		}
		b.send(ctx, msg.ChatID, msg.ThreadID, 0, StartReply, nil)
		return
	}

	reply := b.processor.Process(ctx, msg)
	if reply == nil || reply.Text == "" {
		return
	}

	var ref *history.Ref
	if reply.Stored {
		ref = &reply.Ref
	}
	b.send(ctx, msg.ChatID, msg.ThreadID, reply.ReplyTo, reply.Text, ref)
}

// send delivers text and, when ref is set, records the delivered
// message ID on the stored history entry.
func (b *Bridge) send(ctx context.Context, chatID, threadID, replyTo int64, text string, ref *history.Ref) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.sendTimeout)
	defer cancel()

	sent, err := b.client.SendReply(ctx, chatID, threadID, replyTo, text)
	if err != nil {
		b.logger.Error("telegram reply send failed",
			"chat_id", chatID,
			"thread_id", threadID,
			"error", err,
		)
		return
	}

	if ref != nil && b.history != nil {
		if !b.history.SetMessageID(*ref, sent.MessageID) {
			b.logger.Debug("telegram reply no longer in history", "chat_id", chatID, "message_id", sent.MessageID)
		}
	}
	b.bus.Emit(events.SourceTelegram, events.KindMessageSent, map[string]any{
		"chat_id":    chatID,
		"thread_id":  threadID,
		"message_id": sent.MessageID,
	})
	b.logger.Info("telegram reply sent",
		"chat_id", chatID,
		"thread_id", threadID,
		"message_id", sent.MessageID,
		"reply_len", len(text),
	)
}

// toChat maps a Telegram message onto the pipeline's message model.
// Only forum topic posts carry a thread; in ordinary groups
// message_thread_id identifies a reply chain, not a topic.
func (b *Bridge) toChat(m *Message) chat.Message {
	msg := chat.Message{
		Role:      chat.RoleUser,
		Content:   strings.TrimSpace(m.Body()),
		Agent:     m.From.DisplayName(),
		ChatID:    m.Chat.ID,
		MessageID: m.MessageID,
		Timestamp: time.Unix(m.Date, 0),
	}
	if m.Date == 0 {
		msg.Timestamp = time.Time{}
	}
	if m.IsTopicMessage {
		msg.ThreadID = m.MessageThreadID
		if name, ok := b.Topic(m.Chat.ID, m.MessageThreadID); ok {
			msg.Topic = name
		}
	}

	// In a topic every post "replies" to the topic's creation message;
	// that is not a reply to anyone.
	if r := m.ReplyTo; r != nil && r.ForumTopicCreated == nil && !(m.IsTopicMessage && r.MessageID == m.MessageThreadID) {
		msg.ReplyToMessageID = r.MessageID
		if r.IsTopicMessage {
			msg.ReplyToThreadID = r.MessageThreadID
		} else {
			msg.ReplyToThreadID = msg.ThreadID
		}
	}
	return msg
}

// isCommand reports whether text is /name, optionally addressed as
// /name@bot.
func isCommand(text, name string) bool {
	first, _, _ := strings.Cut(text, " ")
	first, _, _ = strings.Cut(first, "@")
	return first == "/"+name
}
