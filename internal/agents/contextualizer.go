package agents

import (
	"container/list"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nugget/botlab/internal/agentdef"
	"github.com/nugget/botlab/internal/chat"
	"github.com/nugget/botlab/internal/llm"
	"github.com/nugget/botlab/internal/pipeline"
)

// Contextualizer defaults.
const (
	DefaultMaxThreads    = 5
	DefaultContextLength = 3
	DefaultConcurrency   = 10 * time.Minute
)

// Moods reported by the contextualizer.
const (
	MoodPositive = "positive"
	MoodNegative = "negative"
	MoodNeutral  = "neutral"
)

var (
	greetingRe  = regexp.MustCompile(`(?i)^\W*(@\w+\W+)?(hi|hello|hey|howdy|good (morning|afternoon|evening))\b`)
	farewellRe  = regexp.MustCompile(`(?i)\b(bye|goodbye|see (you|ya)|good night|talk (to you )?later|that'?s all)\b`)
	intensityRe = regexp.MustCompile(`[A-Z]{3,}|!{2,}`)
	negativeRe  = regexp.MustCompile(`(?i)\b(urgent|critical|disaster|broken|angry|frustrat\w*)\b`)
	positiveRe  = regexp.MustCompile(`(?i)\b(thanks|thank you|great|awesome|love|nice|perfect)\b`)
)

// Thread is one tracked conversation thread within a chat.
type Thread struct {
	ID       string
	Parent   string
	Topic    string
	Started  time.Time
	LastSeen time.Time
	// Recent holds the latest message texts, oldest first.
	Recent []string
	// Intense is set once a message in the thread shouts.
	Intense bool
	Mood    string

	messageIDs map[int64]struct{}
}

// ContextualizerOption configures a [Contextualizer].
type ContextualizerOption func(*Contextualizer)

// WithMaxThreads bounds how many threads are remembered per chat.
func WithMaxThreads(n int) ContextualizerOption {
	return func(c *Contextualizer) {
		if n > 0 {
			c.maxThreads = n
		}
	}
}

// WithContextLength bounds how many recent messages a thread keeps.
func WithContextLength(n int) ContextualizerOption {
	return func(c *Contextualizer) {
		if n > 0 {
			c.contextLength = n
		}
	}
}

// WithConcurrencyWindow sets how recently another thread must have been
// active for a message to count as concurrent.
func WithConcurrencyWindow(d time.Duration) ContextualizerOption {
	return func(c *Contextualizer) { c.window = d }
}

// WithAnalyzer makes the contextualizer ask an LLM for the thread
// decision, using the system prompt of the definition's first sequence.
// Local heuristics still supply the mood.
func WithAnalyzer(def *agentdef.Config, completer Completer) ContextualizerOption {
	return func(c *Contextualizer) {
		if def == nil || completer == nil || len(def.Sequences) == 0 {
			return
		}
		c.llm = completer
		c.system = def.Sequences[0].SystemMessage()
		c.temperature = agentdef.ClampTemperature(def.Sequences[0].Temperature)
		if def.Name != "" {
			c.name = strings.ToLower(def.Name)
		}
	}
}

// WithContextualizerLogger sets the logger.
func WithContextualizerLogger(l *slog.Logger) ContextualizerOption {
	return func(c *Contextualizer) { c.logger = l }
}

// Contextualizer is an observer agent: it tracks conversation threads
// per chat in a bounded LRU, classifies each message with a 3xx code
// and reads the emotional tone. It never vetoes.
type Contextualizer struct {
	name          string
	maxThreads    int
	contextLength int
	window        time.Duration
	logger        *slog.Logger

	llm         Completer
	system      string
	temperature float64

	mu    sync.Mutex
	chats map[int64]*threadLRU
}

type threadLRU struct {
	order *list.List // of *Thread, most recent at front
	byID  map[string]*list.Element
}

// NewContextualizer creates a Contextualizer.
func NewContextualizer(opts ...ContextualizerOption) *Contextualizer {
	c := &Contextualizer{
		name:          "contextualizer",
		maxThreads:    DefaultMaxThreads,
		contextLength: DefaultContextLength,
		window:        DefaultConcurrency,
		logger:        slog.Default(),
		chats:         make(map[int64]*threadLRU),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Name returns the agent name.
func (c *Contextualizer) Name() string { return c.name }

// Process classifies the turn's message and records it in its thread.
func (c *Contextualizer) Process(ctx context.Context, t *pipeline.Turn) (*pipeline.Result, error) {
	msg := t.Message
	now := msg.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	var d Decision
	if c.llm != nil {
		var ok bool
		d, ok = c.analyze(ctx, t)
		if !ok {
			return nil, nil
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	lru := c.chats[msg.ChatID]
	if lru == nil {
		lru = &threadLRU{order: list.New(), byID: make(map[string]*list.Element)}
		c.chats[msg.ChatID] = lru
	}

	if c.llm == nil {
		d = c.classify(lru, msg, now)
	}

	th := c.touch(lru, d, msg, now)
	mood, intense := readMood(msg.Content)
	th.Mood = mood
	th.Intense = th.Intense || intense

	reason := fmt.Sprintf("thread %s", th.ID)
	if th.Parent != "" {
		reason += " (branch of " + th.Parent + ")"
	}
	reason += ", mood " + mood
	if th.Intense {
		reason += ", high intensity"
	}

	c.logger.Debug("contextualized message",
		"agent", c.name,
		"chat_id", msg.ChatID,
		"code", d.Code,
		"thread", th.ID,
		"mood", mood)

	return &pipeline.Result{Code: d.Code, Reason: reason, Thread: th.ID, Mood: mood}, nil
}

// Decision is the thread classification of one message.
type Decision struct {
	Code   string
	Thread string
	Parent string
	Topic  string
}

// classify decides the code and thread for a message from local state.
// Conversation boundaries take precedence over thread codes.
func (c *Contextualizer) classify(lru *threadLRU, msg chat.Message, now time.Time) Decision {
	d := Decision{Thread: threadLabel(msg.ThreadID), Topic: msg.Topic}

	_, known := lru.byID[d.Thread]
	if msg.IsReply() {
		if parent := lru.owner(msg.ReplyToMessageID); parent != "" && parent != d.Thread {
			d.Parent = parent
			d.Thread = fmt.Sprintf("%s.r%d", parent, msg.ReplyToMessageID)
			_, known = lru.byID[d.Thread]
		}
	}

	switch {
	case greetingRe.MatchString(msg.Content):
		d.Code = pipeline.CodeGreeting
	case farewellRe.MatchString(msg.Content):
		d.Code = pipeline.CodeFarewell
	case d.Parent != "" && !known:
		d.Code = pipeline.CodeBranch
	case !known:
		d.Code = pipeline.CodeNewThread
	case lru.concurrent(d.Thread, now, c.window):
		d.Code = pipeline.CodeConcurrent
	default:
		d.Code = pipeline.CodeContinue
	}
	return d
}

// touch records msg in its thread, creating the thread if needed and
// evicting the least recently used one past capacity.
func (c *Contextualizer) touch(lru *threadLRU, d Decision, msg chat.Message, now time.Time) *Thread {
	var th *Thread
	if el, ok := lru.byID[d.Thread]; ok {
		th = el.Value.(*Thread)
		lru.order.MoveToFront(el)
	} else {
		th = &Thread{
			ID:         d.Thread,
			Parent:     d.Parent,
			Topic:      d.Topic,
			Started:    now,
			messageIDs: make(map[int64]struct{}),
		}
		lru.byID[th.ID] = lru.order.PushFront(th)
		for lru.order.Len() > c.maxThreads {
			oldest := lru.order.Back()
			lru.order.Remove(oldest)
			delete(lru.byID, oldest.Value.(*Thread).ID)
		}
	}

	th.LastSeen = now
	if d.Topic != "" {
		th.Topic = d.Topic
	}
	th.Recent = append(th.Recent, msg.Content)
	if over := len(th.Recent) - c.contextLength; over > 0 {
		th.Recent = append([]string(nil), th.Recent[over:]...)
	}
	if msg.MessageID != 0 {
		th.messageIDs[msg.MessageID] = struct{}{}
	}
	return th
}

// owner returns the thread that holds a message ID.
func (l *threadLRU) owner(messageID int64) string {
	for el := l.order.Front(); el != nil; el = el.Next() {
		th := el.Value.(*Thread)
		if _, ok := th.messageIDs[messageID]; ok {
			return th.ID
		}
	}
	return ""
}

// concurrent reports whether a thread other than id was active within
// window of now.
func (l *threadLRU) concurrent(id string, now time.Time, window time.Duration) bool {
	for el := l.order.Front(); el != nil; el = el.Next() {
		th := el.Value.(*Thread)
		if th.ID != id && now.Sub(th.LastSeen) <= window {
			return true
		}
	}
	return false
}

// Threads returns copies of the chat's tracked threads, most recently
// active first.
func (c *Contextualizer) Threads(chatID int64) []Thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	lru := c.chats[chatID]
	if lru == nil {
		return nil
	}
	out := make([]Thread, 0, lru.order.Len())
	for el := lru.order.Front(); el != nil; el = el.Next() {
		th := *el.Value.(*Thread)
		th.Recent = append([]string(nil), th.Recent...)
		th.messageIDs = nil
		out = append(out, th)
	}
	return out
}

// analyze asks the model for the thread decision.
func (c *Contextualizer) analyze(ctx context.Context, t *pipeline.Turn) (Decision, bool) {
	text, err := c.llm.Complete(llm.WithPurpose(ctx, llm.PurposeObserver), c.system,
		[]llm.Message{{Role: string(chat.RoleUser), Content: t.Message.Content}}, c.temperature)
	if err != nil {
		c.logger.Warn("contextualizer call failed", "agent", c.name, "turn_id", t.ID, "error", err)
		return Decision{}, false
	}
	d, err := ParseContext(text)
	if err != nil {
		c.logger.Warn("contextualizer reply unusable", "agent", c.name, "turn_id", t.ID, "error", err)
		return Decision{}, false
	}
	return d, true
}

type contextDoc struct {
	Management struct {
		Message struct {
			Code   string `xml:"code,attr"`
			Thread string `xml:"thread,attr"`
		} `xml:"message"`
	} `xml:"management"`
	TopicContext struct {
		Current string `xml:"current"`
	} `xml:"topic_context"`
}

// ParseContext reads the <context> document an analyzer model returns:
//
//	<context>
//	  <management><message code="310" thread="pumps_3f2a"/></management>
//	  <topic_context><current>pumps</current></topic_context>
//	</context>
//
// Both the code and the thread are required.
func ParseContext(text string) (Decision, error) {
	start := strings.Index(text, "<context>")
	end := strings.Index(text, "</context>")
	if start < 0 || end < start {
		return Decision{}, errors.New("no <context> element")
	}

	var doc contextDoc
	if err := xml.Unmarshal([]byte(text[start:end+len("</context>")]), &doc); err != nil {
		return Decision{}, fmt.Errorf("parse context: %w", err)
	}
	m := doc.Management.Message
	if m.Code == "" {
		return Decision{}, errors.New("context has no management code")
	}
	if m.Thread == "" {
		return Decision{}, errors.New("context has no thread")
	}
	topic := strings.TrimSpace(doc.TopicContext.Current)
	if topic == "" {
		topic = "general"
	}
	return Decision{Code: m.Code, Thread: m.Thread, Topic: topic}, nil
}

func threadLabel(threadID int64) string {
	if threadID == 0 {
		return "main"
	}
	return fmt.Sprintf("topic%d", threadID)
}

// readMood reads valence and intensity from message text. Negative
// words outweigh positive ones.
func readMood(content string) (mood string, intense bool) {
	intense = intensityRe.MatchString(content)
	switch {
	case negativeRe.MatchString(content):
		return MoodNegative, intense
	case positiveRe.MatchString(content):
		return MoodPositive, intense
	}
	return MoodNeutral, intense
}
