// Package events is an in-process broadcast bus for turn lifecycle
// events. The operator API streams it over a websocket and the MQTT
// publisher counts from it. A nil *Bus accepts Publish and drops the
// event.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourcePipeline = "pipeline"
	SourceMomentum = "momentum"
	SourceTelegram = "telegram"
	SourceHealth   = "health"
)

// Kinds. Data keys are listed next to each.
const (
	// KindTurnStart: turn_id, chat_id, thread_id.
	KindTurnStart = "turn_start"
	// KindFiltered: chat_id, thread_id, reason.
	KindFiltered = "filtered"
	// KindVetoed: turn_id, chat_id, agent, code, reason.
	KindVetoed = "vetoed"
	// KindStopped: turn_id, chat_id, agent. An agent returned no result.
	KindStopped = "stopped"
	// KindReply: turn_id, chat_id, thread_id, reply_len, elapsed_ms.
	KindReply = "reply"
	// KindInitFailed: turn_id, chat_id.
	KindInitFailed = "init_failed"
	// KindRecovery: turn_id, chat_id, ok, error.
	KindRecovery = "recovery"

	// KindStageChange: chat_id, stage.
	KindStageChange = "stage_change"

	// KindMessageReceived: chat_id, thread_id, message_len.
	KindMessageReceived = "message_received"
	// KindMessageSent: chat_id, thread_id, message_id.
	KindMessageSent = "message_sent"

	// KindServiceUp: service.
	KindServiceUp = "service_up"
	// KindServiceDown: service, error.
	KindServiceDown = "service_down"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus fans events out to subscribers over buffered channels. A full
// subscriber misses events; publishers never block.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Publish delivers e to every subscriber with room for it. A zero
// Timestamp is set to now.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for Publish with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe registers a subscriber with a buffer of size buf. Calling
// the returned cancel func closes the channel; it may be called more
// than once.
func (b *Bus) Subscribe(buf int) (<-chan Event, func()) {
	ch := make(chan Event, buf)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
