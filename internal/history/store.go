// Package history keeps per-chat, per-thread conversation logs in memory
// and renders them as the XML document handed to the LLM.
package history

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/nugget/botlab/internal/chat"
)

// Ref points at a message stored in a thread so its platform message ID
// can be filled in after delivery. A Ref goes stale when its thread is
// cleared.
type Ref struct {
	Key   chat.Key
	index int
	epoch uint64
}

type thread struct {
	msgs  []chat.Message
	epoch uint64
}

// Store is an in-memory conversation history. It is safe for
// concurrent use. Threads are append-only; the only mutation of a
// stored message is [Store.SetMessageID].
type Store struct {
	mu      sync.RWMutex
	threads map[chat.Key]*thread
	gen     uint64 // bumped on every clear; new threads start at gen
	window  int
	logger  *slog.Logger
}

// NewStore creates an empty store. window bounds how many of the most
// recent messages per thread appear in the XML view; zero means all.
func NewStore(window int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if window < 0 {
		window = 0
	}
	return &Store{
		threads: make(map[chat.Key]*thread),
		window:  window,
		logger:  logger,
	}
}

// Add appends msg to its (chat, thread) log and returns a reference to it.
func (s *Store) Add(msg chat.Message) Ref {
	key := msg.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.threads[key]
	if !ok {
		th = &thread{epoch: s.gen}
		s.threads[key] = th
		s.logger.Debug("history thread created", "chat_id", key.ChatID, "thread_id", key.ThreadID)
	}
	th.msgs = append(th.msgs, msg)

	return Ref{Key: key, index: len(th.msgs) - 1, epoch: th.epoch}
}

// SetMessageID assigns the platform message ID to a stored message. It
// returns false if the reference is stale.
func (s *Store) SetMessageID(ref Ref, id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.threads[ref.Key]
	if !ok || th.epoch != ref.epoch || ref.index >= len(th.msgs) {
		return false
	}
	th.msgs[ref.index].MessageID = id
	return true
}

// Messages returns a copy of a thread's messages in append order.
func (s *Store) Messages(chatID, threadID int64) []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	th, ok := s.threads[chat.Key{ChatID: chatID, ThreadID: threadID}]
	if !ok {
		return nil
	}
	out := make([]chat.Message, len(th.msgs))
	copy(out, th.msgs)
	return out
}

// Len returns the number of messages in a thread.
func (s *Store) Len(chatID, threadID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if th, ok := s.threads[chat.Key{ChatID: chatID, ThreadID: threadID}]; ok {
		return len(th.msgs)
	}
	return 0
}

// ThreadXML renders a thread as an XML document, limited to the
// configured window. A missing chat or thread yields an empty document.
func (s *Store) ThreadXML(chatID, threadID int64) string {
	msgs := s.Messages(chatID, threadID)
	if s.window > 0 && len(msgs) > s.window {
		msgs = msgs[len(msgs)-s.window:]
	}
	return RenderXML(msgs)
}

// Clear empties every thread of a chat.
func (s *Store) Clear(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	for key := range s.threads {
		if key.ChatID == chatID {
			delete(s.threads, key)
		}
	}
	s.logger.Info("history cleared", "chat_id", chatID)
}

// ClearThread empties one thread. The thread's key is kept so it
// continues to show up in [Store.Threads] with zero messages.
func (s *Store) ClearThread(chatID, threadID int64) {
	key := chat.Key{ChatID: chatID, ThreadID: threadID}

	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.threads[key]
	if !ok {
		th = &thread{}
		s.threads[key] = th
	}
	th.msgs = nil
	s.gen++
	th.epoch = s.gen
	s.logger.Info("history thread cleared", "chat_id", chatID, "thread_id", threadID)
}

// Threads returns the known thread keys of a chat, sorted by thread ID.
func (s *Store) Threads(chatID int64) []chat.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []chat.Key
	for key := range s.threads {
		if key.ChatID == chatID {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ThreadID < keys[j].ThreadID })
	return keys
}

// ThreadCount returns the number of known threads across all chats.
func (s *Store) ThreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.threads)
}
