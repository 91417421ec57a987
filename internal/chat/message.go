// Package chat defines the canonical conversation message shared by the
// history store, the admission filters, and the turn pipeline.
package chat

import (
	"fmt"
	"time"
)

// Role is the speaker role of a message.
type Role string

// Message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Key identifies one conversation thread. ThreadID 0 is the chat's
// default (non-topic) context.
type Key struct {
	ChatID   int64
	ThreadID int64
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.ChatID, k.ThreadID)
}

// Message is one entry in a conversation. Zero values mean "absent" for
// the optional identifiers.
type Message struct {
	Role    Role
	Content string

	// Agent is the sender: a username for user messages, the agent name
	// for assistant messages.
	Agent string

	ChatID    int64
	ThreadID  int64
	MessageID int64

	ReplyToThreadID  int64
	ReplyToMessageID int64

	// Topic is the forum topic name the message was posted in, if known.
	Topic string

	Timestamp time.Time
}

// Key returns the thread key the message belongs to.
func (m Message) Key() Key {
	return Key{ChatID: m.ChatID, ThreadID: m.ThreadID}
}

// IsReply reports whether the message replies to another message.
func (m Message) IsReply() bool {
	return m.ReplyToMessageID != 0
}
