package telegram

import (
	"fmt"
	"strings"
)

// Update is one entry from getUpdates.
type Update struct {
	UpdateID      int64    `json:"update_id"`
	Message       *Message `json:"message,omitempty"`
	EditedMessage *Message `json:"edited_message,omitempty"`
}

// Message is the subset of the Bot API message object the bridge uses.
type Message struct {
	MessageID       int64    `json:"message_id"`
	MessageThreadID int64    `json:"message_thread_id,omitempty"`
	IsTopicMessage  bool     `json:"is_topic_message,omitempty"`
	Date            int64    `json:"date"`
	Chat            Chat     `json:"chat"`
	From            *User    `json:"from,omitempty"`
	ReplyTo         *Message `json:"reply_to_message,omitempty"`
	Text            string   `json:"text,omitempty"`
	Caption         string   `json:"caption,omitempty"`

	ForumTopicCreated *ForumTopic `json:"forum_topic_created,omitempty"`
	ForumTopicEdited  *ForumTopic `json:"forum_topic_edited,omitempty"`
}

// Body returns the text or, for media, the caption.
func (m *Message) Body() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

// Chat is a conversation.
type Chat struct {
	ID      int64  `json:"id"`
	Type    string `json:"type,omitempty"` // private, group, supergroup, channel
	Title   string `json:"title,omitempty"`
	IsForum bool   `json:"is_forum,omitempty"`
}

// User is a Telegram account.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// DisplayName prefers the username, then the full name.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.Username != "" {
		return u.Username
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// ForumTopic carries a topic name from a service message.
type ForumTopic struct {
	Name string `json:"name"`
}

// SendParams are the sendMessage arguments.
type SendParams struct {
	ChatID           int64  `json:"chat_id"`
	ThreadID         int64  `json:"message_thread_id,omitempty"`
	Text             string `json:"text"`
	ParseMode        string `json:"parse_mode,omitempty"`
	ReplyToMessageID int64  `json:"reply_to_message_id,omitempty"`
	DisablePreview   bool   `json:"disable_web_page_preview,omitempty"`
}

type chatActionParams struct {
	ChatID   int64  `json:"chat_id"`
	ThreadID int64  `json:"message_thread_id,omitempty"`
	Action   string `json:"action"`
}

type response[T any] struct {
	OK          bool   `json:"ok"`
	Result      T      `json:"result"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// APIError is a Bot API call that returned ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}
