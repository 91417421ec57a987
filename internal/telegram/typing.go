package telegram

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/botlab/internal/chat"
)

// DefaultTypingInterval refreshes the indicator before Telegram's
// five second display expires.
const DefaultTypingInterval = 4 * time.Second

// ChatActionSender is the part of [Client] the typing hook needs.
type ChatActionSender interface {
	SendChatAction(ctx context.Context, chatID, threadID int64, action string) error
}

// Typing returns a hook that shows "typing" in a message's chat until
// the returned func is called. It matches the pipeline's admission
// hook, so the indicator runs only for messages that passed the
// filters.
func Typing(s ChatActionSender, interval time.Duration, logger *slog.Logger) func(context.Context, chat.Message) func() {
	if interval <= 0 {
		interval = DefaultTypingInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, msg chat.Message) func() {
		ctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		send := func() {
			if err := s.SendChatAction(ctx, msg.ChatID, msg.ThreadID, "typing"); err != nil && ctx.Err() == nil {
				logger.Debug("typing indicator failed", "chat_id", msg.ChatID, "error", err)
			}
		}
		go func() {
			defer close(done)
			t := time.NewTicker(interval)
			defer t.Stop()
			send()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					send()
				}
			}
		}()
		return func() {
			cancel()
			<-done
		}
	}
}
