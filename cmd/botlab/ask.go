package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nugget/botlab/internal/chat"
	"github.com/nugget/botlab/internal/config"
)

// askChatID is the synthetic chat a one-shot question runs in.
const askChatID int64 = -1

// runAsk runs one message through the pipeline with no transport, no
// admission filters and in-memory state, and prints the reply. Logs go
// to stderr so stdout carries only the answer.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, level, cfg.LogFormat)

	c, err := newCore(cfg, logger, nil)
	if err != nil {
		return err
	}
	orch := c.newPipeline(nil, cfg.Telegram.Username, nil)

	reply := orch.Process(ctx, chat.Message{
		Role:      chat.RoleUser,
		Content:   strings.Join(args, " "),
		Agent:     "cli",
		ChatID:    askChatID,
		MessageID: 1,
		Timestamp: time.Now(),
	})
	if reply == nil {
		fmt.Fprintln(stdout, "(no reply)")
		return nil
	}
	fmt.Fprintln(stdout, reply.Text)
	return nil
}
