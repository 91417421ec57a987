package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/botlab/internal/api"
	"github.com/nugget/botlab/internal/buildinfo"
	"github.com/nugget/botlab/internal/config"
	"github.com/nugget/botlab/internal/connwatch"
	"github.com/nugget/botlab/internal/events"
	"github.com/nugget/botlab/internal/mqtt"
	"github.com/nugget/botlab/internal/opstate"
	"github.com/nugget/botlab/internal/telegram"
	"github.com/nugget/botlab/internal/usage"
)

// runServe runs the Telegram bridge, the operator API and the MQTT
// publisher until ctx is cancelled or a signal arrives. The first
// component to fail stops the others.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, level, cfg.LogFormat)
	logger.Info("starting botlab", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "config", cfgPath)

	if !cfg.Telegram.Configured() {
		return errors.New("telegram.token is required to serve")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	state, err := opstate.Open(filepath.Join(cfg.DataDir, "state.db"))
	if err != nil {
		return err
	}
	defer state.Close()
	ledger, err := usage.Open(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return err
	}
	defer ledger.Close()

	bus := events.New()
	c, err := newCore(cfg, logger, bus)
	if err != nil {
		return err
	}

	counters := mqtt.NewCounters(time.Local)
	c.observe(usage.NewRecorder(ledger, cfg.Pricing, logger))
	c.observe(counters)

	tg := telegram.NewClient(cfg.Telegram.APIURL, cfg.Telegram.Token, nil, logger)
	username := cfg.Telegram.Username
	if username == "" {
		meCtx, meCancel := context.WithTimeout(ctx, 30*time.Second)
		me, err := tg.GetMe(meCtx)
		meCancel()
		if err != nil {
			return fmt.Errorf("identify bot: %w", err)
		}
		username = me.Username
	}
	logger.Info("telegram bot identified", "username", username, "allowed_topic", cfg.Telegram.AllowedTopic)

	orch := c.newPipeline(
		admission(username, cfg.Telegram.AllowedTopic, c.timer, logger),
		username,
		telegram.Typing(tg, telegram.DefaultTypingInterval, logger),
	)

	health := connwatch.NewManager(func(name string, ready bool, err error) {
		if ready {
			bus.Emit(events.SourceHealth, events.KindServiceUp, map[string]any{"service": name})
			return
		}
		data := map[string]any{"service": name}
		if err != nil {
			data["error"] = err.Error()
		}
		bus.Emit(events.SourceHealth, events.KindServiceDown, data)
	}, logger)
	defer health.Stop()
	health.Watch(ctx, "llm", c.llm.Ping, connwatch.DefaultBackoff())
	health.Watch(ctx, "telegram", tg.Ping, connwatch.DefaultBackoff())

	bridge := telegram.NewBridge(telegram.BridgeConfig{
		Client:      tg,
		Processor:   orch,
		History:     c.history,
		Momentum:    c.momentum,
		State:       state,
		Bus:         bus,
		Logger:      logger,
		PollTimeout: cfg.Telegram.PollTimeout(),
		SendTimeout: cfg.Telegram.SendTimeout(),
	})

	// Everything that can fail is built before the first g.Go.
	pub, err := c.newPublisher(ctx, state, counters)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bridge.Run(gctx) })
	g.Go(func() error {
		counters.Follow(gctx, bus)
		return nil
	})

	if cfg.Listen.Port > 0 {
		server := api.NewServer(api.Config{
			Address:   cfg.Listen.Address,
			Port:      cfg.Listen.Port,
			History:   c.history,
			Momentum:  c.momentum,
			Processor: orch,
			Usage:     ledger,
			Health:    health,
			Bus:       bus,
			Logger:    logger,
		})
		g.Go(func() error { return server.Run(gctx) })
	}

	if pub != nil {
		g.Go(func() error { return pub.Run(gctx) })
	}

	err = g.Wait()
	if err != nil {
		logger.Error("botlab stopped", "error", err)
		return err
	}
	logger.Info("botlab stopped")
	return nil
}

// newPublisher builds the MQTT publisher, or returns nil when no broker
// is configured.
func (c *core) newPublisher(ctx context.Context, kv mqtt.KV, counters *mqtt.Counters) (*mqtt.Publisher, error) {
	if !c.cfg.MQTT.Configured() {
		return nil, nil
	}
	id, err := mqtt.InstanceID(ctx, kv)
	if err != nil {
		return nil, err
	}
	return mqtt.New(c.cfg.MQTT, id, c.speaker.Name, counters, coreStats{c}, c.momentum, c.logger), nil
}

// coreStats feeds the MQTT sensors that are read from live state.
type coreStats struct {
	c *core
}

func (s coreStats) Model() string { return s.c.caller.Model() }

func (s coreStats) ActiveChats() int { return len(s.c.momentum.Snapshot()) }
