package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/botlab/internal/agentdef"
	"github.com/nugget/botlab/internal/agents"
	"github.com/nugget/botlab/internal/chat"
	"github.com/nugget/botlab/internal/config"
	"github.com/nugget/botlab/internal/events"
	"github.com/nugget/botlab/internal/filter"
	"github.com/nugget/botlab/internal/history"
	"github.com/nugget/botlab/internal/llm"
	"github.com/nugget/botlab/internal/momentum"
	"github.com/nugget/botlab/internal/pipeline"
	"github.com/nugget/botlab/internal/timing"
)

// core is the transport-independent part of the process: the speaking
// agent, its LLM callers, the conversation state and the pipeline
// agents. serve and ask both build one.
type core struct {
	cfg    *config.Config
	logger *slog.Logger
	bus    *events.Bus

	llm       *llm.MultiClient
	anthropic *llm.AnthropicClient
	callers   []*llm.Caller

	speaker  *agentdef.Config
	caller   *llm.Caller
	history  *history.Store
	momentum *momentum.Manager
	timer    *timing.Timer
	agents   []pipeline.Agent
}

// newCore loads the agent definitions named by cfg and wires the
// conversation state around them. bus may be nil.
func newCore(cfg *config.Config, logger *slog.Logger, bus *events.Bus) (*core, error) {
	c := &core{cfg: cfg, logger: logger, bus: bus}

	speaker, err := loadAgent(cfg.AgentFile, logger)
	if err != nil {
		return nil, err
	}
	c.speaker = speaker

	if err := c.initLLM(); err != nil {
		return nil, err
	}
	if c.anthropic != nil && speaker.Service.APIVersion != "" {
		c.anthropic.SetAPIVersion(speaker.Service.APIVersion)
	}

	c.caller = c.newCaller(speaker)
	c.history = history.NewStore(cfg.History.Window, logger)
	// Telegram dates have second resolution.
	c.timer = timing.NewTimer(speaker.ResponseInterval, speaker.ResponseIntervalUnit,
		timing.WithLogger(logger),
		timing.WithStartTime(time.Now().Truncate(time.Second)),
	)

	c.momentum = momentum.NewManager(speaker, c.caller, logger)
	c.momentum.OnStageChange(func(chatID int64, from, to momentum.Stage) {
		bus.Emit(events.SourceMomentum, events.KindStageChange, map[string]any{
			"chat_id": chatID,
			"from":    from.String(),
			"stage":   to.String(),
		})
	})

	if err := c.buildAgents(); err != nil {
		return nil, err
	}

	logger.Info("agent loaded",
		"name", speaker.Name,
		"version", speaker.Version,
		"sequences", len(speaker.Sequences),
		"provider", speaker.Service.Provider,
		"model", speaker.Service.Model,
		"pipeline_agents", len(c.agents),
	)
	return c, nil
}

func loadAgent(path string, logger *slog.Logger) (*agentdef.Config, error) {
	def, err := agentdef.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", path, err)
	}
	for _, r := range def.Rejected {
		logger.Warn("agent sequence rejected", "agent", def.Name, "sequence", r.SequenceID, "reason", r.Reason)
	}
	if len(def.Sequences) == 0 {
		return nil, fmt.Errorf("agent %s: no usable sequences", path)
	}
	return def, nil
}

// initLLM registers a client for every configured provider. The first
// one registered handles models no definition names.
func (c *core) initLLM() error {
	c.llm = llm.NewMultiClient(nil)
	providers := 0
	if c.cfg.Anthropic.APIKey != "" {
		c.anthropic = llm.NewAnthropicClient(c.cfg.Anthropic.APIKey, c.cfg.Anthropic.APIURL, c.logger)
		c.llm.AddProvider("anthropic", c.anthropic)
		providers++
	}
	if c.cfg.Ollama.URL != "" {
		c.llm.AddProvider("ollama", llm.NewOllamaClient(c.cfg.Ollama.URL, c.logger))
		providers++
	}
	if providers == 0 {
		return errors.New("no LLM provider configured (set anthropic.api_key or ollama.url)")
	}
	return nil
}

// newCaller binds an agent definition's service to the shared client.
func (c *core) newCaller(def *agentdef.Config) *llm.Caller {
	if def.Service.Provider != "" && def.Service.Model != "" {
		c.llm.AddModel(def.Service.Model, def.Service.Provider)
	}
	caller := llm.NewCaller(c.llm, def.Service.Provider, def.Service.Model, llm.WithCallerLogger(c.logger))
	c.callers = append(c.callers, caller)
	return caller
}

// observe attaches a usage observer to every caller.
func (c *core) observe(o llm.UsageObserver) {
	for _, caller := range c.callers {
		caller.Observe(o)
	}
}

func (c *core) buildAgents() error {
	for i, ac := range c.cfg.Pipeline.Agents {
		switch ac.Kind {
		case "inhibitor":
			def, err := loadAgent(ac.AgentFile, c.logger)
			if err != nil {
				return fmt.Errorf("pipeline.agents[%d]: %w", i, err)
			}
			prompt := ac.SpeakerPrompt
			if prompt == "" {
				if seq, ok := c.speaker.FindSequence("init", "initialization"); ok {
					prompt = seq.SystemMessage()
				}
			}
			inh, err := agents.NewInhibitor(def, c.newCaller(def), prompt, c.logger)
			if err != nil {
				return fmt.Errorf("pipeline.agents[%d]: %w", i, err)
			}
			c.agents = append(c.agents, inh)

		case "contextualizer":
			opts := []agents.ContextualizerOption{agents.WithContextualizerLogger(c.logger)}
			if ac.AgentFile != "" {
				def, err := loadAgent(ac.AgentFile, c.logger)
				if err != nil {
					return fmt.Errorf("pipeline.agents[%d]: %w", i, err)
				}
				opts = append(opts, agents.WithAnalyzer(def, c.newCaller(def)))
			}
			c.agents = append(c.agents, agents.NewContextualizer(opts...))

		default:
			return fmt.Errorf("pipeline.agents[%d]: unknown kind %q", i, ac.Kind)
		}
	}
	return nil
}

// newPipeline builds the orchestrator. filters and onAdmit may be nil.
func (c *core) newPipeline(filters pipeline.Admission, username string, onAdmit func(context.Context, chat.Message) func()) *pipeline.Orchestrator {
	return pipeline.New(pipeline.Config{
		AgentName:       c.speaker.Name,
		Username:        username,
		BypassOnMention: c.cfg.Pipeline.BypassOnMention,
	}, pipeline.Deps{
		Filters:  filters,
		History:  c.history,
		Momentum: c.momentum,
		Timer:    c.timer,
		Agents:   c.agents,
		Bus:      c.bus,
		Logger:   c.logger,
		OnAdmit:  onAdmit,
	})
}

// admission builds the filter chain: a mention or the allowed topic
// opens the gate, then the response timer must allow a reply. Either
// access path is skipped when unset; with neither, every message is
// eligible.
func admission(username, topic string, timer *timing.Timer, logger *slog.Logger) *filter.Chain {
	chain := filter.NewChain(logger)

	var access []filter.Filter
	if username != "" {
		access = append(access, filter.NewMention(username))
	}
	if topic != "" {
		access = append(access, filter.NewTopic(topic))
	}
	if len(access) > 0 {
		chain.Add(filter.NewSet(access...))
	}
	if timer != nil {
		chain.Add(filter.NewRateLimit(timer))
	}
	return chain
}
