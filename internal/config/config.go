// Package config handles botlab process configuration loading.
//
// The process config (this package) is distinct from agent definitions:
// those are XML documents parsed by the agentdef package and referenced
// here by path.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -c) is checked first.
// Then: ./config.yaml, ~/.config/botlab/config.yaml, /etc/botlab/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "botlab", "config.yaml"))
	}

	paths = append(paths, "/etc/botlab/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all botlab configuration.
type Config struct {
	// AgentFile is the XML definition of the speaking agent.
	AgentFile string          `yaml:"agent_file"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"`
	Listen    ListenConfig    `yaml:"listen"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	History   HistoryConfig   `yaml:"history"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	MQTT      MQTTConfig      `yaml:"mqtt"`

	// Pricing maps model name to per-million-token cost, used by the
	// usage ledger. Missing models are recorded at zero cost.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// ListenConfig defines the operator API server settings. Port 0
// disables the server.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// TelegramConfig configures the Telegram Bot API transport.
type TelegramConfig struct {
	Token string `yaml:"token"`

	// Username is the bot's @handle without the leading @. When empty it
	// is learned from getMe at startup.
	Username string `yaml:"username"`

	// AllowedTopic restricts replies to one forum topic (by name). Empty
	// disables the topic gate.
	AllowedTopic string `yaml:"allowed_topic"`

	APIURL         string `yaml:"api_url"`
	PollTimeoutSec int    `yaml:"poll_timeout"`
	SendTimeoutSec int    `yaml:"send_timeout"`
}

// Configured reports whether a bot token is present.
func (c TelegramConfig) Configured() bool {
	return c.Token != ""
}

// PollTimeout returns the long-poll duration.
func (c TelegramConfig) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutSec) * time.Second
}

// SendTimeout bounds one reply delivery.
func (c TelegramConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSec) * time.Second
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
	APIURL string `yaml:"api_url"`
}

// OllamaConfig points at a local Ollama server.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// HistoryConfig bounds the history view sent to the LLM.
type HistoryConfig struct {
	// Window is the number of most recent messages per thread included
	// in the XML view. Zero means unbounded.
	Window int `yaml:"window"`
}

// PipelineConfig lists the pipeline agents run before the speaker.
type PipelineConfig struct {
	// BypassOnMention skips pipeline agents when the message directly
	// @-mentions the bot.
	BypassOnMention bool          `yaml:"bypass_on_mention"`
	Agents          []AgentConfig `yaml:"agents"`
}

// AgentConfig is one pipeline agent entry.
type AgentConfig struct {
	// Kind is "inhibitor" or "contextualizer".
	Kind string `yaml:"kind"`

	// AgentFile is the agent's own XML definition. Required for the
	// inhibitor.
	AgentFile string `yaml:"agent_file"`

	// SpeakerPrompt replaces [SPEAKER_PROMPT] in the inhibitor's system
	// prompt. When empty the speaker's init system message is used.
	SpeakerPrompt string `yaml:"speaker_prompt"`
}

// MQTTConfig configures the status sensor publisher. An empty Broker
// disables MQTT.
type MQTTConfig struct {
	Broker             string `yaml:"broker"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval"`
}

// Configured reports whether a broker URL is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// PricingEntry is the cost of a model in USD per million tokens.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Load reads configuration from a YAML file, expanding ${VAR}
// references from the environment before parsing, then applies
// defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.ApplyDefaults()

	// Relative agent files resolve against the config file's directory.
	base := filepath.Dir(path)
	cfg.AgentFile = resolvePath(base, cfg.AgentFile)
	for i := range cfg.Pipeline.Agents {
		cfg.Pipeline.Agents[i].AgentFile = resolvePath(base, cfg.Pipeline.Agents[i].AgentFile)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return filepath.Join(base, p)
}

// ApplyDefaults fills zero values with their defaults.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Telegram.APIURL == "" {
		c.Telegram.APIURL = "https://api.telegram.org"
	}
	if c.Telegram.PollTimeoutSec <= 0 {
		c.Telegram.PollTimeoutSec = 30
	}
	if c.Telegram.SendTimeoutSec <= 0 {
		c.Telegram.SendTimeoutSec = 15
	}
	c.Telegram.Username = strings.TrimPrefix(c.Telegram.Username, "@")
	if c.Anthropic.APIURL == "" {
		c.Anthropic.APIURL = "https://api.anthropic.com"
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "botlab"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = 60
	}
}

// Validate checks cross-field constraints. It does not touch the
// filesystem.
func (c *Config) Validate() error {
	var errs []error
	if c.AgentFile == "" {
		errs = append(errs, errors.New("agent_file is required"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.History.Window < 0 {
		errs = append(errs, fmt.Errorf("history.window must be >= 0, got %d", c.History.Window))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port out of range: %d", c.Listen.Port))
	}
	for i, a := range c.Pipeline.Agents {
		switch a.Kind {
		case "inhibitor":
			if a.AgentFile == "" {
				errs = append(errs, fmt.Errorf("pipeline.agents[%d]: inhibitor requires agent_file", i))
			}
		case "contextualizer":
		default:
			errs = append(errs, fmt.Errorf("pipeline.agents[%d]: unknown kind %q", i, a.Kind))
		}
	}
	return errors.Join(errs...)
}
