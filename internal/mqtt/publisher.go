package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/botlab/internal/buildinfo"
	"github.com/nugget/botlab/internal/config"
)

// Stats supplies the sensor values that do not come from [Counters].
type Stats interface {
	// Model is the response model name.
	Model() string
	// ActiveChats is the number of chats with momentum.
	ActiveChats() int
}

// Resetter resets a chat's momentum; the command topic drives it.
type Resetter interface {
	Reset(chatID int64)
}

// Publisher owns the broker connection, publishes discovery payloads
// on (re-)connect and pushes sensor states on a fixed interval.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	counters   *Counters
	stats      Stats
	resetter   Resetter
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher without connecting; call [Publisher.Run].
// resetter may be nil, in which case no command topic is subscribed.
func New(cfg config.MQTTConfig, instanceID, agent string, counters *Counters, stats Stats, resetter Resetter, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName, agent),
		counters:   counters,
		stats:      stats,
		resetter:   resetter,
		logger:     logger,
	}
}

// Run connects and publishes states until ctx is cancelled, then marks
// the device offline and disconnects.
func (p *Publisher) Run(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
			p.subscribeCommands(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "botlab-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					return p.handleCommand(pr.Packet.Topic, pr.Packet.Payload), nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	connCancel()

	p.runLoop(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.publishAvailability(stopCtx, cm, "offline")
	if err := cm.Disconnect(stopCtx); err != nil {
		p.logger.Debug("mqtt disconnect", "error", err)
	}
	<-cm.Done()
	return nil
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

func (p *Publisher) baseTopic() string {
	return "botlab/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) commandTopic(command string) string {
	return p.baseTopic() + "/command/" + command
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

type sensorDef struct {
	entity string
	config SensorConfig
}

func (p *Publisher) sensor(entity, name, icon string, opts ...func(*SensorConfig)) sensorDef {
	c := SensorConfig{
		Name:              name,
		ObjectID:          entity,
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + entity,
		StateTopic:        p.stateTopic(entity),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              icon,
	}
	for _, o := range opts {
		o(&c)
	}
	return sensorDef{entity: entity, config: c}
}

func counter(unit string) func(*SensorConfig) {
	return func(c *SensorConfig) {
		c.StateClass = "total_increasing"
		c.UnitOfMeasurement = unit
	}
}

func diagnostic(c *SensorConfig) { c.EntityCategory = "diagnostic" }

func (p *Publisher) sensorDefinitions() []sensorDef {
	return []sensorDef{
		p.sensor("turns_today", "Turns Today", "mdi:chat-processing", counter("turns")),
		p.sensor("vetoes_today", "Vetoes Today", "mdi:chat-remove", counter("vetoes")),
		p.sensor("tokens_today", "Tokens Today", "mdi:counter", counter("tokens")),
		p.sensor("active_chats", "Active Chats", "mdi:forum", func(c *SensorConfig) { c.StateClass = "measurement" }),
		p.sensor("last_turn", "Last Turn", "mdi:clock-check", func(c *SensorConfig) { c.DeviceClass = "timestamp" }),
		p.sensor("model", "Model", "mdi:brain", diagnostic),
		p.sensor("version", "Version", "mdi:tag", diagnostic),
		p.sensor("uptime", "Uptime", "mdi:clock-outline", diagnostic),
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entity)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", s.entity, "error", err)
			continue
		}
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", s.entity, "topic", topic, "error", err)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

func (p *Publisher) subscribeCommands(ctx context.Context, cm *autopaho.ConnectionManager) {
	if p.resetter == nil {
		return
	}
	topic := p.commandTopic("reset")
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt command subscribe failed", "topic", topic, "error", err)
	}
}

// handleCommand applies a command message and reports whether the
// topic was one of ours. The reset payload is a chat ID.
func (p *Publisher) handleCommand(topic string, payload []byte) bool {
	if topic != p.commandTopic("reset") || p.resetter == nil {
		return false
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(string(payload)), 10, 64)
	if err != nil {
		p.logger.Warn("mqtt reset command ignored", "payload", string(payload), "error", err)
		return true
	}
	p.resetter.Reset(chatID)
	p.logger.Info("momentum reset via mqtt", "chat_id", chatID)
	return true
}

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

// states renders every sensor's current value.
func (p *Publisher) states() map[string]string {
	t := p.counters.Snapshot()
	s := map[string]string{
		"turns_today":  strconv.FormatInt(t.Turns, 10),
		"vetoes_today": strconv.FormatInt(t.Vetoes, 10),
		"tokens_today": strconv.FormatInt(t.InputTokens+t.OutputTokens, 10),
		"last_turn":    "unknown",
		"version":      buildinfo.Version,
		"uptime":       buildinfo.Uptime().String(),
	}
	if !t.LastTurn.IsZero() {
		s["last_turn"] = t.LastTurn.Format(time.RFC3339)
	}
	if p.stats != nil {
		s["model"] = p.stats.Model()
		s["active_chats"] = strconv.Itoa(p.stats.ActiveChats())
	}
	return s
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}
	states := p.states()
	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
	p.logger.Debug("mqtt sensor states published", "entities", len(states))
}
