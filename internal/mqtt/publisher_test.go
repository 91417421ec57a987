package mqtt

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nugget/botlab/internal/config"
	"github.com/nugget/botlab/internal/events"
	"github.com/nugget/botlab/internal/llm"
)

type mapKV map[string]string

func (m mapKV) Get(_ context.Context, ns, key string) (string, bool, error) {
	v, ok := m[ns+"/"+key]
	return v, ok, nil
}

func (m mapKV) Set(_ context.Context, ns, key, value string) error {
	m[ns+"/"+key] = value
	return nil
}

func TestInstanceID(t *testing.T) {
	kv := mapKV{}
	ctx := context.Background()

	first, err := InstanceID(ctx, kv)
	if err != nil {
		t.Fatalf("InstanceID: %v", err)
	}
	if len(strings.Split(first, "-")) != 5 {
		t.Errorf("id %q is not a UUID", first)
	}
	if kv["mqtt/instance_id"] != first {
		t.Errorf("stored id = %q, want %q", kv["mqtt/instance_id"], first)
	}

	second, err := InstanceID(ctx, kv)
	if err != nil {
		t.Fatalf("second InstanceID: %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want stable %q", second, first)
	}
}

func TestCounters(t *testing.T) {
	c := NewCounters(time.UTC)
	at := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	c.now = func() time.Time { return at }
	c.day = c.today()

	c.Observe(events.Event{Kind: events.KindTurnStart, Timestamp: at})
	c.Observe(events.Event{Kind: events.KindTurnStart, Timestamp: at})
	c.Observe(events.Event{Kind: events.KindVetoed})
	c.Observe(events.Event{Kind: events.KindReply})
	c.ObserveUsage(context.Background(), llm.Usage{InputTokens: 100, OutputTokens: 20})

	want := Totals{Turns: 2, Vetoes: 1, InputTokens: 100, OutputTokens: 20, LastTurn: at}
	if diff := cmp.Diff(want, c.Snapshot()); diff != "" {
		t.Errorf("totals mismatch (-want +got):\n%s", diff)
	}

	at = at.Add(2 * time.Minute)
	want = Totals{LastTurn: want.LastTurn}
	if diff := cmp.Diff(want, c.Snapshot()); diff != "" {
		t.Errorf("after midnight (-want +got):\n%s", diff)
	}
}

func TestCounters_Concurrent(t *testing.T) {
	c := NewCounters(time.UTC)
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.ObserveUsage(context.Background(), llm.Usage{InputTokens: 10, OutputTokens: 20})
			c.Observe(events.Event{Kind: events.KindTurnStart, Timestamp: time.Now()})
		}()
	}
	wg.Wait()

	got := c.Snapshot()
	if got.Turns != 100 || got.InputTokens != 1000 || got.OutputTokens != 2000 {
		t.Errorf("totals = %+v", got)
	}
}

func TestCounters_Follow(t *testing.T) {
	bus := events.New()
	c := NewCounters(time.UTC)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Follow(ctx, bus)
	}()

	for bus.SubscriberCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	bus.Emit(events.SourcePipeline, events.KindVetoed, nil)

	deadline := time.Now().Add(5 * time.Second)
	for c.Snapshot().Vetoes != 1 {
		if time.Now().After(deadline) {
			t.Fatal("veto never counted")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
}

type fakeStats struct{}

func (fakeStats) Model() string    { return "claude-sonnet" }
func (fakeStats) ActiveChats() int { return 2 }

type resets struct{ chats []int64 }

func (r *resets) Reset(chatID int64) { r.chats = append(r.chats, chatID) }

func testPublisher(r Resetter) *Publisher {
	cfg := config.MQTTConfig{
		Broker:          "mqtt://localhost:1883",
		DeviceName:      "lab",
		DiscoveryPrefix: "homeassistant",
	}
	return New(cfg, "inst-1", "labbot", NewCounters(time.UTC), fakeStats{}, r, nil)
}

func TestPublisher_Topics(t *testing.T) {
	p := testPublisher(nil)
	tests := []struct {
		got, want string
	}{
		{p.baseTopic(), "botlab/lab"},
		{p.availabilityTopic(), "botlab/lab/availability"},
		{p.stateTopic("turns_today"), "botlab/lab/turns_today/state"},
		{p.commandTopic("reset"), "botlab/lab/command/reset"},
		{p.discoveryTopic("sensor", "uptime"), "homeassistant/sensor/lab/uptime/config"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestPublisher_SensorDefinitions(t *testing.T) {
	p := testPublisher(nil)
	defs := p.sensorDefinitions()

	var entities []string
	for _, d := range defs {
		entities = append(entities, d.entity)
		if d.config.ObjectID != d.entity || !d.config.HasEntityName {
			t.Errorf("%s: object_id %q has_entity_name %v", d.entity, d.config.ObjectID, d.config.HasEntityName)
		}
		if d.config.UniqueID != "inst-1_"+d.entity {
			t.Errorf("%s: unique_id = %q", d.entity, d.config.UniqueID)
		}
		if d.config.AvailabilityTopic != "botlab/lab/availability" {
			t.Errorf("%s: availability = %q", d.entity, d.config.AvailabilityTopic)
		}
		if d.config.Device.Model != "botlab (labbot)" {
			t.Errorf("%s: device model = %q", d.entity, d.config.Device.Model)
		}
	}

	want := []string{"turns_today", "vetoes_today", "tokens_today", "active_chats", "last_turn", "model", "version", "uptime"}
	if diff := cmp.Diff(want, entities); diff != "" {
		t.Errorf("entities mismatch (-want +got):\n%s", diff)
	}

	// Every sensor has a state.
	states := p.states()
	for _, e := range want {
		if _, ok := states[e]; !ok {
			t.Errorf("no state for %s", e)
		}
	}
}

func TestPublisher_States(t *testing.T) {
	p := testPublisher(nil)
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	p.counters.Observe(events.Event{Kind: events.KindTurnStart, Timestamp: at})
	p.counters.ObserveUsage(context.Background(), llm.Usage{InputTokens: 40, OutputTokens: 2})

	s := p.states()
	checks := map[string]string{
		"turns_today":  "1",
		"vetoes_today": "0",
		"tokens_today": "42",
		"last_turn":    "2026-03-01T09:30:00Z",
		"model":        "claude-sonnet",
		"active_chats": "2",
	}
	for k, want := range checks {
		if s[k] != want {
			t.Errorf("%s = %q, want %q", k, s[k], want)
		}
	}
}

func TestPublisher_HandleCommand(t *testing.T) {
	r := &resets{}
	p := testPublisher(r)

	if !p.handleCommand("botlab/lab/command/reset", []byte(" -100\n")) {
		t.Error("reset topic not handled")
	}
	if !p.handleCommand("botlab/lab/command/reset", []byte("bogus")) {
		t.Error("malformed reset not consumed")
	}
	if p.handleCommand("botlab/other/command/reset", []byte("1")) {
		t.Error("foreign topic handled")
	}
	if diff := cmp.Diff([]int64{-100}, r.chats); diff != "" {
		t.Errorf("resets mismatch (-want +got):\n%s", diff)
	}

	if testPublisher(nil).handleCommand("botlab/lab/command/reset", []byte("1")) {
		t.Error("command handled without a resetter")
	}
}
