package events

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourcePipeline, Kind: KindTurnStart})
	b.Emit(SourcePipeline, KindReply, nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestPublish(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(4)
	defer cancel()

	b.Emit(SourcePipeline, KindVetoed, map[string]any{"code": "403"})

	select {
	case got := <-ch:
		if got.Kind != KindVetoed || got.Data["code"] != "403" {
			t.Errorf("got %+v", got)
		}
		if got.Timestamp.IsZero() {
			t.Error("timestamp not set")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishKeepsTimestamp(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(1)
	defer cancel()

	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	b.Publish(Event{Timestamp: ts, Kind: KindReply})
	if got := <-ch; !got.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, ts)
	}
}

func TestFanOut(t *testing.T) {
	b := New()
	const n = 4
	var chans []<-chan Event
	for range n {
		ch, cancel := b.Subscribe(2)
		defer cancel()
		chans = append(chans, ch)
	}

	b.Emit(SourceTelegram, KindMessageReceived, nil)
	for i, ch := range chans {
		select {
		case got := <-ch:
			if got.Source != SourceTelegram {
				t.Errorf("subscriber %d: source = %q", i, got.Source)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestFullSubscriberDrops(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.Emit(SourcePipeline, KindTurnStart, nil)
	b.Emit(SourcePipeline, KindReply, nil)

	if got := <-ch; got.Kind != KindTurnStart {
		t.Errorf("first event = %q", got.Kind)
	}
	select {
	case got := <-ch:
		t.Errorf("unexpected second event %q", got.Kind)
	default:
	}
}

func TestCancel(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(1)
	if b.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount = %d", b.SubscriberCount())
	}
	cancel()
	cancel()
	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount after cancel = %d", b.SubscriberCount())
	}
	if _, ok := <-ch; ok {
		t.Error("channel open after cancel")
	}
	b.Emit(SourcePipeline, KindReply, nil)
}

func TestConcurrentPublish(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(1000)
	defer cancel()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				b.Emit(SourcePipeline, KindReply, nil)
			}
		}()
	}
	wg.Wait()

	if got := len(ch); got != 500 {
		t.Errorf("received %d events, want 500", got)
	}
}
