package mqtt

import (
	"context"
	"sync"
	"time"

	"github.com/nugget/botlab/internal/events"
	"github.com/nugget/botlab/internal/llm"
)

// Counters holds today's activity totals, reset at local midnight. It
// counts turns and vetoes from the event bus and tokens from LLM usage
// observations. Safe for concurrent use.
type Counters struct {
	mu       sync.Mutex
	turns    int64
	vetoes   int64
	input    int64
	output   int64
	lastTurn time.Time
	day      int
	loc      *time.Location
	now      func() time.Time
}

// Totals is a snapshot of [Counters].
type Totals struct {
	Turns        int64
	Vetoes       int64
	InputTokens  int64
	OutputTokens int64
	LastTurn     time.Time
}

// NewCounters creates counters that roll over at midnight in loc. A nil
// loc means [time.Local].
func NewCounters(loc *time.Location) *Counters {
	if loc == nil {
		loc = time.Local
	}
	c := &Counters{loc: loc, now: time.Now}
	c.day = c.today()
	return c
}

func (c *Counters) today() int {
	y, m, d := c.now().In(c.loc).Date()
	return y*10000 + int(m)*100 + d
}

// rollover zeroes the day's totals when the date has changed. Must be
// called with c.mu held. The last turn time survives.
func (c *Counters) rollover() {
	if today := c.today(); today != c.day {
		c.turns, c.vetoes, c.input, c.output = 0, 0, 0, 0
		c.day = today
	}
}

// ObserveUsage adds a completion's tokens.
func (c *Counters) ObserveUsage(_ context.Context, u llm.Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()
	c.input += int64(u.InputTokens)
	c.output += int64(u.OutputTokens)
}

// Observe applies one bus event.
func (c *Counters) Observe(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()
	switch e.Kind {
	case events.KindTurnStart:
		c.turns++
		c.lastTurn = e.Timestamp
	case events.KindVetoed:
		c.vetoes++
	}
}

// Follow applies events from the bus until ctx is cancelled.
func (c *Counters) Follow(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe(256)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			c.Observe(e)
		}
	}
}

// Snapshot returns today's totals.
func (c *Counters) Snapshot() Totals {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()
	return Totals{
		Turns:        c.turns,
		Vetoes:       c.vetoes,
		InputTokens:  c.input,
		OutputTokens: c.output,
		LastTurn:     c.lastTurn,
	}
}
