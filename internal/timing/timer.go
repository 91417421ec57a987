// Package timing enforces a minimum interval between bot responses in
// each chat.
package timing

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// Interval units accepted by [NewTimer].
const (
	UnitSeconds      = "seconds"
	UnitMilliseconds = "milliseconds"
)

// Timer tracks the last response time per chat. It is a best-effort,
// in-process limiter: nothing is persisted and entries are never
// evicted. Safe for concurrent use.
type Timer struct {
	mu       sync.Mutex
	interval time.Duration
	start    time.Time
	last     map[int64]time.Time
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a [Timer].
type Option func(*Timer)

// WithStartTime makes messages sent before t permanently ineligible, so
// a backlog delivered after a restart is not answered.
func WithStartTime(t time.Time) Option {
	return func(tm *Timer) { tm.start = t }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(tm *Timer) { tm.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(tm *Timer) { tm.logger = l }
}

// NewTimer creates a Timer with the given interval. Unknown units are
// logged and the value is taken as seconds.
func NewTimer(interval float64, unit string, opts ...Option) *Timer {
	t := &Timer{
		last:   make(map[int64]time.Time),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	t.interval = normalize(interval, unit, t.logger)
	t.logger.Info("response timer initialized", "interval", t.interval)
	return t
}

func normalize(v float64, unit string, logger *slog.Logger) time.Duration {
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		logger.Warn("invalid response interval, using zero", "value", v)
		return 0
	}
	switch unit {
	case UnitMilliseconds:
		return time.Duration(v * float64(time.Millisecond))
	case UnitSeconds:
		return time.Duration(v * float64(time.Second))
	default:
		logger.Warn("unknown interval unit, defaulting to seconds", "unit", unit)
		return time.Duration(v * float64(time.Second))
	}
}

// Interval returns the configured minimum spacing between responses.
func (t *Timer) Interval() time.Duration {
	return t.interval
}

// CanRespond reports whether a message sent at msgTime may be answered.
func (t *Timer) CanRespond(chatID int64, msgTime time.Time) bool {
	if !t.start.IsZero() && !msgTime.IsZero() && msgTime.Before(t.start) {
		t.logger.Debug("message predates timer start", "chat_id", chatID, "sent", msgTime)
		return false
	}

	t.mu.Lock()
	last, ok := t.last[chatID]
	t.mu.Unlock()

	if !ok {
		return true
	}
	elapsed := msgTime.Sub(last)
	t.logger.Debug("time since last response", "chat_id", chatID, "elapsed", elapsed)
	return elapsed >= t.interval
}

// RecordResponse stamps the current time as the chat's last response.
func (t *Timer) RecordResponse(chatID int64) {
	t.mu.Lock()
	t.last[chatID] = t.now()
	t.mu.Unlock()
}

// Remaining returns the seconds until the chat may be answered again,
// never negative and rounded to a tenth of a second.
func (t *Timer) Remaining(chatID int64) float64 {
	t.mu.Lock()
	last, ok := t.last[chatID]
	t.mu.Unlock()

	if !ok {
		return 0
	}
	rem := t.interval - t.now().Sub(last)
	if rem < 0 {
		return 0
	}
	return math.Round(rem.Seconds()*10) / 10
}

// LastResponse returns when the chat was last answered.
func (t *Timer) LastResponse(chatID int64) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.last[chatID]
	return ts, ok
}
