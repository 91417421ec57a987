// Package connwatch tracks whether the services the bot depends on,
// the LLM provider and the Telegram Bot API, are reachable. Each
// Watcher probes one service: with exponential backoff until the first
// success (or until retries run out), then on a fixed interval,
// reporting up/down transitions to an optional callback.
//
// Transport-level retries of single requests live in httpkit; this
// package deals with outages that last seconds to minutes.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks a service. A nil error means healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing. Zero fields take the value from
// [DefaultBackoff].
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxRetries bounds the startup phase; afterwards probes run every
	// PollInterval regardless of outcome.
	MaxRetries   int
	PollInterval time.Duration
	ProbeTimeout time.Duration
}

// DefaultBackoff is 2s doubling to a 60s ceiling over 10 startup
// attempts, then a probe every minute.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2,
		MaxRetries:   10,
		PollInterval: time.Minute,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// ServiceStatus is a watcher's state as reported by /health.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher probes one service until stopped.
type Watcher struct {
	name    string
	probeFn ProbeFunc
	backoff Backoff
	notify  func(name string, ready bool, err error)
	logger  *slog.Logger

	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool { return w.ready.Load() }

// Status returns the watcher's current state.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := ServiceStatus{Name: w.name, Ready: w.ready.Load(), LastCheck: w.lastCheck}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop ends the watcher and waits for it.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.backoff.InitialDelay
	for attempt := 1; ; attempt++ {
		if w.check(ctx) {
			break
		}
		if attempt >= w.backoff.MaxRetries {
			w.logger.Info("service unreachable at startup, polling in background",
				"service", w.name,
				"attempts", attempt,
			)
			break
		}
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*w.backoff.Multiplier), w.backoff.MaxDelay)
	}

	ticker := time.NewTicker(w.backoff.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check probes once, records the result and reports transitions. It
// returns whether the service is up.
func (w *Watcher) check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, w.backoff.ProbeTimeout)
	err := w.probeFn(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return false
	}

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	up := err == nil
	if was := w.ready.Swap(up); was == up {
		if !up {
			w.logger.Debug("service still unreachable", "service", w.name, "error", err)
		}
		return up
	}

	if up {
		w.logger.Info("service reachable", "service", w.name)
	} else {
		w.logger.Warn("service unreachable", "service", w.name, "error", err)
	}
	if w.notify != nil {
		w.notify(w.name, up, err)
	}
	return up
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Manager owns a set of watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	notify   func(name string, ready bool, err error)
	logger   *slog.Logger
}

// NewManager creates a Manager. notify, when not nil, is called
// synchronously from the watcher goroutine on every up/down transition
// and must not block.
func NewManager(notify func(name string, ready bool, err error), logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		notify:   notify,
		logger:   logger,
	}
}

// Watch starts probing a service until ctx is cancelled or Stop is
// called. Watching a name twice replaces the earlier watcher.
func (m *Manager) Watch(ctx context.Context, name string, probe ProbeFunc, b Backoff) *Watcher {
	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		name:    name,
		probeFn: probe,
		backoff: b.withDefaults(),
		notify:  m.notify,
		logger:  m.logger,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	old := m.watchers[name]
	m.watchers[name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(ctx)
	return w
}

// Status returns every watcher's state keyed by name.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Stop ends every watcher and waits for them.
func (m *Manager) Stop() {
	m.mu.RLock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()
	for _, w := range ws {
		w.Stop()
	}
}
