package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// Common errors.
var (
	ErrInvalidWindow = errors.New("invalid window")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config describes a sliding-window limit.
type Config struct {
	// Limit is the number of events tolerated inside Period.
	// Default: 3
	Limit int

	// Period is the width of the sliding window.
	// Default: 5 seconds
	Period time.Duration
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Limit <= 0 {
		return ErrInvalidConfig
	}
	if c.Period <= 0 {
		return ErrInvalidWindow
	}
	return nil
}

// DefaultConfig returns the reconnect limit: more than 3 attempts in 5s.
func DefaultConfig() Config {
	return Config{
		Limit:  3,
		Period: 5 * time.Second,
	}
}

// Window counts events in a sliding time window. It is safe for
// concurrent use.
type Window struct {
	mu      sync.Mutex
	limit   int
	period  time.Duration
	events  []time.Time
	nowFunc func() time.Time // for testing
}

// NewWindow creates a window. Invalid configs fall back to the defaults.
func NewWindow(cfg Config) *Window {
	if err := cfg.Validate(); err != nil {
		cfg = DefaultConfig()
	}
	return &Window{
		limit:   cfg.Limit,
		period:  cfg.Period,
		nowFunc: time.Now,
	}
}

// prune drops events older than the window. Caller holds mu.
func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.period)
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

// Record notes one event now and reports whether the window is over its
// limit including this event.
func (w *Window) Record() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.nowFunc()
	w.prune(now)
	w.events = append(w.events, now)
	return len(w.events) > w.limit
}

// Count returns the number of events inside the window.
func (w *Window) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(w.nowFunc())
	return len(w.events)
}

// Exceeded reports whether more than Limit events fall inside the window.
func (w *Window) Exceeded() bool {
	return w.Count() > w.limit
}

// Reset forgets all recorded events.
func (w *Window) Reset() {
	w.mu.Lock()
	w.events = nil
	w.mu.Unlock()
}
