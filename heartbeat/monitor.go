package heartbeat

import (
	"sync"
	"sync/atomic"
	"time"
)

// Monitor tracks the time of the last inbound message on a stream.
// It performs no I/O; callers feed it timestamps and ask for a verdict.
type Monitor struct {
	mu   sync.RWMutex
	last time.Time
}

// NewMonitor creates a monitor whose last activity is start.
func NewMonitor(start time.Time) *Monitor {
	return &Monitor{last: start}
}

// RecordActivity notes an inbound message at ts. Timestamps older than the
// current value are ignored so the recorded time never moves backwards.
func (m *Monitor) RecordActivity(ts time.Time) {
	m.mu.Lock()
	if ts.After(m.last) {
		m.last = ts
	}
	m.mu.Unlock()
}

// LastActivity returns the most recent recorded activity.
func (m *Monitor) LastActivity() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// IsStale reports whether strictly more than timeout has passed since the
// last activity.
func (m *Monitor) IsStale(now time.Time, timeout time.Duration) bool {
	return m.Silence(now) > timeout
}

// Silence returns how long the stream has been quiet at now.
func (m *Monitor) Silence(now time.Time) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return now.Sub(m.last)
}

// Reset sets the last activity to ts unconditionally. Used when a new
// connection opens.
func (m *Monitor) Reset(ts time.Time) {
	m.mu.Lock()
	m.last = ts
	m.mu.Unlock()
}

// Watchdog polls a Monitor and reports a stale stream once per episode.
type Watchdog struct {
	monitor       *Monitor
	timeout       time.Duration
	checkInterval time.Duration
	onStale       func(silence time.Duration)
	nowFunc       func() time.Time

	reported atomic.Bool
	running  atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatchdog creates a watchdog. onStale runs on the watchdog goroutine.
func NewWatchdog(m *Monitor, cfg Config, onStale func(silence time.Duration)) *Watchdog {
	def := DefaultConfig()
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = def.MessageTimeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	return &Watchdog{
		monitor:       m,
		timeout:       cfg.MessageTimeout,
		checkInterval: cfg.CheckInterval,
		onStale:       onStale,
		nowFunc:       time.Now,
	}
}

// Start begins periodic checks.
func (w *Watchdog) Start() error {
	if w.running.Swap(true) {
		return ErrAlreadyStarted
	}
	w.reported.Store(false)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.run(w.stopCh, w.doneCh)
	return nil
}

func (w *Watchdog) run(stopCh <-chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check evaluates the monitor once and fires onStale if the stream went
// stale and has not been reported yet. Returns true if stale.
func (w *Watchdog) Check() bool {
	now := w.nowFunc()
	if !w.monitor.IsStale(now, w.timeout) {
		w.reported.Store(false)
		return false
	}
	if !w.reported.Swap(true) && w.onStale != nil {
		w.onStale(w.monitor.Silence(now))
	}
	return true
}

// Stop halts the checks. Safe to call from onStale.
func (w *Watchdog) Stop() error {
	if !w.running.Swap(false) {
		return ErrNotStarted
	}
	close(w.stopCh)
	return nil
}

// Done is closed when the check loop has exited.
func (w *Watchdog) Done() <-chan struct{} {
	return w.doneCh
}
