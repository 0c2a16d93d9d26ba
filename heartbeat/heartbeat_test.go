package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// --- Unit Tests ---

func TestPing_Marshal(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	data, err := NewPing(ts).Marshal()
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var got map[string]interface{}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if got["type"] != "ping" {
		t.Errorf("type = %v, want ping", got["type"])
	}
	if got["timestamp"] != float64(1700000000123) {
		t.Errorf("timestamp = %v, want 1700000000123", got["timestamp"])
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", DefaultConfig(), false},
		{"zero ping", Config{MessageTimeout: time.Second, CheckInterval: time.Second}, true},
		{"timeout not above ping", Config{PingInterval: 10 * time.Second, MessageTimeout: 10 * time.Second, CheckInterval: time.Second}, true},
		{"zero check", Config{PingInterval: time.Second, MessageTimeout: 5 * time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMonitor_StaleBoundary(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMonitor(start)
	timeout := 45 * time.Second

	if m.IsStale(start.Add(timeout), timeout) {
		t.Error("exactly timeout elapsed should not be stale")
	}
	if !m.IsStale(start.Add(timeout+time.Millisecond), timeout) {
		t.Error("just over timeout should be stale")
	}

	m.RecordActivity(start.Add(30 * time.Second))
	if m.IsStale(start.Add(60*time.Second), timeout) {
		t.Error("activity at +30s should keep +60s fresh")
	}
}

func TestMonitor_Monotonic(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMonitor(start)

	m.RecordActivity(start.Add(10 * time.Second))
	m.RecordActivity(start.Add(5 * time.Second))

	if got := m.LastActivity(); !got.Equal(start.Add(10 * time.Second)) {
		t.Errorf("LastActivity() = %v, want +10s", got)
	}

	m.Reset(start)
	if got := m.LastActivity(); !got.Equal(start) {
		t.Errorf("after Reset LastActivity() = %v, want %v", got, start)
	}
}

func TestWatchdog_ReportsOncePerEpisode(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMonitor(start)
	now := start

	var fired int
	w := NewWatchdog(m, Config{MessageTimeout: 45 * time.Second, CheckInterval: time.Second}, func(time.Duration) {
		fired++
	})
	w.nowFunc = func() time.Time { return now }

	now = start.Add(46 * time.Second)
	if !w.Check() {
		t.Error("Check() should report stale")
	}
	w.Check()
	if fired != 1 {
		t.Errorf("onStale fired %d times, want 1", fired)
	}

	m.RecordActivity(now)
	if w.Check() {
		t.Error("Check() after activity should not be stale")
	}

	now = now.Add(50 * time.Second)
	w.Check()
	if fired != 2 {
		t.Errorf("onStale fired %d times after second episode, want 2", fired)
	}
}

func TestWatchdog_Lifecycle(t *testing.T) {
	m := NewMonitor(time.Now().Add(-time.Hour))
	stale := make(chan time.Duration, 1)
	w := NewWatchdog(m, Config{MessageTimeout: time.Second, CheckInterval: 5 * time.Millisecond}, func(d time.Duration) {
		stale <- d
	})

	if err := w.Stop(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Stop() before Start = %v, want ErrNotStarted", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := w.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() = %v, want ErrAlreadyStarted", err)
	}

	select {
	case d := <-stale:
		if d < time.Hour {
			t.Errorf("silence = %v, want >= 1h", d)
		}
	case <-time.After(time.Second):
		t.Fatal("watchdog did not report stale stream")
	}

	if err := w.Stop(); err != nil {
		t.Errorf("Stop() error: %v", err)
	}
	<-w.Done()
}

func TestPingSender_ImmediateThenInterval(t *testing.T) {
	var mu sync.Mutex
	var pings []Ping
	s := NewPingSender(func(p Ping) error {
		mu.Lock()
		pings = append(pings, p)
		mu.Unlock()
		return nil
	}, 20*time.Millisecond)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	mu.Lock()
	first := len(pings)
	mu.Unlock()
	if first != 1 {
		t.Errorf("pings right after Start = %d, want 1", first)
	}

	time.Sleep(50 * time.Millisecond)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(pings) < 2 {
		t.Errorf("pings = %d, want >= 2", len(pings))
	}
	for _, p := range pings {
		if p.Type != PingType {
			t.Errorf("Type = %q, want %q", p.Type, PingType)
		}
	}
	if s.Sent() != int64(len(pings)) {
		t.Errorf("Sent() = %d, want %d", s.Sent(), len(pings))
	}
}

func TestPingSender_CountsFailures(t *testing.T) {
	var calls atomic.Int32
	s := NewPingSender(func(Ping) error {
		calls.Add(1)
		return errors.New("write: broken pipe")
	}, time.Hour)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	s.Stop()

	if s.Failures() != 1 || s.Sent() != 0 {
		t.Errorf("Failures()=%d Sent()=%d, want 1/0", s.Failures(), s.Sent())
	}
}

func TestPingSender_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewPingSender(func(Ping) error { return nil }, time.Hour)
	s.Start(ctx)
	cancel()

	deadline := time.Now().Add(time.Second)
	for s.running.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := s.Stop(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Stop() after ctx cancel = %v, want ErrNotStarted", err)
	}
}
