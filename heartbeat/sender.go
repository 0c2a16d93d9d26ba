package heartbeat

import (
	"context"
	"sync/atomic"
	"time"
)

// SendFunc writes one ping to the stream.
type SendFunc func(Ping) error

// PingSender sends keepalives through a SendFunc.
type PingSender struct {
	send     SendFunc
	interval time.Duration
	nowFunc  func() time.Time

	sent     atomic.Int64
	failures atomic.Int64

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPingSender creates a sender. A non-positive interval uses the default.
func NewPingSender(send SendFunc, interval time.Duration) *PingSender {
	if interval <= 0 {
		interval = DefaultConfig().PingInterval
	}
	return &PingSender{
		send:     send,
		interval: interval,
		nowFunc:  time.Now,
	}
}

// Start begins sending pings at the configured interval.
func (s *PingSender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}

	if ctx == nil {
		ctx = context.Background()
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)
	return nil
}

func (s *PingSender) run(ctx context.Context) {
	defer close(s.doneCh)

	s.ping()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.running.Store(false)
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.ping()
		}
	}
}

// Send failures are counted and otherwise ignored; a dead stream is
// detected by the read side.
func (s *PingSender) ping() {
	if err := s.send(NewPing(s.nowFunc())); err != nil {
		s.failures.Add(1)
		return
	}
	s.sent.Add(1)
}

// Stop stops sending pings and waits for the loop to exit.
func (s *PingSender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}

// Sent returns the number of pings written successfully.
func (s *PingSender) Sent() int64 {
	return s.sent.Load()
}

// Failures returns the number of pings that could not be written.
func (s *PingSender) Failures() int64 {
	return s.failures.Load()
}
