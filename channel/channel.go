package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	taskerr "github.com/vinayprograms/taskfeed/errors"
	"github.com/vinayprograms/taskfeed/heartbeat"
	"github.com/vinayprograms/taskfeed/logging"
	"github.com/vinayprograms/taskfeed/metrics"
	"github.com/vinayprograms/taskfeed/ratelimit"
	"github.com/vinayprograms/taskfeed/transport"
)

// Common errors.
var (
	ErrInvalidConfig   = errors.New("invalid channel configuration")
	ErrInvalidEndpoint = taskerr.FromCode(taskerr.ErrCodeInvalidEndpoint)
	ErrChannelNotOpen  = taskerr.FromCode(taskerr.ErrCodeChannelNotOpen)
	ErrManagerClosed   = errors.New("channel manager closed")
)

// Status is the lifecycle state of a channel.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusClosing    Status = "closing"
	StatusClosed     Status = "closed"
	StatusFailed     Status = "failed"
)

// IsTerminal returns true if the channel will never connect again.
func (s Status) IsTerminal() bool {
	return s == StatusClosed || s == StatusFailed
}

// State is a point-in-time view of a channel.
type State struct {
	ID               string     `json:"id"`
	Endpoint         string     `json:"endpoint"`
	Status           Status     `json:"status"`
	LastMessageAt    time.Time  `json:"last_message_at"`
	ReconnectAttempt int        `json:"reconnect_attempt"`
	LastReconnectAt  *time.Time `json:"last_reconnect_at,omitempty"`

	// NextDelay is the delay chosen for the most recently scheduled
	// reconnect.
	NextDelay time.Duration `json:"next_delay,omitempty"`
}

// EventType identifies a lifecycle event.
type EventType string

const (
	EventOpened  EventType = "opened"
	EventMessage EventType = "message"
	EventStale   EventType = "stale"
	EventClosed  EventType = "closed"
	EventFailed  EventType = "failed"
)

// Event is delivered to a channel's Handler.
type Event struct {
	Type      EventType
	ChannelID string
	At        time.Time

	// Payload is set for EventMessage.
	Payload []byte

	// Code and Reason are set for EventClosed.
	Code   int
	Reason string

	// Attempts is set for EventFailed.
	Attempts int
}

// Handler receives channel events in order. It runs on the channel's own
// goroutines, must not block, and must not call back into the channel.
type Handler func(Event)

// Channel is one self-healing stream to a job endpoint.
type Channel struct {
	id       string
	endpoint string
	cfg      Config
	dialer   transport.Dialer
	handler  Handler
	logger   *logging.Logger
	metrics  *metrics.Recorder
	nowFunc  func() time.Time

	monitor *heartbeat.Monitor
	window  *ratelimit.Window

	emitMu sync.Mutex

	mu              sync.Mutex
	status          Status
	attempt         int
	nextDelay       time.Duration
	lastReconnectAt *time.Time
	lastMessageAt   time.Time
	gen             uint64
	active          bool
	conn            transport.Conn
	cancelDial      context.CancelFunc
	reconnectTimer  *time.Timer
	stableTimer     *time.Timer
	pinger          *heartbeat.PingSender
	watchdog        *heartbeat.Watchdog
}

func newChannel(id, endpoint string, cfg Config, dialer transport.Dialer, handler Handler, logger *logging.Logger, rec *metrics.Recorder) *Channel {
	return &Channel{
		id:       id,
		endpoint: endpoint,
		cfg:      cfg,
		dialer:   dialer,
		handler:  handler,
		logger:   logger.WithChannel(id),
		metrics:  rec,
		nowFunc:  time.Now,
		monitor:  heartbeat.NewMonitor(time.Now()),
		window:   ratelimit.NewWindow(cfg.RateLimit),
		status:   StatusConnecting,
	}
}

// ID returns the channel id.
func (c *Channel) ID() string {
	return c.id
}

func (c *Channel) start() {
	c.mu.Lock()
	c.active = true
	c.status = StatusConnecting
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	go c.connect(gen)
}

// connect dials once for generation gen and, on success, runs the read
// loop until the connection ends.
func (c *Channel) connect(gen uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.mu.Lock()
	if !c.active || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.cancelDial = cancel
	c.mu.Unlock()

	conn, err := c.dialer.Dial(ctx, c.endpoint)

	c.mu.Lock()
	if !c.active || gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			conn.Close(transport.CloseNormal, "superseded")
		}
		return
	}
	c.cancelDial = nil

	if err != nil {
		c.logger.Warn("dial_failed", map[string]interface{}{
			"error":   err.Error(),
			"attempt": c.attempt,
		})
		after := c.scheduleReconnectLocked()
		c.mu.Unlock()
		after()
		return
	}

	now := c.nowFunc()
	c.conn = conn
	c.status = StatusOpen
	c.lastMessageAt = now
	c.monitor.Reset(now)
	attempt := c.attempt

	c.pinger = heartbeat.NewPingSender(func(p heartbeat.Ping) error {
		data, err := p.Marshal()
		if err != nil {
			return err
		}
		return conn.WriteMessage(data)
	}, c.cfg.Heartbeat.PingInterval)
	c.watchdog = heartbeat.NewWatchdog(c.monitor, c.cfg.Heartbeat, func(silence time.Duration) {
		c.onStale(gen, silence)
	})
	c.stableTimer = time.AfterFunc(c.cfg.Heartbeat.PingInterval, func() {
		c.markStable(gen)
	})
	c.pinger.Start(context.Background())
	c.watchdog.Start()
	c.mu.Unlock()

	c.logger.ChannelOpened(c.endpoint, attempt)
	c.metrics.ChannelOpened()
	c.emitFor(gen, Event{Type: EventOpened, At: now})

	c.readLoop(gen, conn)
}

func (c *Channel) readLoop(gen uint64, conn transport.Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			code, reason := transport.CloseCode(err)
			c.handleDrop(gen, code, reason)
			return
		}

		now := c.nowFunc()
		c.mu.Lock()
		if gen != c.gen || !c.active {
			c.mu.Unlock()
			return
		}
		c.monitor.RecordActivity(now)
		if now.After(c.lastMessageAt) {
			c.lastMessageAt = now
		}
		c.mu.Unlock()

		c.emitFor(gen, Event{Type: EventMessage, Payload: data, At: now})
	}
}

// handleDrop reacts to the end of the connection for generation gen.
func (c *Channel) handleDrop(gen uint64, code int, reason string) {
	c.mu.Lock()
	if gen != c.gen || !c.active {
		c.mu.Unlock()
		return
	}
	teardown := c.detachLocked(code, reason)

	if transport.IsNormalClosure(code) {
		c.gen++
		c.active = false
		c.status = StatusClosed
		c.mu.Unlock()

		teardown()
		c.logger.ChannelClosed(code, reason, false)
		c.emitAlways(Event{Type: EventClosed, Code: code, Reason: reason})
		return
	}

	after := c.scheduleReconnectLocked()
	c.mu.Unlock()

	teardown()
	c.logger.ChannelClosed(code, reason, true)
	c.emitAlways(Event{Type: EventClosed, Code: code, Reason: reason})
	after()
}

// onStale runs on the watchdog goroutine when the open connection for gen
// has been silent too long.
func (c *Channel) onStale(gen uint64, silence time.Duration) {
	c.mu.Lock()
	if gen != c.gen || !c.active || c.status != StatusOpen {
		c.mu.Unlock()
		return
	}
	teardown := c.detachLocked(transport.CloseGoingAway, "stale")
	after := c.scheduleReconnectLocked()
	c.mu.Unlock()

	teardown()
	c.logger.ChannelStale(silence)
	c.metrics.ChannelStale()
	c.emitAlways(Event{Type: EventStale})
	c.emitAlways(Event{Type: EventClosed, Code: transport.CloseAbnormal, Reason: "stale"})
	after()
}

// scheduleReconnectLocked moves the channel to its next attempt or to
// Failed. The returned func logs and emits and must run after c.mu is
// released.
func (c *Channel) scheduleReconnectLocked() func() {
	c.gen++

	if c.attempt >= c.cfg.MaxAttempts {
		c.active = false
		c.status = StatusFailed
		attempts := c.attempt
		return func() {
			c.logger.ChannelFailed(attempts)
			c.metrics.ChannelFailed()
			c.emitAlways(Event{Type: EventFailed, Attempts: attempts})
		}
	}

	delay := Delay(c.attempt, c.cfg.BaseDelay, c.cfg.MaxDelay)
	rateLimited := c.window.Record()
	if rateLimited {
		delay = c.cfg.RateLimitDelay
	}
	attempt := c.attempt
	c.attempt++
	c.nextDelay = delay
	now := c.nowFunc()
	c.lastReconnectAt = &now
	c.status = StatusConnecting

	gen := c.gen
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.connect(gen)
	})

	return func() {
		c.logger.ReconnectScheduled(attempt, delay, rateLimited)
		c.metrics.ReconnectScheduled(rateLimited)
	}
}

// detachLocked removes the live connection from the channel. The returned
// func stops its helpers and closes it; run it after c.mu is released.
func (c *Channel) detachLocked(code int, reason string) func() {
	conn, pinger, watchdog, stable := c.conn, c.pinger, c.watchdog, c.stableTimer
	c.conn, c.pinger, c.watchdog, c.stableTimer = nil, nil, nil, nil

	return func() {
		if stable != nil {
			stable.Stop()
		}
		if watchdog != nil {
			watchdog.Stop()
		}
		if pinger != nil {
			pinger.Stop()
		}
		if conn != nil {
			if transport.IsNormalClosure(code) {
				conn.Close(code, reason)
			} else {
				conn.Close(transport.CloseGoingAway, reason)
			}
			c.metrics.ChannelDown()
		}
	}
}

// markStable resets the attempt counter once a connection has stayed open
// for a full ping interval.
func (c *Channel) markStable(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen == c.gen && c.active && c.status == StatusOpen {
		c.attempt = 0
	}
}

// Send writes payload while the channel is open.
func (c *Channel) Send(payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	open := c.status == StatusOpen && conn != nil
	c.mu.Unlock()

	if !open {
		return taskerr.FromCode(taskerr.ErrCodeChannelNotOpen, taskerr.WithChannelID(c.id))
	}
	if err := conn.WriteMessage(payload); err != nil {
		return taskerr.Wrap(err, "writing to channel", taskerr.WithChannelID(c.id))
	}
	return nil
}

// CheckStale evaluates liveness now, reacting as the periodic check would.
// Returns true if the channel was found stale.
func (c *Channel) CheckStale() bool {
	c.mu.Lock()
	w := c.watchdog
	c.mu.Unlock()

	if w == nil {
		return false
	}
	return w.Check()
}

// Close stops the channel for good. It cancels pending reconnects and
// in-flight dials. Idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	c.gen++
	c.status = StatusClosing
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	teardown := c.detachLocked(transport.CloseNormal, "closed by client")
	c.mu.Unlock()

	teardown()

	c.mu.Lock()
	c.status = StatusClosed
	c.mu.Unlock()

	c.logger.ChannelClosed(transport.CloseNormal, "closed by client", false)
	c.emitAlways(Event{Type: EventClosed, Code: transport.CloseNormal, Reason: "closed by client"})
}

// State returns a snapshot of the channel state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := State{
		ID:               c.id,
		Endpoint:         c.endpoint,
		Status:           c.status,
		LastMessageAt:    c.lastMessageAt,
		ReconnectAttempt: c.attempt,
		NextDelay:        c.nextDelay,
	}
	if c.lastReconnectAt != nil {
		t := *c.lastReconnectAt
		s.LastReconnectAt = &t
	}
	return s
}

// emitFor delivers ev only if gen is still the live generation.
func (c *Channel) emitFor(gen uint64, ev Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	current := gen == c.gen && c.active
	c.mu.Unlock()

	if current {
		c.deliver(ev)
	}
}

func (c *Channel) emitAlways(ev Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.deliver(ev)
}

func (c *Channel) deliver(ev Event) {
	if c.handler == nil {
		return
	}
	ev.ChannelID = c.id
	if ev.At.IsZero() {
		ev.At = c.nowFunc()
	}
	c.handler(ev)
}
