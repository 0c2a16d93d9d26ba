package channel

import (
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"github.com/google/uuid"

	taskerr "github.com/vinayprograms/taskfeed/errors"
	"github.com/vinayprograms/taskfeed/logging"
	"github.com/vinayprograms/taskfeed/metrics"
	"github.com/vinayprograms/taskfeed/transport"
)

// Manager owns every channel opened by the console, keyed by channel id.
type Manager struct {
	streamURL string
	cfg       Config
	dialer    transport.Dialer
	logger    *logging.Logger
	metrics   *metrics.Recorder
	newID     func() string

	mu       sync.RWMutex
	channels map[string]*Channel
	closed   atomic.Bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the websocket dialer.
func WithDialer(d transport.Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r *metrics.Recorder) Option {
	return func(m *Manager) {
		m.metrics = r
	}
}

// WithIDGenerator sets a custom channel id generator.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) {
		m.newID = gen
	}
}

// NewManager creates a manager for streams under streamURL, which must be
// a ws:// or wss:// URL.
func NewManager(streamURL string, cfg Config, opts ...Option) (*Manager, error) {
	u, err := url.Parse(streamURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, taskerr.New(taskerr.ErrCodeInvalidEndpoint, "stream url must be ws:// or wss://",
			taskerr.WithMetadata("stream_url", streamURL))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		streamURL: strings.TrimRight(streamURL, "/"),
		cfg:       cfg,
		newID:     func() string { return uuid.New().String() },
		channels:  make(map[string]*Channel),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.Nop()
	}
	m.logger = m.logger.WithComponent("channel")
	if m.dialer == nil {
		m.dialer = transport.NewWebSocketDialer(transport.DefaultConfig(), nil)
	}
	return m, nil
}

// ValidateToken checks an endpoint token. Tokens must be non-empty and
// must not contain whitespace, '/', '?' or '#'.
func ValidateToken(token string) error {
	if token == "" {
		return taskerr.New(taskerr.ErrCodeInvalidEndpoint, "endpoint token is empty")
	}
	for _, r := range token {
		if unicode.IsSpace(r) || r == '/' || r == '?' || r == '#' || unicode.IsControl(r) {
			return taskerr.New(taskerr.ErrCodeInvalidEndpoint, "endpoint token is malformed",
				taskerr.WithMetadata("token", token))
		}
	}
	return nil
}

// Endpoint returns the stream URL for a token.
func (m *Manager) Endpoint(token string) string {
	return m.streamURL + "/" + url.PathEscape(token)
}

// Open starts a channel for the job addressed by token and returns its id.
// The connection is established asynchronously; handler observes Opened.
func (m *Manager) Open(token string, handler Handler) (string, error) {
	if m.closed.Load() {
		return "", ErrManagerClosed
	}
	if err := ValidateToken(token); err != nil {
		return "", err
	}

	id := m.newID()
	ch := newChannel(id, m.Endpoint(token), m.cfg, m.dialer, handler, m.logger, m.metrics)

	m.mu.Lock()
	m.channels[id] = ch
	m.mu.Unlock()

	ch.start()
	return id, nil
}

func (m *Manager) get(id string) (*Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[id]
	return ch, ok
}

// Send writes payload on an open channel.
func (m *Manager) Send(id string, payload []byte) error {
	ch, ok := m.get(id)
	if !ok {
		return taskerr.FromCode(taskerr.ErrCodeChannelNotOpen, taskerr.WithChannelID(id))
	}
	return ch.Send(payload)
}

// Close closes a channel. Unknown ids and already closed channels are
// ignored.
func (m *Manager) Close(id string) {
	if ch, ok := m.get(id); ok {
		ch.Close()
	}
}

// Remove closes a channel and forgets it.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	ch, ok := m.channels[id]
	delete(m.channels, id)
	m.mu.Unlock()

	if ok {
		ch.Close()
	}
}

// State returns the state of a channel.
func (m *Manager) State(id string) (State, bool) {
	ch, ok := m.get(id)
	if !ok {
		return State{}, false
	}
	return ch.State(), true
}

// CheckStale runs an immediate liveness check on a channel.
func (m *Manager) CheckStale(id string) bool {
	ch, ok := m.get(id)
	if !ok {
		return false
	}
	return ch.CheckStale()
}

// Len returns the number of tracked channels.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}

// CloseAll closes every channel and rejects further opens.
func (m *Manager) CloseAll() {
	m.closed.Store(true)

	m.mu.Lock()
	channels := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.channels = make(map[string]*Channel)
	m.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
}
