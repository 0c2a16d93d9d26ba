package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// PingType is the frame type of outbound keepalives.
const PingType = "ping"

// Ping is the keepalive frame written to an open stream.
type Ping struct {
	Type string `json:"type"`

	// Timestamp is the send time in unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// NewPing builds a ping stamped with t.
func NewPing(t time.Time) Ping {
	return Ping{Type: PingType, Timestamp: t.UnixMilli()}
}

// Marshal serializes a ping to JSON.
func (p Ping) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// Sender writes keepalives on a fixed interval.
type Sender interface {
	// Start sends one ping immediately and then one per interval until
	// Stop is called or ctx ends. Returns ErrAlreadyStarted if running.
	Start(ctx context.Context) error

	// Stop stops sending. Returns ErrNotStarted if not running.
	Stop() error
}

// Config holds the liveness timings of one stream.
type Config struct {
	// PingInterval between outbound keepalives.
	// Default: 10 seconds
	PingInterval time.Duration

	// MessageTimeout is the inbound silence after which the stream is stale.
	// Default: 45 seconds
	MessageTimeout time.Duration

	// CheckInterval for the stale checker.
	// Default: 1 second
	CheckInterval time.Duration
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.PingInterval <= 0 || c.MessageTimeout <= 0 || c.CheckInterval <= 0 {
		return ErrInvalidConfig
	}
	if c.MessageTimeout <= c.PingInterval {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns the standard stream timings.
func DefaultConfig() Config {
	return Config{
		PingInterval:   10 * time.Second,
		MessageTimeout: 45 * time.Second,
		CheckInterval:  1 * time.Second,
	}
}
