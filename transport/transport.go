package transport

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrClosed      = errors.New("transport closed")
	ErrSendTimeout = errors.New("send timeout")
)

// Close codes the channel distinguishes. Anything other than normal and
// going-away is treated as abnormal.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseAbnormal  = 1006
)

// IsNormalClosure reports whether code ends a stream without reconnecting.
func IsNormalClosure(code int) bool {
	return code == CloseNormal || code == CloseGoingAway
}

// Conn is one open stream connection.
type Conn interface {
	// ReadMessage blocks for the next text frame. When the stream ends it
	// returns an error; CloseCode extracts the close code from it.
	ReadMessage() ([]byte, error)

	// WriteMessage writes one text frame, bounded by the write timeout.
	// Safe for concurrent use.
	WriteMessage(data []byte) error

	// Close sends a close frame with code and reason and releases the
	// connection. Idempotent.
	Close(code int, reason string) error
}

// Dialer opens stream connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Config holds stream connection settings.
type Config struct {
	// HandshakeTimeout bounds the opening handshake.
	// Default: 10 seconds
	HandshakeTimeout time.Duration

	// WriteTimeout for each write.
	// Default: 10 seconds
	WriteTimeout time.Duration

	// MaxMessageSize limits incoming frame size.
	// Default: 1 MiB
	MaxMessageSize int64
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxMessageSize:   1024 * 1024,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	return c
}
