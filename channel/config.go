package channel

import (
	"time"

	"github.com/vinayprograms/taskfeed/heartbeat"
	"github.com/vinayprograms/taskfeed/ratelimit"
)

// Config holds reconnect and liveness settings for a channel.
type Config struct {
	// BaseDelay is the first reconnect delay.
	// Default: 1 second
	BaseDelay time.Duration

	// MaxDelay caps the exponential schedule.
	// Default: 30 seconds
	MaxDelay time.Duration

	// MaxAttempts is the number of consecutive reconnects tried before the
	// channel fails permanently.
	// Default: 10
	MaxAttempts int

	// RateLimit bounds how many reconnects may be scheduled in a window
	// before RateLimitDelay replaces the exponential delay.
	// Default: more than 3 in 5 seconds
	RateLimit ratelimit.Config

	// RateLimitDelay is the flat delay used while rate limited.
	// Default: 5 seconds
	RateLimitDelay time.Duration

	// Heartbeat holds ping and stale timings.
	Heartbeat heartbeat.Config
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseDelay:      1 * time.Second,
		MaxDelay:       30 * time.Second,
		MaxAttempts:    10,
		RateLimit:      ratelimit.DefaultConfig(),
		RateLimitDelay: 5 * time.Second,
		Heartbeat:      heartbeat.DefaultConfig(),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.BaseDelay <= 0 || c.MaxDelay < c.BaseDelay {
		return ErrInvalidConfig
	}
	if c.MaxAttempts <= 0 || c.RateLimitDelay <= 0 {
		return ErrInvalidConfig
	}
	if err := c.RateLimit.Validate(); err != nil {
		return ErrInvalidConfig
	}
	if err := c.Heartbeat.Validate(); err != nil {
		return ErrInvalidConfig
	}
	return nil
}

// Delay returns the reconnect delay for the given zero-based attempt:
// min(base * 2^attempt, max).
func Delay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if d >= max {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}
