// Package config loads taskfeed settings from TOML with environment
// overrides.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/taskfeed/channel"
	"github.com/vinayprograms/taskfeed/heartbeat"
	"github.com/vinayprograms/taskfeed/ratelimit"
)

// Duration is a time.Duration written as a string such as "10s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the full taskfeed configuration.
type Config struct {
	Backend   BackendConfig   `toml:"backend"`
	Channel   ChannelConfig   `toml:"channel"`
	Fanout    FanoutConfig    `toml:"fanout"`
	Bus       BusConfig       `toml:"bus"`
	Logging   LoggingConfig   `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	API       APIConfig       `toml:"api"`
}

// BackendConfig locates the job executor.
type BackendConfig struct {
	URL       string   `toml:"url"`
	StreamURL string   `toml:"stream_url"`
	Timeout   Duration `toml:"timeout"`
	RateLimit float64  `toml:"rate_limit"` // requests per second, 0 disables
	Burst     int      `toml:"burst"`
}

// ChannelConfig holds reconnect and heartbeat timings.
type ChannelConfig struct {
	BaseDelay       Duration `toml:"base_delay"`
	MaxDelay        Duration `toml:"max_delay"`
	MaxAttempts     int      `toml:"max_attempts"`
	RateLimitCount  int      `toml:"rate_limit_count"`
	RateLimitWindow Duration `toml:"rate_limit_window"`
	RateLimitDelay  Duration `toml:"rate_limit_delay"`
	PingInterval    Duration `toml:"ping_interval"`
	MessageTimeout  Duration `toml:"message_timeout"`
	CheckInterval   Duration `toml:"check_interval"`
}

// FanoutConfig tunes job submission.
type FanoutConfig struct {
	BatchSize   int      `toml:"batch_size"`
	ChannelMode string   `toml:"channel_mode"` // shared | per_device
	StopTimeout Duration `toml:"stop_timeout"`
}

// BusConfig selects where snapshots are published.
type BusConfig struct {
	Kind          string `toml:"kind"` // memory | nats
	NATSURL       string `toml:"nats_url"`
	SubjectPrefix string `toml:"subject_prefix"`
	BufferSize    int    `toml:"buffer_size"`
}

// LoggingConfig sets log level and format.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text | json
}

// TelemetryConfig configures tracing and the operation journal.
type TelemetryConfig struct {
	Enabled     bool    `toml:"enabled"`
	Endpoint    string  `toml:"endpoint"`
	Protocol    string  `toml:"protocol"`
	Insecure    bool    `toml:"insecure"`
	ServiceName string  `toml:"service_name"`
	SampleRatio float64 `toml:"sample_ratio"`
	Debug       bool    `toml:"debug"`

	// Journal is "file", "http" or "noop"; JournalTarget is the path or URL.
	Journal       string `toml:"journal"`
	JournalTarget string `toml:"journal_target"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Listen          string   `toml:"listen"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	ch := channel.DefaultConfig()
	return Config{
		Backend: BackendConfig{
			URL:       "http://localhost:8080",
			StreamURL: "ws://localhost:8080/stream",
			Timeout:   Duration{30 * time.Second},
			RateLimit: 20,
			Burst:     5,
		},
		Channel: ChannelConfig{
			BaseDelay:       Duration{ch.BaseDelay},
			MaxDelay:        Duration{ch.MaxDelay},
			MaxAttempts:     ch.MaxAttempts,
			RateLimitCount:  ch.RateLimit.Limit,
			RateLimitWindow: Duration{ch.RateLimit.Period},
			RateLimitDelay:  Duration{ch.RateLimitDelay},
			PingInterval:    Duration{ch.Heartbeat.PingInterval},
			MessageTimeout:  Duration{ch.Heartbeat.MessageTimeout},
			CheckInterval:   Duration{ch.Heartbeat.CheckInterval},
		},
		Fanout: FanoutConfig{
			BatchSize:   5,
			ChannelMode: "shared",
			StopTimeout: Duration{10 * time.Second},
		},
		Bus: BusConfig{
			Kind:          "memory",
			SubjectPrefix: "taskfeed.operations",
			BufferSize:    64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "taskfeed",
			Journal:     "noop",
		},
		API: APIConfig{
			Listen:          ":8090",
			ShutdownTimeout: Duration{15 * time.Second},
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("reading %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes TOML content over the defaults without environment
// overrides.
func Parse(content string) (Config, error) {
	cfg := Default()
	if _, err := toml.Decode(content, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Environment variables that override file settings.
const (
	EnvBackendURL = "TASKFEED_BACKEND_URL"
	EnvStreamURL  = "TASKFEED_STREAM_URL"
	EnvLogLevel   = "TASKFEED_LOG_LEVEL"
	EnvNATSURL    = "TASKFEED_NATS_URL"
	EnvAPIListen  = "TASKFEED_API_LISTEN"
)

// ApplyEnv overrides settings from the environment. Setting
// TASKFEED_NATS_URL also switches the bus to NATS.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvBackendURL); ok && v != "" {
		c.Backend.URL = v
	}
	if v, ok := lookup(EnvStreamURL); ok && v != "" {
		c.Backend.StreamURL = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := lookup(EnvNATSURL); ok && v != "" {
		c.Bus.NATSURL = v
		c.Bus.Kind = "nats"
	}
	if v, ok := lookup(EnvAPIListen); ok && v != "" {
		c.API.Listen = v
	}
}

// Validate rejects unusable settings.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Backend.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend.url must be an http(s) URL, got %q", c.Backend.URL)
	}
	u, err = url.Parse(c.Backend.StreamURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("backend.stream_url must be a ws(s) URL, got %q", c.Backend.StreamURL)
	}
	if c.Backend.RateLimit < 0 {
		return fmt.Errorf("backend.rate_limit must not be negative")
	}

	ch := c.Channel.ToChannel()
	if err := ch.Validate(); err != nil {
		return fmt.Errorf("channel: %w", err)
	}

	if c.Fanout.BatchSize < 1 {
		return fmt.Errorf("fanout.batch_size must be at least 1")
	}
	switch c.Fanout.ChannelMode {
	case "shared", "per_device":
	default:
		return fmt.Errorf("fanout.channel_mode must be shared or per_device, got %q", c.Fanout.ChannelMode)
	}

	switch c.Bus.Kind {
	case "memory":
	case "nats":
		if c.Bus.NATSURL == "" {
			return fmt.Errorf("bus.nats_url is required when bus.kind is nats")
		}
	default:
		return fmt.Errorf("bus.kind must be memory or nats, got %q", c.Bus.Kind)
	}
	if c.Bus.SubjectPrefix == "" {
		return fmt.Errorf("bus.subject_prefix is required")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	switch c.Telemetry.Journal {
	case "", "noop":
	case "file", "http":
		if c.Telemetry.JournalTarget == "" {
			return fmt.Errorf("telemetry.journal_target is required for journal %q", c.Telemetry.Journal)
		}
	default:
		return fmt.Errorf("telemetry.journal must be file, http or noop, got %q", c.Telemetry.Journal)
	}
	return nil
}

// ToChannel converts the section to channel settings.
func (c ChannelConfig) ToChannel() channel.Config {
	return channel.Config{
		BaseDelay:   c.BaseDelay.Duration,
		MaxDelay:    c.MaxDelay.Duration,
		MaxAttempts: c.MaxAttempts,
		RateLimit: ratelimit.Config{
			Limit:  c.RateLimitCount,
			Period: c.RateLimitWindow.Duration,
		},
		RateLimitDelay: c.RateLimitDelay.Duration,
		Heartbeat: heartbeat.Config{
			PingInterval:   c.PingInterval.Duration,
			MessageTimeout: c.MessageTimeout.Duration,
			CheckInterval:  c.CheckInterval.Duration,
		},
	}
}
