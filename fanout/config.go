package fanout

import (
	"time"

	taskerr "github.com/vinayprograms/taskfeed/errors"
	"github.com/vinayprograms/taskfeed/logging"
	"github.com/vinayprograms/taskfeed/metrics"
	"github.com/vinayprograms/taskfeed/telemetry"
)

// Mode selects how event channels are opened for an operation.
type Mode string

const (
	// ModeShared opens one channel per operation, addressed by the first
	// created job. Events for every device arrive on it.
	ModeShared Mode = "shared"

	// ModePerDevice opens one channel per created job.
	ModePerDevice Mode = "per_device"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeShared || m == ModePerDevice
}

// Config configures a Coordinator.
type Config struct {
	// BatchSize is the number of job creations in flight at once.
	// Default: 5
	BatchSize int

	// Mode selects shared or per-device channels.
	// Default: ModeShared
	Mode Mode

	// SubjectPrefix is the bus subject prefix for snapshots.
	// Default: "taskfeed.operations"
	SubjectPrefix string

	// StopTimeout bounds each best-effort stop request after a cancel.
	// Default: 10 seconds
	StopTimeout time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     5,
		Mode:          ModeShared,
		SubjectPrefix: "taskfeed.operations",
		StopTimeout:   10 * time.Second,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return taskerr.InvalidInput("batch size must be positive")
	}
	if !c.Mode.Valid() {
		return taskerr.Newf(taskerr.ErrCodeInvalidInput, "unknown channel mode %q", c.Mode)
	}
	if c.SubjectPrefix == "" {
		return taskerr.InvalidInput("subject prefix is empty")
	}
	if c.StopTimeout <= 0 {
		return taskerr.InvalidInput("stop timeout must be positive")
	}
	return nil
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) {
		c.cfg = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r *metrics.Recorder) Option {
	return func(c *Coordinator) {
		c.metrics = r
	}
}

// WithTracer sets the tracer used for submission spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(c *Coordinator) {
		c.tracer = t
	}
}

// WithJournal sets the exporter that receives a summary of every settled
// operation.
func WithJournal(e telemetry.Exporter) Option {
	return func(c *Coordinator) {
		c.journal = e
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}
