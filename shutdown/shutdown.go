package shutdown

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Common errors.
var (
	// ErrTimeout indicates shutdown did not complete within the timeout.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers failed during shutdown.
	ErrHandlerFailed = errors.New("one or more handlers failed")
)

// Phases used by the console. Lower phases stop first.
const (
	// PhaseIngress stops accepting requests.
	PhaseIngress = 10

	// PhaseOperations cancels and releases tracked operations.
	PhaseOperations = 20

	// PhaseTransport closes channels and the snapshot bus.
	PhaseTransport = 30

	// PhaseTelemetry flushes traces and the operation journal.
	PhaseTelemetry = 40
)

// Handler is implemented by components that need graceful shutdown. The
// context ends when the shutdown timeout is reached.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// Func adapts a function to Handler.
type Func func(ctx context.Context) error

// OnShutdown implements Handler.
func (f Func) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult contains the result of a single handler's shutdown.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result contains the complete shutdown result.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult

	// Err is nil if every handler succeeded.
	Err error
}

// Failed returns true if any handler failed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// handlerError reports which handlers failed while still matching
// ErrHandlerFailed.
type handlerError struct {
	names []string
}

func (e *handlerError) Error() string {
	return ErrHandlerFailed.Error() + ": " + strings.Join(e.names, ", ")
}

func (e *handlerError) Unwrap() error {
	return ErrHandlerFailed
}

// Config configures the shutdown coordinator.
type Config struct {
	// Timeout bounds a signal-triggered shutdown.
	// Default: 30 seconds
	Timeout time.Duration

	// DefaultPhase is assigned by Register.
	// Default: PhaseOperations
	DefaultPhase int

	// ContinueOnError runs later phases after a handler fails.
	// Default: true
	ContinueOnError bool
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		DefaultPhase:    PhaseOperations,
		ContinueOnError: true,
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
