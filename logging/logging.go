// Package logging provides the component logger used across taskfeed.
// It keeps a small field-map API on top of logrus so packages never
// import logrus directly.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Format selects the output encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Logger writes structured entries tagged with a component and, optionally,
// an operation and channel.
type Logger struct {
	base  *logrus.Logger
	entry *logrus.Entry
}

// New creates a Logger writing text to stdout at INFO.
func New() *Logger {
	base := logrus.New()
	base.SetOutput(os.Stdout)
	base.SetLevel(logrus.InfoLevel)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	return &Logger{base: base, entry: logrus.NewEntry(base)}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	l := New()
	l.base.SetOutput(io.Discard)
	return l
}

// ParseLevel converts a config string to a Level. Unknown strings map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l *Logger) with(key string, value interface{}) *Logger {
	return &Logger{base: l.base, entry: l.entry.WithField(key, value)}
}

// WithComponent returns a logger tagged with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return l.with("component", component)
}

// WithOperation returns a logger tagged with an operation id.
func (l *Logger) WithOperation(operationID string) *Logger {
	return l.with("operation", operationID)
}

// WithChannel returns a logger tagged with a channel id.
func (l *Logger) WithChannel(channelID string) *Logger {
	return l.with("channel", channelID)
}

// SetLevel sets the minimum log level. Derived loggers share it.
func (l *Logger) SetLevel(level Level) {
	switch level {
	case LevelDebug:
		l.base.SetLevel(logrus.DebugLevel)
	case LevelWarn:
		l.base.SetLevel(logrus.WarnLevel)
	case LevelError:
		l.base.SetLevel(logrus.ErrorLevel)
	default:
		l.base.SetLevel(logrus.InfoLevel)
	}
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.base.SetOutput(w)
}

// SetFormat switches between text and JSON output.
func (l *Logger) SetFormat(f Format) {
	if f == FormatJSON {
		l.base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
		return
	}
	l.base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.withFields(fields).Debug(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.withFields(fields).Info(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.withFields(fields).Warn(msg)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.withFields(fields).Error(msg)
}

func (l *Logger) withFields(fields []map[string]interface{}) *logrus.Entry {
	if len(fields) == 0 || fields[0] == nil {
		return l.entry
	}
	return l.entry.WithFields(logrus.Fields(fields[0]))
}

// --- Event logging methods ---

// ChannelOpened logs a successful stream connection.
func (l *Logger) ChannelOpened(endpoint string, attempt int) {
	l.Info("channel_opened", map[string]interface{}{
		"endpoint": endpoint,
		"attempt":  attempt,
	})
}

// ChannelClosed logs a stream closure with its close code.
func (l *Logger) ChannelClosed(code int, reason string, abnormal bool) {
	fields := map[string]interface{}{
		"code":   code,
		"reason": reason,
	}
	if abnormal {
		l.Warn("channel_dropped", fields)
	} else {
		l.Info("channel_closed", fields)
	}
}

// ReconnectScheduled logs the next reconnect attempt.
func (l *Logger) ReconnectScheduled(attempt int, delay time.Duration, rateLimited bool) {
	l.Info("reconnect_scheduled", map[string]interface{}{
		"attempt":      attempt,
		"delay":        delay.String(),
		"rate_limited": rateLimited,
	})
}

// ChannelStale logs a heartbeat timeout.
func (l *Logger) ChannelStale(silence time.Duration) {
	l.Warn("channel_stale", map[string]interface{}{
		"silence": silence.String(),
	})
}

// ChannelFailed logs a channel that gave up reconnecting.
func (l *Logger) ChannelFailed(attempts int) {
	l.Error("channel_failed", map[string]interface{}{
		"attempts": attempts,
	})
}

// FrameDropped logs an inbound frame that could not be used.
func (l *Logger) FrameDropped(reason string, err error) {
	fields := map[string]interface{}{"reason": reason}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Debug("frame_dropped", fields)
}

// JobSubmitted logs the result of one job creation request.
func (l *Logger) JobSubmitted(deviceID, jobID string, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"device":   deviceID,
		"duration": duration.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("job_rejected", fields)
		return
	}
	fields["job"] = jobID
	l.Debug("job_submitted", fields)
}

// JobTransition logs a job state change.
func (l *Logger) JobTransition(deviceID, from, to string) {
	l.Debug("job_transition", map[string]interface{}{
		"device": deviceID,
		"from":   from,
		"to":     to,
	})
}

// OperationSettled logs an operation reaching a terminal aggregate.
func (l *Logger) OperationSettled(state string, duration time.Duration) {
	l.Info("operation_settled", map[string]interface{}{
		"state":    state,
		"duration": duration.String(),
	})
}
