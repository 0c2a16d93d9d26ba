// OpenTelemetry tracing for fan-out operations.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with operation-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include request params in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a new tracer with the given name.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFrom creates a tracer from an explicit provider.
func NewTracerFrom(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{
		tracer: tp.Tracer(name),
		debug:  debug,
	}
}

// SetDebug enables or disables debug mode.
func (t *Tracer) SetDebug(debug bool) {
	t.debug = debug
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Submit Spans ---

// SubmitSpanOptions describes a finished fan-out submission.
type SubmitSpanOptions struct {
	Devices   int
	Created   int
	Rejected  int
	Aggregate string
}

// StartSubmitSpan starts the root span of a fan-out submission.
func (t *Tracer) StartSubmitSpan(ctx context.Context, operationID, action string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "operation.submit", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("operation.id", operationID),
		attribute.String("operation.action", action),
	)
	return ctx, span
}

// EndSubmitSpan ends a submit span with attributes.
func (t *Tracer) EndSubmitSpan(span trace.Span, opts SubmitSpanOptions, err error) {
	span.SetAttributes(
		attribute.Int("operation.devices", opts.Devices),
		attribute.Int("operation.jobs.created", opts.Created),
		attribute.Int("operation.jobs.rejected", opts.Rejected),
	)
	if opts.Aggregate != "" {
		span.SetAttributes(attribute.String("operation.aggregate", opts.Aggregate))
	}
	endSpan(span, err)
}

// --- Job Spans ---

// JobSpanOptions describes one job creation request.
type JobSpanOptions struct {
	JobID  string
	Params map[string]interface{} // Only included if debug=true
}

// StartJobSpan starts a client span for creating one device job.
func (t *Tracer) StartJobSpan(ctx context.Context, deviceID string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "job.create", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("job.device", deviceID))
	return ctx, span
}

// EndJobSpan ends a job span with attributes.
func (t *Tracer) EndJobSpan(span trace.Span, opts JobSpanOptions, err error) {
	if opts.JobID != "" {
		span.SetAttributes(attribute.String("job.id", opts.JobID))
	}
	if t.debug {
		for k, v := range opts.Params {
			span.SetAttributes(attribute.String("job.param."+k, truncateAny(v, 500)))
		}
	}
	endSpan(span, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// InjectHTTP writes the trace context into request headers.
func InjectHTTP(ctx context.Context, h http.Header) {
	InjectContext(ctx, propagation.HeaderCarrier(h))
}

// ExtractHTTP reads the trace context from request headers.
func ExtractHTTP(ctx context.Context, h http.Header) context.Context {
	return ExtractContext(ctx, propagation.HeaderCarrier(h))
}

// MapCarrier is a simple map-based TextMapCarrier for context propagation.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// --- Helpers ---

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func truncateAny(v interface{}, maxLen int) string {
	switch val := v.(type) {
	case string:
		return truncate(val, maxLen)
	case fmt.Stringer:
		return truncate(val.String(), maxLen)
	default:
		return truncate(fmt.Sprint(v), maxLen)
	}
}
