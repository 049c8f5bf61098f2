// Package telemetry provides OpenTelemetry tracing for lifecycle hooks,
// fleet operations and error boundary scopes.
//
// Spans are created through the global otel tracer provider; hosts that do
// not configure one get no-op spans.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with lifecycle-specific helpers.
type Tracer struct {
	tracer trace.Tracer
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

// NewTracer creates a new tracer with the given instrumentation name.
func NewTracer(name string) *Tracer {
	return &Tracer{tracer: otel.Tracer(name)}
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Lifecycle Spans ---

// StartHookSpan starts a span around a lifecycle hook ("start", "shutdown").
func (t *Tracer) StartHookSpan(ctx context.Context, hook, role string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "lifecycle."+hook, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("lifecycle.hook", hook),
		attribute.String("lifecycle.role", role),
	)
	return ctx, span
}

// HookSpanOptions contains the outcome recorded on a hook span.
type HookSpanOptions struct {
	ExitCode int
	Forced   bool
}

// EndHookSpan ends a hook span with its outcome.
func (t *Tracer) EndHookSpan(span trace.Span, opts HookSpanOptions, err error) {
	span.SetAttributes(
		attribute.Int("lifecycle.exit_code", opts.ExitCode),
		attribute.Bool("lifecycle.forced", opts.Forced),
	)
	end(span, err)
}

// --- Fleet Spans ---

// StartWorkerSpan starts a span for a fleet operation on one worker
// ("spawn", "disconnect", "destroy").
func (t *Tracer) StartWorkerSpan(ctx context.Context, op string, workerID int) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "fleet."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.Int("fleet.worker_id", workerID))
	return ctx, span
}

// EndWorkerSpan ends a worker span.
func (t *Tracer) EndWorkerSpan(span trace.Span, pid int, err error) {
	if pid > 0 {
		span.SetAttributes(attribute.Int("fleet.pid", pid))
	}
	end(span, err)
}

// --- Boundary Spans ---

// StartScopeSpan starts a span covering one unit of work.
func (t *Tracer) StartScopeSpan(ctx context.Context, scopeID string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "boundary.scope", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("boundary.scope_id", scopeID))
	return ctx, span
}

// RecordFailure records a captured failure on the span in ctx without
// ending it.
func RecordFailure(ctx context.Context, err error, path string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err, trace.WithAttributes(attribute.String("boundary.path", path)))
	span.SetStatus(codes.Error, err.Error())
}

func end(span trace.Span, err error) {
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
