// Package telemetry provides the logging, metrics, and tracing seams used by
// the confirmation workflow. Implementations delegate to Clue and
// OpenTelemetry; the interfaces stay small so tests can use the no-op
// implementations without any provider setup.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used by the coordinator.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and timer helpers for workflow instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
}

// Tracer abstracts span creation so workflow code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
}

// Span is an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}
