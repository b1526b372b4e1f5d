// Package telemetry defines the observability seams of the communication
// core. The client and worker log, count and trace through these small
// interfaces; hosts plug in the Clue/OTEL implementations from this
// package or their own. Everything defaults to no-ops so the core imposes
// no observability stack on the services that link it.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured log records. Keyvals are alternating
	// key/value pairs; keys must be strings.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters and timers. Tags are alternating key/value
	// pairs of metric dimensions.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	// Tracer starts spans around transport operations.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	}

	// Span is the handle returned by Tracer.Start.
	Span interface {
		End(opts ...trace.SpanEndOption)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)
