package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	nopLogger  struct{}
	nopMetrics struct{}
	nopTracer  struct{}
	nopSpan    struct{}
)

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() Logger { return nopLogger{} }

// NewNopMetrics returns a Metrics recorder that discards everything.
func NewNopMetrics() Metrics { return nopMetrics{} }

// NewNopTracer returns a Tracer that produces inert spans.
func NewNopTracer() Tracer { return nopTracer{} }

func (nopLogger) Debug(context.Context, string, ...any) {}
func (nopLogger) Info(context.Context, string, ...any) {}
func (nopLogger) Warn(context.Context, string, ...any) {}
func (nopLogger) Error(context.Context, string, ...any) {}

func (nopMetrics) IncCounter(string, float64, ...string) {}
func (nopMetrics) RecordTimer(string, time.Duration, ...string) {}

func (nopTracer) Start(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, Span) {
	return ctx, nopSpan{}
}

func (nopSpan) End(...trace.SpanEndOption) {}
func (nopSpan) SetStatus(codes.Code, string) {}
func (nopSpan) RecordError(error, ...trace.EventOption) {}
