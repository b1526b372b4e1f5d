package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

// instrumentation is the OTEL instrumentation scope of the core.
const instrumentation = "nooble.dev/core"

type (
	// ClueLogger delegates to goa.design/clue/log. Formatting and debug
	// settings come from the context, set by the host binary via
	// log.Context with log.WithFormat and log.WithDebug.
	ClueLogger struct{}

	// OTELMetrics records through the global OTEL MeterProvider.
	OTELMetrics struct {
		meter metric.Meter
	}

	// OTELTracer starts spans through the global OTEL TracerProvider.
	OTELTracer struct {
		tracer trace.Tracer
	}

	otelSpan struct {
		span trace.Span
	}
)

// NewClueLogger returns a Logger backed by goa.design/clue/log.
func NewClueLogger() Logger {
	return ClueLogger{}
}

// NewOTELMetrics returns a Metrics recorder backed by the global OTEL
// MeterProvider. Configure the provider before the core records anything,
// typically via clue.ConfigureOpenTelemetry in the host binary.
func NewOTELMetrics() Metrics {
	return &OTELMetrics{meter: otel.Meter(instrumentation)}
}

// NewOTELTracer returns a Tracer backed by the global OTEL TracerProvider.
func NewOTELTracer() Tracer {
	return &OTELTracer{tracer: otel.Tracer(instrumentation)}
}

// Debug emits a debug-level record; suppressed unless the context enables
// debug logging.
func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fielders(msg, keyvals)...)
}

// Info emits an info-level record.
func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fielders(msg, keyvals)...)
}

// Warn emits a warn-level record.
func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, fielders(msg, keyvals)...)
}

// Error emits an error-level record.
func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, fielders(msg, keyvals)...)
}

func (m *OTELMetrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

func (m *OTELMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagAttrs(tags)...))
}

// Start opens a span and returns the derived context and span handle.
func (t *OTELTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	newCtx, span := t.tracer.Start(ctx, name, opts...)
	return newCtx, &otelSpan{span: span}
}

func (s *otelSpan) End(opts ...trace.SpanEndOption) {
	s.span.End(opts...)
}

func (s *otelSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

func (s *otelSpan) RecordError(err error, opts ...trace.EventOption) {
	s.span.RecordError(err, opts...)
}

// fielders converts a message and alternating key/value pairs into Clue
// fielders. Non-string keys are skipped; a trailing key without a value is
// paired with nil.
func fielders(msg string, keyvals []any) []log.Fielder {
	fs := make([]log.Fielder, 0, 1+len(keyvals)/2)
	fs = append(fs, log.KV{K: "msg", V: msg})
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		fs = append(fs, log.KV{K: k, V: v})
	}
	return fs
}

// tagAttrs converts alternating tag key/value strings into OTEL attributes.
func tagAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		attrs = append(attrs, attribute.String(tags[i], tags[i+1]))
	}
	return attrs
}
