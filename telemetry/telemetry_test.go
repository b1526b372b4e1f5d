package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/codes"
)

func TestNopImplementationsAreInert(t *testing.T) {
	ctx := context.Background()

	l := NewNopLogger()
	l.Debug(ctx, "msg", "k", "v")
	l.Info(ctx, "msg")
	l.Warn(ctx, "msg", "k")
	l.Error(ctx, "msg", "err", errors.New("boom"))

	m := NewNopMetrics()
	m.IncCounter("c", 1, "k", "v")
	m.RecordTimer("t", time.Second)

	tr := NewNopTracer()
	spanCtx, span := tr.Start(ctx, "op")
	assert.Equal(t, ctx, spanCtx, "nop tracer does not derive contexts")
	span.RecordError(errors.New("boom"))
	span.SetStatus(codes.Error, "failed")
	span.End()
}

func TestFielders(t *testing.T) {
	fs := fielders("sent", []any{"action_id", "a1", 42, "skipped", "dangling"})

	// Message first, then string-keyed pairs; non-string keys are
	// dropped and a dangling key pairs with nil.
	assert.Len(t, fs, 3)
}

func TestTagAttrs(t *testing.T) {
	attrs := tagAttrs([]string{"pattern", "pseudo_sync", "action_type", "a.b", "dangling"})
	assert.Len(t, attrs, 2)
	assert.Equal(t, "pattern", string(attrs[0].Key))
	assert.Equal(t, "pseudo_sync", attrs[0].Value.AsString())
}
