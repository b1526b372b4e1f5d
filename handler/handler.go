// Package handler defines the contract between the consumer worker and
// user code: the Handler interface invoked once per action, the
// ExecutionContext derived from each envelope, and the conventional
// handler shapes — schema-validated stateless handlers and context-bearing
// handlers that read-modify-write state in the broker.
//
// Input validation of action data belongs in handlers, never in the
// transport. A handler's returned value becomes the response or callback
// payload; a returned error is classified into the platform taxonomy and
// reported to the caller according to the action's intent.
package handler

import (
	"context"

	"nooble.dev/core/envelope"
	"nooble.dev/core/telemetry"
)

type (
	// Handler is user code invoked by the worker for one action type.
	// The returned value, when non-nil, must be JSON-marshalable.
	Handler interface {
		Handle(ctx context.Context, action *envelope.Action, ec *ExecutionContext) (any, error)
	}

	// Func adapts an ordinary function to the Handler interface.
	Func func(ctx context.Context, action *envelope.Action, ec *ExecutionContext) (any, error)

	// ExecutionContext is the read-only companion the worker derives from
	// each dispatched action: the business identifiers of the envelope
	// plus the service-scoped resources handlers need.
	ExecutionContext struct {
		// Service is the name of the consuming service.
		Service string
		// ActionID identifies the action being handled.
		ActionID string
		// TenantID, UserID and SessionID echo the envelope.
		TenantID  string
		UserID    string
		SessionID string
		// TenantTier is the tenant's service tier, read from the
		// envelope's "tenant_tier" metadata entry when present.
		TenantTier string
		// TraceID identifies the flow this action belongs to.
		TraceID string
		// CorrelationID identifies the exchange, when the pattern has one.
		CorrelationID string
		// Emitter originates further fire-and-forget actions from inside
		// a handler. Nil when the worker was built without a producer
		// client.
		Emitter Emitter
		// Logger is the worker's logger. Never nil.
		Logger telemetry.Logger
	}

	// Emitter is the slice of the producer client available to handlers
	// that fan incoming actions out into further ones. The worker's own
	// response and callback emission is automatic and separate.
	Emitter interface {
		Send(ctx context.Context, action *envelope.Action) error
	}
)

// Handle implements Handler.
func (f Func) Handle(ctx context.Context, action *envelope.Action, ec *ExecutionContext) (any, error) {
	return f(ctx, action, ec)
}
