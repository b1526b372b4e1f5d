// Package client implements the producer side of the communication core.
// A Client sends actions under the three platform patterns: fire-and-
// forget (Send), pseudo-synchronous request/response (Call) and
// asynchronous callback (SendWithCallback). It owns correlation ids and
// the response-queue lifecycle for pseudo-sync exchanges.
//
// A Client holds no per-call state and is safe for concurrent use. It
// never retries: retries and their idempotency strategy belong to the
// caller.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nooble.dev/core/broker"
	"nooble.dev/core/envelope"
	"nooble.dev/core/naming"
	"nooble.dev/core/telemetry"
)

// DefaultCallTimeout bounds Call when the caller passes a non-positive
// timeout.
const DefaultCallTimeout = 30 * time.Second

type (
	// Client produces actions on behalf of one service.
	Client struct {
		broker      broker.Broker
		namer       *naming.Namer
		service     string
		callTimeout time.Duration
		logger      telemetry.Logger
		metrics     telemetry.Metrics
		tracer      telemetry.Tracer
	}

	// Option customizes a Client.
	Option func(*Client)
)

// WithLogger sets the logger. Defaults to a no-op.
func WithLogger(l telemetry.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder. Defaults to a no-op.
func WithMetrics(m telemetry.Metrics) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTracer sets the tracer. Defaults to a no-op.
func WithTracer(t telemetry.Tracer) Option {
	return func(c *Client) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithCallTimeout sets the default Call timeout used when the caller
// passes a non-positive one.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// New returns a Client producing actions as the given service.
func New(b broker.Broker, n *naming.Namer, service string, opts ...Option) (*Client, error) {
	if b == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if n == nil {
		return nil, fmt.Errorf("namer is required")
	}
	if err := naming.ValidateSegment("service", service); err != nil {
		return nil, err
	}
	c := &Client{
		broker:      b,
		namer:       n,
		service:     service,
		callTimeout: DefaultCallTimeout,
		logger:      telemetry.NewNopLogger(),
		metrics:     telemetry.NewNopMetrics(),
		tracer:      telemetry.NewNopTracer(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Service returns the producing service name stamped on outgoing actions.
func (c *Client) Service() string { return c.service }

// Send pushes the action to its target service's action queue and
// returns: fire-and-forget. The target is the leading segment of the
// action type. Broker failures surface as Transport-classified errors.
func (c *Client) Send(ctx context.Context, action *envelope.Action) error {
	ctx, span := c.tracer.Start(ctx, "core.client.send")
	defer span.End()

	queue, err := c.push(ctx, action)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return err
	}
	c.metrics.IncCounter("client_actions_sent_total", 1,
		"pattern", envelope.IntentFireAndForget.String(), "action_type", action.Type)
	c.logger.Debug(ctx, "action sent",
		"action_id", action.ID, "action_type", action.Type, "queue", queue)
	return nil
}

// Call pushes the action and blocks for its response: the pseudo-
// synchronous pattern. A correlation id is generated when the action has
// none; the response queue is derived from (service, action type,
// correlation id) and written into the envelope's callback queue field,
// with the callback type left empty — that pairing is the wire signal
// that the responder must reply with an ActionResponse.
//
// Call always returns an ActionResponse for transport-level outcomes:
// timeouts, broker failures, malformed or mis-correlated responses are
// synthesized into failed responses rather than errors. A returned
// response with Success=false is a business outcome, not a transport one.
// The error return is reserved for programmer mistakes (nil or invalid
// action, envelope construction failures).
func (c *Client) Call(ctx context.Context, action *envelope.Action, timeout time.Duration) (*envelope.ActionResponse, error) {
	if action == nil {
		return nil, envelope.NewError(envelope.ErrorValidation, "action is nil")
	}
	if timeout <= 0 {
		timeout = c.callTimeout
	}

	ctx, span := c.tracer.Start(ctx, "core.client.call",
		trace.WithAttributes(attribute.String("action.type", action.Type)))
	defer span.End()
	start := time.Now()

	if action.CorrelationID == "" {
		action.CorrelationID = uuid.New().String()
	}
	responseQueue, err := c.namer.ResponseQueue(c.service, action.Type, action.CorrelationID)
	if err != nil {
		return nil, envelope.WrapError(envelope.ErrorValidation, err, "derive response queue")
	}
	action.CallbackQueue = responseQueue
	action.CallbackType = ""

	if _, err := c.push(ctx, action); err != nil {
		if !envelope.IsType(err, envelope.ErrorTransport) {
			return nil, err
		}
		return c.synthesize(ctx, span, action, envelope.ErrorTransport, "push request", err), nil
	}

	queue, payload, err := c.broker.Pop(ctx, timeout, responseQueue)
	switch {
	case errors.Is(err, broker.ErrEmpty):
		return c.synthesize(ctx, span, action, envelope.ErrorTimeout,
			fmt.Sprintf("no response within %s", timeout), nil), nil
	case errors.Is(err, context.DeadlineExceeded):
		return c.synthesize(ctx, span, action, envelope.ErrorTimeout, "wait aborted by deadline", err), nil
	case err != nil:
		return c.synthesize(ctx, span, action, envelope.ErrorTransport, "pop response", err), nil
	}

	response, err := envelope.UnmarshalResponse(payload)
	if err != nil {
		return c.synthesize(ctx, span, action, envelope.ErrorValidation, "malformed response discarded", err), nil
	}
	if response.CorrelationID != action.CorrelationID {
		return c.synthesize(ctx, span, action, envelope.ErrorValidation,
			fmt.Sprintf("response correlation_id %q does not match request", response.CorrelationID), nil), nil
	}

	c.metrics.IncCounter("client_actions_sent_total", 1,
		"pattern", envelope.IntentPseudoSync.String(), "action_type", action.Type)
	c.metrics.RecordTimer("client_call_duration_seconds", time.Since(start),
		"action_type", action.Type)
	c.logger.Debug(ctx, "call completed",
		"action_id", action.ID, "action_type", action.Type,
		"queue", queue, "success", response.Success)
	return response, nil
}

// SendWithCallback pushes the action and returns, registering a callback
// destination inside the envelope: the asynchronous callback pattern. The
// callback queue is derived from (service, event, contextID) and both
// callback fields are set — their joint presence is the wire signal that
// the responder must emit a new Action of the callback type when done. A
// correlation id is generated when the action has none, so the eventual
// callback can be tied back to this exchange.
func (c *Client) SendWithCallback(ctx context.Context, action *envelope.Action, event, callbackType, contextID string) error {
	if action == nil {
		return envelope.NewError(envelope.ErrorValidation, "action is nil")
	}
	ctx, span := c.tracer.Start(ctx, "core.client.send_with_callback",
		trace.WithAttributes(attribute.String("action.type", action.Type)))
	defer span.End()

	callbackQueue, err := c.namer.CallbackQueue(c.service, event, contextID)
	if err != nil {
		return envelope.WrapError(envelope.ErrorValidation, err, "derive callback queue")
	}
	if err := naming.ValidateActionType(callbackType); err != nil {
		return envelope.WrapError(envelope.ErrorValidation, err, "callback action type")
	}
	if action.CorrelationID == "" {
		action.CorrelationID = uuid.New().String()
	}
	action.CallbackQueue = callbackQueue
	action.CallbackType = callbackType

	queue, err := c.push(ctx, action)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return err
	}
	c.metrics.IncCounter("client_actions_sent_total", 1,
		"pattern", envelope.IntentCallback.String(), "action_type", action.Type)
	c.logger.Debug(ctx, "action sent with callback",
		"action_id", action.ID, "action_type", action.Type,
		"queue", queue, "callback_queue", callbackQueue, "callback_action_type", callbackType)
	return nil
}

// push stamps the origin, validates, routes and pushes the action,
// returning the destination queue.
func (c *Client) push(ctx context.Context, action *envelope.Action) (string, error) {
	if action == nil {
		return "", envelope.NewError(envelope.ErrorValidation, "action is nil")
	}
	if err := action.SetOrigin(c.service); err != nil {
		return "", err
	}
	if err := action.Validate(); err != nil {
		return "", err
	}
	target, err := naming.ServiceFor(action.Type)
	if err != nil {
		return "", envelope.WrapError(envelope.ErrorValidation, err, "route action")
	}
	queue, err := c.namer.ActionQueue(target)
	if err != nil {
		return "", envelope.WrapError(envelope.ErrorValidation, err, "derive action queue")
	}
	payload, err := envelope.MarshalAction(action)
	if err != nil {
		return "", fmt.Errorf("encode action %s: %w", action.ID, err)
	}
	if err := c.broker.Push(ctx, queue, payload); err != nil {
		return "", fmt.Errorf("push action %s: %w", action.ID, err)
	}
	return queue, nil
}

// synthesize builds the locally synthesized failure response of the
// pseudo-sync pattern and records it in telemetry.
func (c *Client) synthesize(ctx context.Context, span telemetry.Span, action *envelope.Action, t envelope.ErrorType, message string, cause error) *envelope.ActionResponse {
	err := envelope.WrapError(t, cause, message)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(t))
	c.metrics.IncCounter("client_calls_failed_total", 1,
		"action_type", action.Type, "error_type", string(t))
	c.logger.Warn(ctx, "call failed locally",
		"action_id", action.ID, "action_type", action.Type,
		"error_type", string(t), "err", err)
	return envelope.NewErrorResponse(action, err)
}
