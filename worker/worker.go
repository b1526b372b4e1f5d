// Package worker implements the consumer side of the communication core:
// a long-running receive loop that blocking-pops one service's queues,
// decodes each envelope, dispatches it to the handler registered for its
// action type and emits the follow-up the envelope asked for — nothing, an
// ActionResponse, or a callback Action.
//
// A Worker runs its loop on a single goroutine and treats each action as
// one unit of work. Competing-consumer semantics come from running several
// workers (in any process) against the same action queue: the broker's
// atomic blocking pop delivers each envelope to exactly one of them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nooble.dev/core/broker"
	"nooble.dev/core/client"
	"nooble.dev/core/envelope"
	"nooble.dev/core/handler"
	"nooble.dev/core/naming"
	"nooble.dev/core/telemetry"
)

const (
	// DefaultPopTimeout is the blocking-pop timeout of each loop
	// iteration. Short, so stop signals are observed promptly.
	DefaultPopTimeout = time.Second

	// DefaultResponseTTL is the TTL set on a response queue after pushing
	// a response, reclaiming queues whose waiter timed out.
	DefaultResponseTTL = 5 * time.Minute
)

// ErrorActionSuffix is appended to the callback action type when a
// handler under the callback pattern fails.
const ErrorActionSuffix = ".error"

type (
	// Worker drives the receive loop of one service.
	Worker struct {
		broker  broker.Broker
		namer   *naming.Namer
		service string

		handlers map[string]handler.Handler
		queues   []string
		emitter  handler.Emitter
		initFn   func(context.Context) error

		popTimeout  time.Duration
		responseTTL time.Duration
		backoff     Backoff

		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer

		initMu      sync.Mutex
		initialized atomic.Bool

		mu       sync.Mutex
		running  bool
		stopCh   chan struct{}
		stopOnce sync.Once

		inflight sync.WaitGroup
		cancelMu sync.Mutex
		hcancel  context.CancelFunc
	}

	// Option customizes a Worker.
	Option func(*Worker)
)

// WithClient injects the producer client handlers reach through
// ExecutionContext.Emitter to originate further actions.
func WithClient(c *client.Client) Option {
	return func(w *Worker) {
		if c != nil {
			w.emitter = c
		}
	}
}

// WithLogger sets the logger. Defaults to a no-op.
func WithLogger(l telemetry.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder. Defaults to a no-op.
func WithMetrics(m telemetry.Metrics) Option {
	return func(w *Worker) {
		if m != nil {
			w.metrics = m
		}
	}
}

// WithTracer sets the tracer. Defaults to a no-op.
func WithTracer(t telemetry.Tracer) Option {
	return func(w *Worker) {
		if t != nil {
			w.tracer = t
		}
	}
}

// WithPopTimeout sets the per-iteration blocking-pop timeout.
func WithPopTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.popTimeout = d
		}
	}
}

// WithResponseTTL sets the TTL applied to response queues after pushing.
func WithResponseTTL(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.responseTTL = d
		}
	}
}

// WithBackoff sets the transport failure backoff.
func WithBackoff(b Backoff) Option {
	return func(w *Worker) {
		if b.Initial > 0 && b.Max >= b.Initial && b.Multiplier >= 1 {
			w.backoff = b
		}
	}
}

// WithInit sets the one-shot initialization hook Run invokes before the
// first pop, for acquiring service-scoped resources. It runs at most once
// even under concurrent Run calls; a failure aborts Run and a later Run
// retries it.
func WithInit(fn func(context.Context) error) Option {
	return func(w *Worker) { w.initFn = fn }
}

// New returns a Worker consuming the action queue of the given service.
func New(b broker.Broker, n *naming.Namer, service string, opts ...Option) (*Worker, error) {
	if b == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if n == nil {
		return nil, fmt.Errorf("namer is required")
	}
	actionQueue, err := n.ActionQueue(service)
	if err != nil {
		return nil, err
	}
	w := &Worker{
		broker:      b,
		namer:       n,
		service:     service,
		handlers:    make(map[string]handler.Handler),
		queues:      []string{actionQueue},
		popTimeout:  DefaultPopTimeout,
		responseTTL: DefaultResponseTTL,
		backoff:     DefaultBackoff(),
		logger:      telemetry.NewNopLogger(),
		metrics:     telemetry.NewNopMetrics(),
		tracer:      telemetry.NewNopTracer(),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Register binds a handler to an action type. All registration happens
// before Run; duplicate or malformed types are rejected.
func (w *Worker) Register(actionType string, h handler.Handler) error {
	if h == nil {
		return fmt.Errorf("handler is nil")
	}
	if err := naming.ValidateActionType(actionType); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("cannot register %s: worker is running", actionType)
	}
	if _, dup := w.handlers[actionType]; dup {
		return fmt.Errorf("handler already registered for %s", actionType)
	}
	w.handlers[actionType] = h
	return nil
}

// RegisterFunc binds a plain function to an action type.
func (w *Worker) RegisterFunc(actionType string, fn handler.Func) error {
	if fn == nil {
		return fmt.Errorf("handler func is nil")
	}
	return w.Register(actionType, fn)
}

// Listen adds a queue to the blocking pop set, letting the worker consume
// queues beyond its action queue — typically the callback queues its
// service told other services about. Must be called before Run.
func (w *Worker) Listen(queue string) error {
	if queue == "" {
		return fmt.Errorf("queue is empty")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("cannot listen on %s: worker is running", queue)
	}
	for _, q := range w.queues {
		if q == queue {
			return fmt.Errorf("already listening on %s", queue)
		}
	}
	w.queues = append(w.queues, queue)
	return nil
}

// Initialized reports whether the init hook has completed.
func (w *Worker) Initialized() bool {
	return w.initialized.Load()
}

// Run initializes the worker and drives the receive loop until Stop is
// called or ctx is cancelled. One action is handled per iteration; pop
// timeouts keep the loop responsive to stop signals and transport errors
// are retried after a bounded backoff, never fatal. A Worker runs once:
// after Stop it cannot be restarted.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker already running")
	}
	w.running = true
	queues := make([]string, len(w.queues))
	copy(queues, w.queues)
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	if err := w.init(ctx); err != nil {
		return err
	}

	w.logger.Info(ctx, "worker started",
		"service", w.service, "queues", strings.Join(queues, ","))

	failures := 0
	for {
		select {
		case <-w.stopCh:
			w.logger.Info(ctx, "worker stopped", "service", w.service)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		queue, payload, err := w.broker.Pop(ctx, w.popTimeout, queues...)
		if err != nil {
			if errors.Is(err, broker.ErrEmpty) {
				failures = 0
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			delay := w.backoff.delay(failures)
			w.metrics.IncCounter("worker_transport_errors_total", 1, "service", w.service)
			w.logger.Error(ctx, "receive failed, backing off",
				"service", w.service, "backoff", delay.String(), "err", err)
			select {
			case <-time.After(delay):
			case <-w.stopCh:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		failures = 0
		w.handleMessage(ctx, queue, payload)
	}
}

// Stop signals the loop to exit, waits up to grace for the in-flight
// action to finish, then cancels it. An action cancelled this way emits
// nothing: a pseudo-sync caller observes its timeout and a callback
// caller observes no callback. Stop is idempotent and safe to call from
// any goroutine.
func (w *Worker) Stop(grace time.Duration) {
	w.stopOnce.Do(func() { close(w.stopCh) })
	if grace <= 0 {
		w.cancelInFlight()
		return
	}
	done := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		w.cancelInFlight()
	}
}

// init runs the one-shot initialization hook. The guard is the only
// transport-level lock the worker takes across iterations.
func (w *Worker) init(ctx context.Context) error {
	w.initMu.Lock()
	defer w.initMu.Unlock()
	if w.initialized.Load() {
		return nil
	}
	if w.initFn != nil {
		if err := w.initFn(ctx); err != nil {
			return fmt.Errorf("initialize worker: %w", err)
		}
	}
	w.initialized.Store(true)
	return nil
}

// handleMessage decodes one popped payload and dispatches it. Malformed
// envelopes are logged and discarded without a reply: their callback
// fields cannot be trusted.
func (w *Worker) handleMessage(ctx context.Context, queue string, payload []byte) {
	w.metrics.IncCounter("worker_actions_received_total", 1, "service", w.service)
	action, err := envelope.UnmarshalAction(payload)
	if err != nil {
		w.metrics.IncCounter("worker_envelopes_malformed_total", 1, "service", w.service)
		w.logger.Error(ctx, "discarding malformed envelope",
			"service", w.service, "queue", queue, "err", err)
		return
	}
	w.dispatch(ctx, action)
}

// dispatch invokes the handler for one action and emits the follow-up its
// intent asks for.
func (w *Worker) dispatch(ctx context.Context, action *envelope.Action) {
	intent := action.Intent()
	ctx, span := w.tracer.Start(ctx, "core.worker.dispatch", trace.WithAttributes(
		attribute.String("action.id", action.ID),
		attribute.String("action.type", action.Type),
		attribute.String("action.intent", intent.String()),
	))
	defer span.End()
	start := time.Now()

	hctx, cancel := context.WithCancel(ctx)
	w.setInFlightCancel(cancel)
	w.inflight.Add(1)
	result, err := w.invoke(hctx, action)
	w.inflight.Done()
	w.setInFlightCancel(nil)
	abandoned := hctx.Err() != nil && err != nil
	cancel()

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	w.metrics.RecordTimer("worker_handler_duration_seconds", time.Since(start),
		"action_type", action.Type, "outcome", outcome)

	if abandoned {
		// Cancelled by shutdown or by Run's context going away. The
		// caller observes a timeout (pattern 2) or no callback (pattern 3).
		w.logger.Warn(ctx, "action abandoned",
			"action_id", action.ID, "action_type", action.Type)
		span.SetStatus(codes.Error, "abandoned")
		return
	}
	if err != nil {
		w.metrics.IncCounter("worker_actions_failed_total", 1,
			"action_type", action.Type, "intent", intent.String())
		w.logger.Error(ctx, "handler failed",
			"action_id", action.ID, "action_type", action.Type,
			"intent", intent.String(), "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
	}

	switch intent {
	case envelope.IntentFireAndForget:
		// Nothing to emit; failures were logged above.
	case envelope.IntentPseudoSync:
		w.respond(ctx, action, result, err)
	case envelope.IntentCallback:
		w.callback(ctx, action, result, err)
	}
}

// invoke looks up and runs the handler, converting a missing registration
// into an Unsupported failure and a panic into an Internal one.
func (w *Worker) invoke(ctx context.Context, action *envelope.Action) (result any, err error) {
	h, ok := w.handlers[action.Type]
	if !ok {
		return nil, envelope.NewErrorf(envelope.ErrorUnsupported,
			"no handler registered for action type %q", action.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error(ctx, "handler panicked",
				"action_id", action.ID, "action_type", action.Type,
				"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = envelope.NewErrorf(envelope.ErrorInternal, "handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, action, w.executionContext(action))
}

// executionContext derives the read-only view handed to handlers.
func (w *Worker) executionContext(action *envelope.Action) *handler.ExecutionContext {
	tier, _ := action.Metadata["tenant_tier"].(string)
	return &handler.ExecutionContext{
		Service:       w.service,
		ActionID:      action.ID,
		TenantID:      action.TenantID,
		UserID:        action.UserID,
		SessionID:     action.SessionID,
		TenantTier:    tier,
		TraceID:       action.TraceID,
		CorrelationID: action.CorrelationID,
		Emitter:       w.emitter,
		Logger:        w.logger,
	}
}

// respond emits the pseudo-sync reply to the envelope's callback queue
// and arms the queue's TTL so an orphaned queue is reclaimed.
func (w *Worker) respond(ctx context.Context, action *envelope.Action, result any, herr error) {
	var response *envelope.ActionResponse
	if herr != nil {
		response = envelope.NewErrorResponse(action, herr)
	} else {
		r, err := envelope.NewResponse(action, result)
		if err != nil {
			response = envelope.NewErrorResponse(action,
				envelope.WrapError(envelope.ErrorInternal, err, "encode handler result"))
		} else {
			response = r
		}
	}
	payload, err := envelope.MarshalResponse(response)
	if err != nil {
		w.logger.Error(ctx, "drop unencodable response",
			"action_id", action.ID, "queue", action.CallbackQueue, "err", err)
		return
	}
	if err := w.broker.Push(ctx, action.CallbackQueue, payload); err != nil {
		w.logger.Error(ctx, "push response",
			"action_id", action.ID, "queue", action.CallbackQueue, "err", err)
		return
	}
	if err := w.broker.Expire(ctx, action.CallbackQueue, w.responseTTL); err != nil {
		w.logger.Warn(ctx, "arm response queue ttl",
			"queue", action.CallbackQueue, "err", err)
	}
	w.metrics.IncCounter("worker_responses_emitted_total", 1,
		"action_type", action.Type, "success", fmt.Sprint(response.Success))
}

// callback emits the follow-up Action of the callback pattern: the
// callback type verbatim on success, the ".error" variant carrying
// {error, original_action_id} on failure.
func (w *Worker) callback(ctx context.Context, action *envelope.Action, result any, herr error) {
	cb, err := w.callbackAction(action, result, herr)
	if err != nil {
		w.logger.Error(ctx, "build callback action",
			"action_id", action.ID, "callback_action_type", action.CallbackType, "err", err)
		return
	}
	payload, err := envelope.MarshalAction(cb)
	if err != nil {
		w.logger.Error(ctx, "drop unencodable callback",
			"action_id", action.ID, "queue", action.CallbackQueue, "err", err)
		return
	}
	if err := w.broker.Push(ctx, action.CallbackQueue, payload); err != nil {
		w.logger.Error(ctx, "push callback",
			"action_id", action.ID, "queue", action.CallbackQueue, "err", err)
		return
	}
	w.metrics.IncCounter("worker_callbacks_emitted_total", 1,
		"callback_action_type", cb.Type, "success", fmt.Sprint(herr == nil))
}

// callbackAction builds the follow-up envelope, propagating the exchange's
// correlation, trace, business identifiers and metadata. The callback's
// own callback fields stay empty: callbacks are fire-and-forget.
func (w *Worker) callbackAction(action *envelope.Action, result any, herr error) (*envelope.Action, error) {
	opts := []envelope.ActionOption{
		envelope.WithCorrelationID(action.CorrelationID),
		envelope.WithTraceID(action.TraceID),
		envelope.WithTenant(action.TenantID),
		envelope.WithUser(action.UserID),
		envelope.WithSession(action.SessionID),
		envelope.WithMetadata(action.Metadata),
	}
	actionType := action.CallbackType
	data := result
	if herr != nil {
		actionType += ErrorActionSuffix
		data = map[string]any{
			"error":              envelope.Classify(herr),
			"original_action_id": action.ID,
		}
	}
	cb, err := envelope.NewAction(actionType, data, opts...)
	if err != nil {
		return nil, err
	}
	if err := cb.SetOrigin(w.service); err != nil {
		return nil, err
	}
	return cb, nil
}

func (w *Worker) setInFlightCancel(cancel context.CancelFunc) {
	w.cancelMu.Lock()
	w.hcancel = cancel
	w.cancelMu.Unlock()
}

func (w *Worker) cancelInFlight() {
	w.cancelMu.Lock()
	if w.hcancel != nil {
		w.hcancel()
	}
	w.cancelMu.Unlock()
}
