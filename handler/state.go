package handler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"nooble.dev/core/broker"
	"nooble.dev/core/envelope"
)

type (
	// StateStore persists context objects between handler invocations.
	// broker.Broker satisfies it, so the transport connection doubles as
	// the state store; a handler family that measures contention can pass
	// a dedicated broker instead. Get must return an error matching
	// broker.ErrNotFound when the key is absent.
	StateStore interface {
		Get(ctx context.Context, key string) ([]byte, error)
		Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
		Delete(ctx context.Context, key string) error
	}

	// State is the context-bearing handler shape: each invocation loads
	// the state object stored under a handler-computed key, applies user
	// logic, and persists the result. The state object is owned by the
	// handler family, not by the transport, and the transport provides no
	// locking: two invocations on the same key race unless the family
	// adds its own discipline.
	State[S any] struct {
		// Store persists the state. Required.
		Store StateStore
		// Key derives the storage key from the incoming action. Required.
		Key func(action *envelope.Action) (string, error)
		// Init produces the initial state when the store has no entry.
		// Optional; defaults to the zero value of S.
		Init func() *S
		// TTL bounds the stored state's lifetime. Zero persists without
		// expiry.
		TTL time.Duration
		// Apply is the user logic: it receives the current state and the
		// action and returns the updated state and the response payload.
		// A nil updated state deletes the stored entry. Required.
		Apply func(ctx context.Context, state *S, action *envelope.Action, ec *ExecutionContext) (*S, any, error)
	}
)

// Handle implements Handler: load, apply, persist.
func (h *State[S]) Handle(ctx context.Context, action *envelope.Action, ec *ExecutionContext) (any, error) {
	if h.Store == nil || h.Key == nil || h.Apply == nil {
		return nil, envelope.NewError(envelope.ErrorInternal, "state handler requires Store, Key and Apply")
	}
	key, err := h.Key(action)
	if err != nil {
		return nil, err
	}
	state, err := h.load(ctx, key)
	if err != nil {
		return nil, err
	}
	updated, result, err := h.Apply(ctx, state, action, ec)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		if err := h.Store.Delete(ctx, key); err != nil {
			return nil, envelope.WrapError(envelope.ErrorExternalService, err, "delete state")
		}
		return result, nil
	}
	b, err := json.Marshal(updated)
	if err != nil {
		return nil, envelope.WrapError(envelope.ErrorInternal, err, "encode state")
	}
	if err := h.Store.Set(ctx, key, b, h.TTL); err != nil {
		return nil, envelope.WrapError(envelope.ErrorExternalService, err, "persist state")
	}
	return result, nil
}

func (h *State[S]) load(ctx context.Context, key string) (*S, error) {
	b, err := h.Store.Get(ctx, key)
	if errors.Is(err, broker.ErrNotFound) {
		if h.Init != nil {
			return h.Init(), nil
		}
		return new(S), nil
	}
	if err != nil {
		return nil, envelope.WrapError(envelope.ErrorExternalService, err, "load state")
	}
	var s S
	if err := json.Unmarshal(b, &s); err != nil {
		// Corrupt stored state is this service's bug, not the caller's.
		return nil, envelope.WrapError(envelope.ErrorInternal, err, "decode state")
	}
	return &s, nil
}

var _ StateStore = (broker.Broker)(nil)
