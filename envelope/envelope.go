// Package envelope defines the wire contract shared by every Nooble
// service: the Action request envelope, the ActionResponse reply envelope
// and the error taxonomy carried between services.
//
// Envelopes are serialized as JSON with snake_case field names. Unknown
// fields are ignored on receive so services can roll forward independently;
// known fields with the wrong type are rejected. Timestamps are ISO-8601
// UTC and identifiers are canonical lowercase UUIDs.
package envelope

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"nooble.dev/core/naming"
)

type (
	// Action is the request envelope carried on the wire. Its callback
	// fields double as the pattern selector: see Intent.
	Action struct {
		// ID uniquely identifies the action. Assigned at construction,
		// never reused, never mutated.
		ID string `json:"action_id"`
		// Type is the dotted action type, e.g. "management.agent.get_config".
		// The leading segment routes the action to its target service.
		Type string `json:"action_type"`
		// Timestamp is the UTC construction instant.
		Timestamp time.Time `json:"timestamp"`
		// TenantID identifies the tenant on whose behalf the action runs.
		TenantID string `json:"tenant_id,omitempty"`
		// UserID identifies the end user, when known.
		UserID string `json:"user_id,omitempty"`
		// SessionID identifies the conversation session, when known.
		SessionID string `json:"session_id,omitempty"`
		// OriginService names the producing service. Stamped exactly once
		// by the producer client immediately before send.
		OriginService string `json:"origin_service,omitempty"`
		// CorrelationID pairs a pseudo-synchronous response with its
		// request and ties callback actions to the exchange that caused
		// them. Canonical lowercase UUID when present.
		CorrelationID string `json:"correlation_id,omitempty"`
		// TraceID identifies the end-to-end flow. Propagated unchanged
		// across every hop.
		TraceID string `json:"trace_id,omitempty"`
		// CallbackQueue is the queue the responder pushes the follow-up
		// envelope to. Alone it requests a pseudo-synchronous response;
		// together with CallbackType it requests a callback action.
		CallbackQueue string `json:"callback_queue_name,omitempty"`
		// CallbackType is the action type of the follow-up action in the
		// callback pattern. Never set without CallbackQueue.
		CallbackType string `json:"callback_action_type,omitempty"`
		// Data is the opaque payload. Its schema is defined by Type and
		// validated by the receiving handler, never by the transport.
		Data json.RawMessage `json:"data"`
		// Metadata carries cross-cutting annotations such as tenant tier
		// or task identifiers.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// ActionResponse is the reply envelope of the pseudo-synchronous
	// pattern. Exactly one of a successful payload or an error is present,
	// consistent with Success.
	ActionResponse struct {
		// ActionID echoes the request's action id.
		ActionID string `json:"action_id"`
		// CorrelationID echoes the request.
		CorrelationID string `json:"correlation_id"`
		// TraceID echoes the request.
		TraceID string `json:"trace_id"`
		// Success reports whether the handler completed without error.
		Success bool `json:"success"`
		// Timestamp is the UTC response creation instant.
		Timestamp time.Time `json:"timestamp"`
		// Data is the optional result payload when Success is true.
		Data json.RawMessage `json:"data,omitempty"`
		// Error describes the failure when Success is false. Absent
		// otherwise.
		Error *ErrorDetail `json:"error,omitempty"`
	}

	// Intent is the communication pattern requested by an Action, derived
	// from its callback fields.
	Intent int

	// ActionOption customizes an Action at construction time.
	ActionOption func(*Action)
)

const (
	// IntentFireAndForget expects no reply of any kind.
	IntentFireAndForget Intent = iota
	// IntentPseudoSync expects an ActionResponse on the callback queue.
	IntentPseudoSync
	// IntentCallback expects a new Action of the callback type on the
	// callback queue.
	IntentCallback
)

// String returns the intent name used in logs and metrics.
func (i Intent) String() string {
	switch i {
	case IntentPseudoSync:
		return "pseudo_sync"
	case IntentCallback:
		return "callback"
	default:
		return "fire_and_forget"
	}
}

// WithTenant sets the tenant identifier.
func WithTenant(tenantID string) ActionOption {
	return func(a *Action) { a.TenantID = tenantID }
}

// WithUser sets the user identifier.
func WithUser(userID string) ActionOption {
	return func(a *Action) { a.UserID = userID }
}

// WithSession sets the session identifier.
func WithSession(sessionID string) ActionOption {
	return func(a *Action) { a.SessionID = sessionID }
}

// WithCorrelationID sets the exchange correlation identifier. The producer
// client generates one when the pattern requires it and none was given.
func WithCorrelationID(correlationID string) ActionOption {
	return func(a *Action) { a.CorrelationID = correlationID }
}

// WithTraceID sets the flow trace identifier. When absent a fresh one is
// generated at construction.
func WithTraceID(traceID string) ActionOption {
	return func(a *Action) { a.TraceID = traceID }
}

// WithMetadata replaces the metadata map.
func WithMetadata(md map[string]any) ActionOption {
	return func(a *Action) { a.Metadata = md }
}

// WithMetadataValue sets a single metadata entry.
func WithMetadataValue(key string, value any) ActionOption {
	return func(a *Action) {
		if a.Metadata == nil {
			a.Metadata = make(map[string]any)
		}
		a.Metadata[key] = value
	}
}

// NewAction constructs a valid Action of the given type. The action id and
// timestamp are assigned here and never change afterwards; a trace id is
// generated unless an option supplied one. The data payload may be nil
// (encoded as an empty object), a json.RawMessage, a []byte holding JSON,
// or any JSON-marshalable value.
func NewAction(actionType string, data any, opts ...ActionOption) (*Action, error) {
	if err := naming.ValidateActionType(actionType); err != nil {
		return nil, WrapError(ErrorValidation, err, "new action")
	}
	payload, err := marshalData(data)
	if err != nil {
		return nil, WrapError(ErrorValidation, err, "marshal action data")
	}
	a := &Action{
		ID:        uuid.New().String(),
		Type:      actionType,
		Timestamp: Now(),
		Data:      payload,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.TraceID == "" {
		a.TraceID = uuid.New().String()
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// Validate reports whether the action satisfies the wire contract. It is
// called before every send and after every receive, and again after any
// mutation made by the producer client.
func (a *Action) Validate() error {
	switch {
	case a == nil:
		return NewError(ErrorValidation, "action is nil")
	case a.ID == "":
		return NewError(ErrorValidation, "action_id is required")
	case a.Type == "":
		return NewError(ErrorValidation, "action_type is required")
	case a.Timestamp.IsZero():
		return NewError(ErrorValidation, "timestamp is required")
	case len(a.Data) == 0:
		return NewError(ErrorValidation, "data is required")
	}
	if err := naming.ValidateActionType(a.Type); err != nil {
		return WrapError(ErrorValidation, err, "action_type")
	}
	if !json.Valid(a.Data) {
		return NewError(ErrorValidation, "data is not valid JSON")
	}
	if a.CorrelationID != "" {
		if err := naming.ValidateCorrelationID(a.CorrelationID); err != nil {
			return WrapError(ErrorValidation, err, "correlation_id")
		}
	}
	if a.CallbackType != "" {
		if a.CallbackQueue == "" {
			return NewError(ErrorValidation, "callback_action_type set without callback_queue_name")
		}
		if err := naming.ValidateActionType(a.CallbackType); err != nil {
			return WrapError(ErrorValidation, err, "callback_action_type")
		}
	}
	return nil
}

// Intent derives the communication pattern from the callback fields:
// neither set means fire-and-forget, the queue alone means pseudo-sync,
// both mean async-with-callback.
func (a *Action) Intent() Intent {
	switch {
	case a.CallbackQueue == "":
		return IntentFireAndForget
	case a.CallbackType == "":
		return IntentPseudoSync
	default:
		return IntentCallback
	}
}

// SetOrigin records the producing service on the envelope. The origin is
// set exactly once; re-stamping with a different service is an error.
func (a *Action) SetOrigin(service string) error {
	if service == "" {
		return NewError(ErrorValidation, "origin service is empty")
	}
	if a.OriginService != "" && a.OriginService != service {
		return NewErrorf(ErrorValidation, "origin_service already set to %q", a.OriginService)
	}
	a.OriginService = service
	return nil
}

// NewResponse constructs the success reply for the given action, echoing
// its identifiers. A nil result omits the data payload.
func NewResponse(action *Action, result any) (*ActionResponse, error) {
	if action == nil {
		return nil, NewError(ErrorValidation, "action is nil")
	}
	r := &ActionResponse{
		ActionID:      action.ID,
		CorrelationID: action.CorrelationID,
		TraceID:       action.TraceID,
		Success:       true,
		Timestamp:     Now(),
	}
	if result != nil {
		payload, err := marshalData(result)
		if err != nil {
			return nil, WrapError(ErrorInternal, err, "marshal response data")
		}
		r.Data = payload
	}
	return r, nil
}

// NewErrorResponse constructs the failure reply for the given action. The
// error is classified into the platform taxonomy; see Classify.
func NewErrorResponse(action *Action, err error) *ActionResponse {
	detail := Classify(err)
	return &ActionResponse{
		ActionID:      action.ID,
		CorrelationID: action.CorrelationID,
		TraceID:       action.TraceID,
		Success:       false,
		Timestamp:     Now(),
		Error:         &detail,
	}
}

// Validate enforces the response root invariant: Success is true exactly
// when Error is absent, and the identifiers pairing the response to its
// request are present.
func (r *ActionResponse) Validate() error {
	switch {
	case r == nil:
		return NewError(ErrorValidation, "response is nil")
	case r.ActionID == "":
		return NewError(ErrorValidation, "action_id is required")
	case r.CorrelationID == "":
		return NewError(ErrorValidation, "correlation_id is required")
	case r.TraceID == "":
		return NewError(ErrorValidation, "trace_id is required")
	case r.Timestamp.IsZero():
		return NewError(ErrorValidation, "timestamp is required")
	case r.Success && r.Error != nil:
		return NewError(ErrorValidation, "error must be absent when success is true")
	case !r.Success && r.Error == nil:
		return NewError(ErrorValidation, "error is required when success is false")
	}
	if r.Data != nil && !json.Valid(r.Data) {
		return NewError(ErrorValidation, "data is not valid JSON")
	}
	if r.Error != nil {
		return r.Error.Validate()
	}
	return nil
}

// Now returns the construction timestamp for new envelopes: UTC, truncated
// to microseconds so a serialized envelope round-trips to an equal value.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func marshalData(data any) (json.RawMessage, error) {
	switch d := data.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if !json.Valid(d) {
			return nil, errors.New("raw payload is not valid JSON")
		}
		return d, nil
	case []byte:
		if !json.Valid(d) {
			return nil, errors.New("raw payload is not valid JSON")
		}
		return json.RawMessage(d), nil
	default:
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}
