package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewActionDefaults(t *testing.T) {
	a, err := NewAction("management.agent.get_config", map[string]any{"agent_id": "a1"})
	require.NoError(t, err)

	id, err := uuid.Parse(a.ID)
	require.NoError(t, err)
	assert.Equal(t, id.String(), a.ID, "action id must be canonical lowercase")

	_, err = uuid.Parse(a.TraceID)
	require.NoError(t, err, "trace id is generated when absent")

	assert.Equal(t, time.UTC, a.Timestamp.Location())
	assert.False(t, a.Timestamp.IsZero())
	assert.Equal(t, a.Timestamp, a.Timestamp.Truncate(time.Microsecond),
		"timestamp is truncated so round-trips are exact")

	assert.Empty(t, a.CorrelationID)
	assert.Empty(t, a.OriginService)
	assert.JSONEq(t, `{"agent_id":"a1"}`, string(a.Data))
}

func TestNewActionOptions(t *testing.T) {
	corr := uuid.New().String()
	a, err := NewAction("rag.query.search", nil,
		WithTenant("t1"),
		WithUser("u1"),
		WithSession("s1"),
		WithCorrelationID(corr),
		WithTraceID("trace-1"),
		WithMetadataValue("tenant_tier", "pro"),
	)
	require.NoError(t, err)
	assert.Equal(t, "t1", a.TenantID)
	assert.Equal(t, "u1", a.UserID)
	assert.Equal(t, "s1", a.SessionID)
	assert.Equal(t, corr, a.CorrelationID)
	assert.Equal(t, "trace-1", a.TraceID)
	assert.Equal(t, "pro", a.Metadata["tenant_tier"])
	assert.JSONEq(t, `{}`, string(a.Data), "nil data encodes as an empty object")
}

func TestNewActionRejectsBadInput(t *testing.T) {
	cases := []struct {
		name       string
		actionType string
		data       any
	}{
		{"empty type", "", nil},
		{"single segment", "management", nil},
		{"uppercase type", "Management.Agent.Get", nil},
		{"colon in type", "mgmt:agent.get", nil},
		{"invalid raw json", "mgmt.agent.get", json.RawMessage(`{`)},
		{"unmarshalable data", "mgmt.agent.get", make(chan int)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewAction(tc.actionType, tc.data)
			require.Error(t, err)
			assert.True(t, IsType(err, ErrorValidation), "want Validation, got %v", err)
		})
	}
}

func TestActionValidate(t *testing.T) {
	valid := func() *Action {
		a, err := NewAction("mgmt.agent.get", nil)
		require.NoError(t, err)
		return a
	}

	t.Run("fresh action is valid", func(t *testing.T) {
		require.NoError(t, valid().Validate())
	})
	t.Run("nil action", func(t *testing.T) {
		var a *Action
		require.Error(t, a.Validate())
	})
	t.Run("missing id", func(t *testing.T) {
		a := valid()
		a.ID = ""
		require.Error(t, a.Validate())
	})
	t.Run("non-canonical correlation id", func(t *testing.T) {
		a := valid()
		a.CorrelationID = "F47AC10B-58CC-4372-A567-0E02B2C3D479"
		require.Error(t, a.Validate())
	})
	t.Run("callback type without queue", func(t *testing.T) {
		a := valid()
		a.CallbackType = "ingest.embeddings.ready"
		require.Error(t, a.Validate())
	})
	t.Run("callback type with queue", func(t *testing.T) {
		a := valid()
		a.CallbackQueue = "nooble:dev:svc:callbacks:done:ctx"
		a.CallbackType = "ingest.embeddings.ready"
		require.NoError(t, a.Validate())
	})
}

func TestActionIntent(t *testing.T) {
	a, err := NewAction("mgmt.agent.get", nil)
	require.NoError(t, err)
	assert.Equal(t, IntentFireAndForget, a.Intent())

	a.CallbackQueue = "nooble:dev:svc:responses:mgmt_agent_get:abc"
	assert.Equal(t, IntentPseudoSync, a.Intent())

	a.CallbackType = "ingest.ready"
	assert.Equal(t, IntentCallback, a.Intent())
}

func TestSetOrigin(t *testing.T) {
	a, err := NewAction("mgmt.agent.get", nil)
	require.NoError(t, err)

	require.NoError(t, a.SetOrigin("orchestrator"))
	assert.Equal(t, "orchestrator", a.OriginService)

	// Re-stamping with the same service is a no-op.
	require.NoError(t, a.SetOrigin("orchestrator"))

	err = a.SetOrigin("conversation")
	require.Error(t, err)
	assert.True(t, IsType(err, ErrorValidation))
	assert.Equal(t, "orchestrator", a.OriginService)
}

func TestResponseInvariant(t *testing.T) {
	a, err := NewAction("mgmt.agent.get", nil, WithCorrelationID(uuid.New().String()))
	require.NoError(t, err)

	success, err := NewResponse(a, map[string]any{"name": "bot"})
	require.NoError(t, err)
	assert.True(t, success.Success)
	assert.Nil(t, success.Error)
	assert.Equal(t, a.ID, success.ActionID)
	assert.Equal(t, a.CorrelationID, success.CorrelationID)
	assert.Equal(t, a.TraceID, success.TraceID)
	require.NoError(t, success.Validate())

	failure := NewErrorResponse(a, NewError(ErrorNotFound, "agent a2 not found").WithCode("AGENT_NOT_FOUND"))
	assert.False(t, failure.Success)
	require.NotNil(t, failure.Error)
	assert.Equal(t, ErrorNotFound, failure.Error.Type)
	assert.Equal(t, "AGENT_NOT_FOUND", failure.Error.Code)
	require.NoError(t, failure.Validate())

	// Constructed shapes that break the invariant are rejected.
	success.Error = &ErrorDetail{Type: ErrorInternal, Message: "boom"}
	require.Error(t, success.Validate())
	failure.Error = nil
	require.Error(t, failure.Validate())
}

func TestNewResponseNilResultOmitsData(t *testing.T) {
	a, err := NewAction("mgmt.agent.get", nil, WithCorrelationID(uuid.New().String()))
	require.NoError(t, err)
	r, err := NewResponse(a, nil)
	require.NoError(t, err)
	assert.Nil(t, r.Data)
	require.NoError(t, r.Validate())
}

func TestClassify(t *testing.T) {
	t.Run("classified error contributes its detail", func(t *testing.T) {
		err := NewError(ErrorTimeout, "no response within 5s").
			WithDetails(map[string]any{"timeout": "5s"})
		d := Classify(err)
		assert.Equal(t, ErrorTimeout, d.Type)
		assert.Equal(t, "no response within 5s", d.Message)
		assert.Equal(t, "5s", d.Details["timeout"])
	})
	t.Run("wrapped classified error is found through the chain", func(t *testing.T) {
		err := fmt.Errorf("dispatch: %w", NewError(ErrorNotFound, "missing"))
		d := Classify(err)
		assert.Equal(t, ErrorNotFound, d.Type)
	})
	t.Run("plain error is Internal", func(t *testing.T) {
		d := Classify(errors.New("kaboom"))
		assert.Equal(t, ErrorInternal, d.Type)
		assert.Equal(t, "kaboom", d.Message)
	})
}

func TestErrorChain(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapError(ErrorTransport, cause, "push queue")
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsType(err, ErrorTransport))
	assert.False(t, IsType(err, ErrorTimeout))
	assert.Contains(t, err.Error(), "Transport")
	assert.Contains(t, err.Error(), "connection refused")
}
