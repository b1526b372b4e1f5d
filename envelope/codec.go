package envelope

import (
	"encoding/json"
	"fmt"
)

// MarshalAction serializes the action for transport. Serialization is
// total on valid envelopes: the action is validated first, so a marshal
// failure is always a programmer error.
func MarshalAction(a *Action) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal action: %w", err)
	}
	return b, nil
}

// UnmarshalAction decodes and validates a received action envelope.
// Unknown fields are ignored; missing required fields, wrong-typed known
// fields and malformed JSON all fail with a Validation error. A
// correlation id embedded in the data payload by older producers is
// tolerated when it agrees with the envelope root and rejected when it
// disagrees; the root is authoritative.
func UnmarshalAction(data []byte) (*Action, error) {
	var a Action
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, WrapError(ErrorValidation, err, "decode action")
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if err := checkEmbeddedCorrelation(&a); err != nil {
		return nil, err
	}
	return &a, nil
}

// MarshalResponse serializes the response for transport, validating the
// root invariant first.
func MarshalResponse(r *ActionResponse) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	return b, nil
}

// UnmarshalResponse decodes and validates a received response envelope.
func UnmarshalResponse(data []byte) (*ActionResponse, error) {
	var r ActionResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, WrapError(ErrorValidation, err, "decode response")
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// checkEmbeddedCorrelation rejects envelopes whose data payload carries a
// correlation_id that disagrees with the envelope root. Older producers
// duplicated the id inside data; during the migration window the root wins
// and an agreeing copy is ignored.
func checkEmbeddedCorrelation(a *Action) error {
	if a.CorrelationID == "" || len(a.Data) == 0 {
		return nil
	}
	var embedded struct {
		CorrelationID string `json:"correlation_id"`
	}
	if err := json.Unmarshal(a.Data, &embedded); err != nil {
		// Data is not an object; nothing embedded to compare.
		return nil
	}
	if embedded.CorrelationID != "" && embedded.CorrelationID != a.CorrelationID {
		return NewErrorf(ErrorValidation,
			"correlation_id in data (%q) disagrees with envelope root (%q)",
			embedded.CorrelationID, a.CorrelationID)
	}
	return nil
}
