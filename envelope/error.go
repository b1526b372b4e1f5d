package envelope

import (
	"errors"
	"fmt"
)

type (
	// ErrorType is the coarse failure category carried on the wire. Every
	// failure a caller can observe maps to exactly one of these.
	ErrorType string

	// ErrorDetail is the wire representation of a failure. It never
	// contains secrets or PII; full diagnostics stay in the logs of the
	// service that failed, keyed by action id.
	ErrorDetail struct {
		// Type is the coarse failure category.
		Type ErrorType `json:"error_type"`
		// Code is an optional fine-grained business code, e.g.
		// "AGENT_NOT_FOUND".
		Code string `json:"error_code,omitempty"`
		// Message is a developer-facing description of the failure.
		Message string `json:"message"`
		// Details carries optional structured context.
		Details map[string]any `json:"details,omitempty"`
	}

	// Error is a classified error with an optional cause chain. Handlers
	// return it so the worker can report a precise category to the
	// caller; the core returns it so callers can branch on category with
	// errors.As.
	Error struct {
		// Detail is the wire representation of this error.
		Detail ErrorDetail
		// Cause is the underlying error, when any.
		Cause error
	}
)

const (
	// ErrorValidation marks envelope or payload schema violations.
	ErrorValidation ErrorType = "Validation"
	// ErrorUnsupported marks actions with no registered handler.
	ErrorUnsupported ErrorType = "Unsupported"
	// ErrorNotFound marks a missing business resource.
	ErrorNotFound ErrorType = "NotFound"
	// ErrorTimeout marks an expired wait, either the pseudo-sync caller's
	// or a handler's downstream budget.
	ErrorTimeout ErrorType = "Timeout"
	// ErrorTransport marks broker connection, push or pop failures.
	ErrorTransport ErrorType = "Transport"
	// ErrorExternalService marks failures of a handler's outbound
	// dependency.
	ErrorExternalService ErrorType = "ExternalService"
	// ErrorInternal marks any unclassified handler failure.
	ErrorInternal ErrorType = "Internal"
)

// Valid reports whether t is one of the platform error types.
func (t ErrorType) Valid() bool {
	switch t {
	case ErrorValidation, ErrorUnsupported, ErrorNotFound, ErrorTimeout,
		ErrorTransport, ErrorExternalService, ErrorInternal:
		return true
	}
	return false
}

// Validate reports whether the detail satisfies the wire contract.
func (d *ErrorDetail) Validate() error {
	if d == nil {
		return NewError(ErrorValidation, "error detail is nil")
	}
	if !d.Type.Valid() {
		return NewErrorf(ErrorValidation, "unknown error_type %q", d.Type)
	}
	if d.Message == "" {
		return NewError(ErrorValidation, "error message is required")
	}
	return nil
}

// NewError returns a classified error with the given message.
func NewError(t ErrorType, message string) *Error {
	return &Error{Detail: ErrorDetail{Type: t, Message: message}}
}

// NewErrorf returns a classified error with a formatted message.
func NewErrorf(t ErrorType, format string, args ...any) *Error {
	return &Error{Detail: ErrorDetail{Type: t, Message: fmt.Sprintf(format, args...)}}
}

// WrapError returns a classified error that records err as its cause. The
// cause remains reachable through errors.Is and errors.As.
func WrapError(t ErrorType, err error, message string) *Error {
	return &Error{Detail: ErrorDetail{Type: t, Message: message}, Cause: err}
}

// WithCode sets the fine-grained business code and returns the error for
// chaining.
func (e *Error) WithCode(code string) *Error {
	e.Detail.Code = code
	return e
}

// WithDetails sets the structured context map and returns the error for
// chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Detail.Details = details
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Detail.Type, e.Detail.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Detail.Type, e.Detail.Message)
}

// Unwrap returns the cause, letting errors.Is and errors.As walk the
// chain.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsType reports whether err is, or wraps, a classified error of the given
// type.
func IsType(err error, t ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Detail.Type == t
}

// Classify maps any error to its wire representation: a classified *Error
// contributes its own detail, everything else is reported as Internal with
// the error text as message.
func Classify(err error) ErrorDetail {
	if err == nil {
		return ErrorDetail{Type: ErrorInternal, Message: "unknown error"}
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Detail
	}
	return ErrorDetail{Type: ErrorInternal, Message: err.Error()}
}
