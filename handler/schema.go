package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"nooble.dev/core/envelope"
)

// WithSchema wraps a handler with JSON Schema validation of the action
// data. The schema is compiled once, here; actions whose data does not
// conform are rejected with a Validation error before the handler runs.
func WithSchema(schema []byte, h Handler) (Handler, error) {
	if len(schema) == 0 {
		return nil, fmt.Errorf("schema is empty")
	}
	if h == nil {
		return nil, fmt.Errorf("handler is nil")
	}
	var doc any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &schemaHandler{schema: compiled, next: h}, nil
}

type schemaHandler struct {
	schema *jsonschema.Schema
	next   Handler
}

func (s *schemaHandler) Handle(ctx context.Context, action *envelope.Action, ec *ExecutionContext) (any, error) {
	var payload any
	if err := json.Unmarshal(action.Data, &payload); err != nil {
		return nil, envelope.WrapError(envelope.ErrorValidation, err, "decode action data")
	}
	if err := s.schema.Validate(payload); err != nil {
		return nil, envelope.WrapError(envelope.ErrorValidation, err, "action data does not match schema")
	}
	return s.next.Handle(ctx, action, ec)
}
