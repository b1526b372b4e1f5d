package handler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nooble.dev/core/envelope"
)

var embedSchema = []byte(`{
	"type": "object",
	"properties": {
		"texts": {
			"type": "array",
			"items": {"type": "string"},
			"minItems": 1
		}
	},
	"required": ["texts"]
}`)

func TestWithSchemaValidation(t *testing.T) {
	var invoked bool
	inner := Func(func(context.Context, *envelope.Action, *ExecutionContext) (any, error) {
		invoked = true
		return map[string]any{"ok": true}, nil
	})
	h, err := WithSchema(embedSchema, inner)
	require.NoError(t, err)

	t.Run("conforming data reaches the handler", func(t *testing.T) {
		invoked = false
		a, err := envelope.NewAction("embed.generate", map[string]any{"texts": []string{"hi"}})
		require.NoError(t, err)
		result, err := h.Handle(context.Background(), a, &ExecutionContext{})
		require.NoError(t, err)
		assert.True(t, invoked)
		assert.NotNil(t, result)
	})

	t.Run("non-conforming data is rejected before the handler", func(t *testing.T) {
		for _, data := range []any{
			map[string]any{},                            // missing texts
			map[string]any{"texts": []string{}},         // empty
			map[string]any{"texts": []int{1, 2}},        // wrong item type
			map[string]any{"texts": "not even a slice"}, // wrong type
		} {
			invoked = false
			a, err := envelope.NewAction("embed.generate", data)
			require.NoError(t, err)
			_, err = h.Handle(context.Background(), a, &ExecutionContext{})
			require.Error(t, err)
			assert.True(t, envelope.IsType(err, envelope.ErrorValidation), "data %v: got %v", data, err)
			assert.False(t, invoked)
		}
	})
}

func TestWithSchemaConstructorRejects(t *testing.T) {
	noop := Func(func(context.Context, *envelope.Action, *ExecutionContext) (any, error) {
		return nil, nil
	})

	_, err := WithSchema(nil, noop)
	require.Error(t, err)
	_, err = WithSchema(embedSchema, nil)
	require.Error(t, err)
	_, err = WithSchema([]byte(`{"type":`), noop)
	require.Error(t, err)
	_, err = WithSchema([]byte(`{"type": "nonsense"}`), noop)
	require.Error(t, err, "schemas that do not compile are rejected")
}
