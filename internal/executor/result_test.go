package executor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestObject_KeepsInsertionOrder(t *testing.T) {
	o := NewObject("b", 1, "a", []any{NewObject("y", true, "x", nil)})
	o.Set("b", 2)
	o.Set("c", "z")

	require.Equal(t, []string{"b", "a", "c"}, o.Keys())
	out, err := json.Marshal(o)
	require.NoError(t, err)
	require.Equal(t, `{"b":2,"a":[{"y":true,"x":null}],"c":"z"}`, string(out))

	require.Equal(t, map[string]any{
		"b": 2,
		"a": []any{map[string]any{"y": true, "x": nil}},
		"c": "z",
	}, o.ToMap())
}

func TestObject_EqualIsOrderSensitive(t *testing.T) {
	require.True(t, NewObject("a", 1, "b", 2).Equal(NewObject("a", 1, "b", 2)))
	require.False(t, NewObject("a", 1, "b", 2).Equal(NewObject("b", 2, "a", 1)))
	require.False(t, NewObject("a", NewObject("x", 1)).Equal(NewObject("a", NewObject("x", 2))))
}

func TestGraphQLError_JSON(t *testing.T) {
	e := GraphQLError{
		Message:    "load Book#1: boom",
		Locations:  []Location{{Line: 1, Column: 3}},
		Path:       Path{"books", 0, "author"},
		Extensions: map[string]any{"code": "RESOLUTION_FAILED"},
	}
	out, err := json.Marshal(e)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"message": "load Book#1: boom",
		"locations": [{"line": 1, "column": 3}],
		"path": ["books", 0, "author"],
		"extensions": {"code": "RESOLUTION_FAILED"}
	}`, string(out))
}
