package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hanpama/graphloader/internal/loader"
)

type codedError struct{}

func (codedError) Error() string { return "forbidden" }
func (codedError) Code() string  { return "FORBIDDEN" }

// Pattern: Result comparison
func TestErrors_LocatedPaths_Result(t *testing.T) {
	t.Run("Simple", func(t *testing.T) {
		sch := mustSchema(t, `type Query { a: String }`)
		rt := NewMockRuntime(map[string]MockResolver{
			"Query.a": NewMockErrorResolver(fmt.Errorf("boom")),
		})
		exec := NewExecutor(rt, sch)
		doc := mustParseQuery(t, "{ a }")

		gotRes := exec.ExecuteRequest(context.Background(), doc, "", nil, nil)

		requireResult(t, &ExecutionResult{
			Data:   NewObject("a", nil),
			Errors: []GraphQLError{fieldErr("boom", "a")},
		}, gotRes)
	})

	t.Run("Nested", func(t *testing.T) {
		sch := mustSchema(t, `type Query { obj: Obj } type Obj { a: String }`)
		rt := NewMockRuntime(map[string]MockResolver{
			"Query.obj": NewMockValueResolver(map[string]any{}),
			"Obj.a":     NewMockErrorResolver(fmt.Errorf("boom")),
		})
		exec := NewExecutor(rt, sch)
		doc := mustParseQuery(t, "{ obj { a } }")

		gotRes := exec.ExecuteRequest(context.Background(), doc, "", nil, nil)

		requireResult(t, &ExecutionResult{
			Data:   NewObject("obj", NewObject("a", nil)),
			Errors: []GraphQLError{fieldErr("boom", "obj", "a")},
		}, gotRes)
	})

	t.Run("List index in path", func(t *testing.T) {
		sch := mustSchema(t, `type Query { objs: [Obj] } type Obj { a: String }`)
		rt := NewMockRuntime(map[string]MockResolver{
			"Query.objs": NewMockValueResolver([]any{map[string]any{"idx": 0}, map[string]any{"idx": 1}}),
			"Obj.a": func(ctx context.Context, req *FieldRequest) (any, error) {
				if req.Source.(map[string]any)["idx"].(int) == 1 {
					return nil, fmt.Errorf("boom")
				}
				return "A", nil
			},
		})
		exec := NewExecutor(rt, sch)
		doc := mustParseQuery(t, "{ objs { a } }")

		gotRes := exec.ExecuteRequest(context.Background(), doc, "", nil, nil)

		requireResult(t, &ExecutionResult{
			Data:   NewObject("objs", []any{NewObject("a", "A"), NewObject("a", nil)}),
			Errors: []GraphQLError{fieldErr("boom", "objs", 1, "a")},
		}, gotRes)
	})

	t.Run("Location points at the field", func(t *testing.T) {
		sch := mustSchema(t, `type Query { a: String }`)
		rt := NewMockRuntime(map[string]MockResolver{"Query.a": NewMockErrorResolver(fmt.Errorf("boom"))})
		got := NewExecutor(rt, sch).ExecuteRequest(context.Background(), mustParseQuery(t, "{\n  a\n}"), "", nil, nil)
		require.Len(t, got.Errors, 1)
		require.Equal(t, []Location{{Line: 2, Column: 3}}, got.Errors[0].Locations)
	})
}

func TestErrors_Codes(t *testing.T) {
	sch := mustSchema(t, `type Query { coded: String panics: String slow: String gone: String }`)
	loaders := loader.New(nil)
	loaders.Register("Gone", func(ctx context.Context, keys []loader.Key) ([]any, error) {
		return nil, errors.New("store offline")
	}, loader.CachePolicy{})
	rt := NewMockRuntime(map[string]MockResolver{
		"Query.coded":  NewMockErrorResolver(fmt.Errorf("wrapped: %w", codedError{})),
		"Query.panics": func(context.Context, *FieldRequest) (any, error) { panic("kaboom") },
		"Query.slow":   NewMockErrorResolver(&loader.TimeoutError{After: 0}),
		"Query.gone":   NewMockLoadResolver("Gone", func(*FieldRequest) string { return "1" }),
	})
	exec := NewExecutor(rt, sch, WithLoaders(loaders))

	got := exec.ExecuteRequest(context.Background(), mustParseQuery(t, "{ coded panics slow gone }"), "", nil, nil)

	codes := map[string]string{}
	for _, e := range got.Errors {
		codes[e.Path[0].(string)] = e.Code()
	}
	require.Equal(t, map[string]string{
		"coded":  "FORBIDDEN",
		"panics": "INTERNAL_SERVER_ERROR",
		"slow":   "TIMEOUT",
		"gone":   "RESOLUTION_FAILED",
	}, codes)
	require.Equal(t, NewObject("coded", nil, "panics", nil, "slow", nil, "gone", nil), got.Data)
}
