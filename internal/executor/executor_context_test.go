package executor

import (
	"context"
	"testing"
)

func validationErr(message string) GraphQLError {
	return codeErr(message, "GRAPHQL_VALIDATION_FAILED")
}

// Pattern: Result comparison
func TestContext_OperationSelection_Result(t *testing.T) {
	const sdl = `type Query { a: String b: String } type Subscription { tick: Int }`
	rt := NewMockRuntime(map[string]MockResolver{
		"Query.a": NewMockValueResolver("A"),
		"Query.b": NewMockValueResolver("B"),
	})

	cases := []struct {
		name      string
		query     string
		operation string
		want      *ExecutionResult
	}{
		{"Inline operation", "{ a }", "", &ExecutionResult{Data: NewObject("a", "A"), Errors: []GraphQLError{}}},
		{"Single named operation without name", "query Foo { a }", "", &ExecutionResult{Data: NewObject("a", "A"), Errors: []GraphQLError{}}},
		{"Named operation provided", "query Foo { a } query Bar { b }", "Bar", &ExecutionResult{Data: NewObject("b", "B"), Errors: []GraphQLError{}}},
		{"Error no operation provided", "fragment F on Query { a }", "", &ExecutionResult{
			Errors: []GraphQLError{validationErr("document contains no operations")},
		}},
		{"Error no name with multiple operations", "query Foo { a } query Bar { b }", "", &ExecutionResult{
			Errors: []GraphQLError{validationErr("operation name is required when the document contains several operations")},
		}},
		{"Error unknown operation name", "query Foo { a } query Bar { b }", "Baz", &ExecutionResult{
			Errors: []GraphQLError{validationErr(`unknown operation "Baz"`)},
		}},
		{"Error subscription", "subscription { tick }", "", &ExecutionResult{
			Errors: []GraphQLError{validationErr("subscriptions are not supported")},
		}},
		{"Error mutation without mutation type", "mutation { a }", "", &ExecutionResult{
			Errors: []GraphQLError{validationErr("schema does not support mutation operations")},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			exec := NewExecutor(rt, mustSchema(t, sdl))
			gotRes := exec.ExecuteRequest(context.Background(), mustParseQuery(t, tc.query), tc.operation, nil, nil)
			requireResult(t, tc.want, gotRes)
		})
	}
}

// Pattern: Result comparison
func TestContext_VariableCoercion_Result(t *testing.T) {
	const sdl = `type Query { echo(v: Int): Int }`
	rt := NewMockRuntime(map[string]MockResolver{
		"Query.echo": func(ctx context.Context, req *FieldRequest) (any, error) { return req.Args["v"], nil },
	})

	cases := []struct {
		name  string
		query string
		vars  map[string]any
		want  *ExecutionResult
	}{
		{"Provided variable", "query($v: Int!){ echo(v:$v) }", map[string]any{"v": 3}, &ExecutionResult{Data: NewObject("echo", 3), Errors: []GraphQLError{}}},
		{"JSON number", "query($v: Int!){ echo(v:$v) }", map[string]any{"v": float64(7)}, &ExecutionResult{Data: NewObject("echo", 7), Errors: []GraphQLError{}}},
		{"Use default", "query($v: Int = 5){ echo(v:$v) }", nil, &ExecutionResult{Data: NewObject("echo", 5), Errors: []GraphQLError{}}},
		{"Omitted optional variable", "query($v: Int){ echo(v:$v) }", nil, &ExecutionResult{Data: NewObject("echo", nil), Errors: []GraphQLError{}}},
		{"Missing required variable", "query($v: Int!){ echo(v:$v) }", nil, &ExecutionResult{
			Errors: []GraphQLError{validationErr("variable $v of required type Int! was not provided")},
		}},
		{"Null for NonNull variable", "query($v: Int!){ echo(v:$v) }", map[string]any{"v": nil}, &ExecutionResult{
			Errors: []GraphQLError{validationErr("variable $v of type Int! cannot be null")},
		}},
		{"Fractional Int", "query($v: Int!){ echo(v:$v) }", map[string]any{"v": 1.5}, &ExecutionResult{
			Errors: []GraphQLError{validationErr("variable $v of type Int! cannot be coerced: cannot coerce non-integer 1.5 to Int")},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			exec := NewExecutor(rt, mustSchema(t, sdl))
			gotRes := exec.ExecuteRequest(context.Background(), mustParseQuery(t, tc.query), "", tc.vars, nil)
			requireResult(t, tc.want, gotRes)
		})
	}
}

func TestContext_RootValueIsSourceOfRootFields(t *testing.T) {
	rt := NewMockRuntime(nil)
	exec := NewExecutor(rt, mustSchema(t, `type Query { version: String }`))
	gotRes := exec.ExecuteRequest(context.Background(), mustParseQuery(t, "{ version }"), "", nil, map[string]any{"version": "1.2"})
	requireResult(t, &ExecutionResult{Data: NewObject("version", "1.2"), Errors: []GraphQLError{}}, gotRes)
}
