package executor

import (
	"context"
	"fmt"
	"testing"

	schema "github.com/hanpama/graphloader/internal/schema"
)

// Pattern: Result comparison
func TestCompleteValue_NonNull_Propagation_Result(t *testing.T) {
	t.Run("Resolver error reaches the root", func(t *testing.T) {
		sch := mustSchema(t, `type Query { obj: Obj! } type Obj { a: String! b: String! }`)
		// b is never resolved once a has nulled its parent.
		rt := NewMockRuntime(map[string]MockResolver{
			"Query.obj": NewMockValueResolver(map[string]any{}),
			"Obj.a":     NewMockErrorResolver(fmt.Errorf("boom")),
			"Obj.b":     NewMockValueResolver("B"),
		})
		exec := NewExecutor(rt, sch)
		doc := mustParseQuery(t, "{ obj { a b } }")

		gotRes := exec.ExecuteRequest(context.Background(), doc, "", nil, nil)

		requireResult(t, &ExecutionResult{
			Data:   nil,
			Errors: []GraphQLError{fieldErr("boom", "obj", "a")},
		}, gotRes)
		requireCalls(t, []Call{
			{ObjectType: "Query", Field: "obj", Args: map[string]any{}},
			{ObjectType: "Obj", Field: "a", Source: map[string]any{}, Args: map[string]any{}},
		}, rt.GetCalls())
	})

	t.Run("Resolver returns null under a nullable parent", func(t *testing.T) {
		sch := mustSchema(t, `type Query { obj: Obj other: String } type Obj { a: String! b: String }`)
		rt := NewMockRuntime(map[string]MockResolver{
			"Query.obj":   NewMockValueResolver(map[string]any{}),
			"Query.other": NewMockValueResolver("still here"),
			"Obj.a":       NewMockValueResolver(nil),
		})
		exec := NewExecutor(rt, sch)
		doc := mustParseQuery(t, "{ obj { a b } other }")

		gotRes := exec.ExecuteRequest(context.Background(), doc, "", nil, nil)

		requireResult(t, &ExecutionResult{
			Data:   NewObject("obj", nil, "other", "still here"),
			Errors: []GraphQLError{fieldErr("cannot return null for non-nullable field obj.a", "obj", "a")},
		}, gotRes)
	})
}

// Pattern: Result comparison
func TestCompleteValue_List_Nullability_Result(t *testing.T) {
	cases := []struct {
		name  string
		typ   string
		value any
		want  *ExecutionResult
	}{
		{
			name:  "List contains values",
			typ:   "[String]",
			value: []any{"A", "B"},
			want:  &ExecutionResult{Data: NewObject("list", []any{"A", "B"}), Errors: []GraphQLError{}},
		},
		{
			name:  "Typed slice",
			typ:   "[String]",
			value: []string{"A", "B"},
			want:  &ExecutionResult{Data: NewObject("list", []any{"A", "B"}), Errors: []GraphQLError{}},
		},
		{
			name:  "List contains null",
			typ:   "[String]",
			value: []any{"A", nil, "B"},
			want:  &ExecutionResult{Data: NewObject("list", []any{"A", nil, "B"}), Errors: []GraphQLError{}},
		},
		{
			name:  "List is null",
			typ:   "[String]",
			value: nil,
			want:  &ExecutionResult{Data: NewObject("list", nil), Errors: []GraphQLError{}},
		},
		{
			name:  "Item non-null violation",
			typ:   "[String!]",
			value: []any{"A", nil, "B"},
			want: &ExecutionResult{
				Data:   NewObject("list", nil),
				Errors: []GraphQLError{fieldErr("cannot return null for non-nullable field list[1]", "list", 1)},
			},
		},
		{
			name:  "Not a list",
			typ:   "[String]",
			value: "A",
			want: &ExecutionResult{
				Data:   NewObject("list", nil),
				Errors: []GraphQLError{fieldErr("expected list value, got string", "list")},
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sch := mustSchema(t, fmt.Sprintf("type Query { list: %s }", tc.typ))
			rt := NewMockRuntime(map[string]MockResolver{"Query.list": NewMockValueResolver(tc.value)})
			gotRes := NewExecutor(rt, sch).ExecuteRequest(context.Background(), mustParseQuery(t, "{ list }"), "", nil, nil)
			requireResult(t, tc.want, gotRes)
		})
	}
}

// Pattern: Result comparison
func TestCompleteValue_Leaf_Serialization_Result(t *testing.T) {
	t.Run("SerializeLeafValue success", func(t *testing.T) {
		sch := mustSchema(t, `type Query { a: String }`)
		rt := NewMockRuntime(map[string]MockResolver{"Query.a": NewMockValueResolver("ok")})
		SetSerializer(rt, func(val any, t schema.TypeRef) (any, error) {
			if s, ok := val.(string); ok {
				return s + "!", nil
			}
			return nil, fmt.Errorf("not string")
		})
		gotRes := NewExecutor(rt, sch).ExecuteRequest(context.Background(), mustParseQuery(t, "{ a }"), "", nil, nil)

		requireResult(t, &ExecutionResult{Data: NewObject("a", "ok!"), Errors: []GraphQLError{}}, gotRes)
	})

	t.Run("SerializeLeafValue error", func(t *testing.T) {
		sch := mustSchema(t, `type Query { a: String }`)
		rt := NewMockRuntime(map[string]MockResolver{"Query.a": NewMockValueResolver("bad")})
		SetSerializer(rt, func(val any, t schema.TypeRef) (any, error) {
			return nil, fmt.Errorf("serialize error")
		})
		gotRes := NewExecutor(rt, sch).ExecuteRequest(context.Background(), mustParseQuery(t, "{ a }"), "", nil, nil)

		requireResult(t, &ExecutionResult{
			Data:   NewObject("a", nil),
			Errors: []GraphQLError{fieldErr("serialize error", "a")},
		}, gotRes)
	})
}

// Pattern: Result comparison
func TestCompleteValue_Abstract_ResolveType_Result(t *testing.T) {
	const sdl = `
		type Query { node: Node result: Result }
		interface Node { id: ID }
		type Book implements Node { id: ID title: String }
		type Author implements Node { id: ID name: String }
		type Review { body: String }
		union Result = Book | Author
	`

	t.Run("ResolveType returns concrete subtype", func(t *testing.T) {
		sch := mustSchema(t, sdl)
		rt := NewMockRuntime(map[string]MockResolver{
			"Query.node":   NewMockValueResolver(map[string]any{"__typename": "Book", "id": "1", "title": "Dune"}),
			"Query.result": NewMockValueResolver(map[string]any{"__typename": "Author", "id": "2", "name": "Eliot"}),
		})
		doc := mustParseQuery(t, `{
			node { id ... on Book { title } ... on Author { name } __typename }
			result { ... on Node { id } ... on Author { name } }
		}`)
		gotRes := NewExecutor(rt, sch).ExecuteRequest(context.Background(), doc, "", nil, nil)

		requireResult(t, &ExecutionResult{
			Data: NewObject(
				"node", NewObject("id", "1", "title", "Dune", "__typename", "Book"),
				"result", NewObject("id", "2", "name", "Eliot"),
			),
			Errors: []GraphQLError{},
		}, gotRes)
	})

	t.Run("ResolveType error", func(t *testing.T) {
		sch := mustSchema(t, sdl)
		rt := NewMockRuntime(map[string]MockResolver{"Query.node": NewMockValueResolver(map[string]any{})})
		SetTypeResolver(rt, func(value any) (string, error) { return "", fmt.Errorf("boom") })
		gotRes := NewExecutor(rt, sch).ExecuteRequest(context.Background(), mustParseQuery(t, "{ node { id } }"), "", nil, nil)

		requireResult(t, &ExecutionResult{
			Data:   NewObject("node", nil),
			Errors: []GraphQLError{fieldErr("boom", "node")},
		}, gotRes)
		requireCalls(t, []Call{{ObjectType: "Query", Field: "node", Args: map[string]any{}}}, rt.GetCalls())
	})

	t.Run("ResolveType names a type outside the abstract type", func(t *testing.T) {
		sch := mustSchema(t, sdl)
		rt := NewMockRuntime(map[string]MockResolver{"Query.node": NewMockValueResolver(map[string]any{})})
		SetTypeResolver(rt, func(value any) (string, error) { return "Review", nil })
		gotRes := NewExecutor(rt, sch).ExecuteRequest(context.Background(), mustParseQuery(t, "{ node { id } }"), "", nil, nil)

		requireResult(t, &ExecutionResult{
			Data:   NewObject("node", nil),
			Errors: []GraphQLError{fieldErr(`abstract type Node must resolve to one of its object types at runtime, got "Review"`, "node")},
		}, gotRes)
	})
}
