package executor

import (
	"context"
	"fmt"
	"testing"

	schema "github.com/hanpama/graphloader/internal/schema"
)

// Pattern: Result comparison
func TestMutation_Serial_Evaluation_Order_Result(t *testing.T) {
	sch := schema.NewSchema("")
	sch.SetQueryType("Query")
	sch.SetMutationType("Mutation")
	sch.AddType(newObjectType("Query"))
	sch.AddType(newObjectType(
		"Mutation",
		schema.NewField("m1", "", schema.NamedType("String")),
		schema.NewField("m2", "", schema.NamedType("String")),
		schema.NewField("m3", "", schema.NamedType("String")),
	))
	sch.AddType(newScalarType("String"))
	rt := NewMockRuntime(map[string]MockResolver{
		"Mutation.m1": NewMockValueResolver("1"),
		"Mutation.m2": NewMockErrorResolver(fmt.Errorf("boom")),
		"Mutation.m3": NewMockValueResolver("3"),
	})
	exec := NewExecutor(rt, sch)
	doc := mustParseQuery(t, "mutation { m1 m2 m3 }")

	gotRes := exec.ExecuteRequest(context.Background(), doc, "", nil, nil)

	requireResult(t, &ExecutionResult{
		Data:   NewObject("m1", "1", "m2", nil, "m3", "3"),
		Errors: []GraphQLError{fieldErr("boom", "m2")},
	}, gotRes)
	requireCalls(t, []Call{
		{ObjectType: "Mutation", Field: "m1", Args: map[string]any{}},
		{ObjectType: "Mutation", Field: "m2", Args: map[string]any{}},
		{ObjectType: "Mutation", Field: "m3", Args: map[string]any{}},
	}, rt.GetCalls())
}

// Pattern: Result comparison
func TestMutation_EachFieldDrainsBeforeTheNext(t *testing.T) {
	lib := newLibrary()
	sch := mustSchema(t, librarySDL+`
		type Mutation { touch(id: ID!): Book check: Int }
	`)
	rt := NewMockRuntime(map[string]MockResolver{
		"Mutation.touch": NewMockLoadResolver("Book", argField("id")),
		"Mutation.check": func(ctx context.Context, req *FieldRequest) (any, error) {
			return len(lib.books.Calls()), nil
		},
		"Book.author": NewMockLoadResolver("Author", sourceField("authorId")),
	})
	exec := NewExecutor(rt, sch, WithLoaders(lib.loaders))
	doc := mustParseQuery(t, `mutation { touch(id: "1") { author { name } } check }`)

	gotRes := exec.ExecuteRequest(context.Background(), doc, "", nil, nil)

	requireResult(t, &ExecutionResult{
		Data:   NewObject("touch", NewObject("author", NewObject("name", "Herbert")), "check", 1),
		Errors: []GraphQLError{},
	}, gotRes)
}

func TestMutation_NonNullRootFailureStopsLaterFields(t *testing.T) {
	sch := mustSchema(t, `type Query { a: Int } type Mutation { first: String! second: String }`)
	rt := NewMockRuntime(map[string]MockResolver{
		"Mutation.first":  NewMockErrorResolver(fmt.Errorf("denied")),
		"Mutation.second": NewMockValueResolver("never"),
	})
	gotRes := NewExecutor(rt, sch).ExecuteRequest(context.Background(), mustParseQuery(t, "mutation { first second }"), "", nil, nil)

	requireResult(t, &ExecutionResult{Data: nil, Errors: []GraphQLError{fieldErr("denied", "first")}}, gotRes)
	requireCalls(t, []Call{{ObjectType: "Mutation", Field: "first", Args: map[string]any{}}}, rt.GetCalls())
}
