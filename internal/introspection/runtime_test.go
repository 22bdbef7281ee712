package introspection

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hanpama/graphloader/internal/executor"
	language "github.com/hanpama/graphloader/internal/language"
	"github.com/hanpama/graphloader/internal/registry"
	schema "github.com/hanpama/graphloader/internal/schema"
)

const sdl = `
	type Query {
		hello: String
		book(id: ID!): Book
	}
	"A printed work."
	type Book implements Node {
		id: ID!
		tags: [String!]!
		isbn: String @deprecated(reason: "use id")
	}
	interface Node { id: ID! }
	enum Genre { NOVEL ESSAY }
	input Filter { genre: Genre limit: Int = 10 }
`

func run(t *testing.T, query string) map[string]any {
	t.Helper()
	sch, err := schema.BuildFromSDL(sdl)
	require.NoError(t, err)
	reg := registry.New(sch)
	reg.Field("Query", "hello", func(context.Context, *executor.FieldRequest) (any, error) { return "world", nil })

	wrapper := Wrap(reg, sch)
	exec := executor.NewExecutor(wrapper.Runtime, wrapper.Schema)
	doc, err := language.ParseQuery(query)
	require.NoError(t, err)
	res := exec.ExecuteRequest(context.Background(), doc, "", nil, nil)
	require.Empty(t, res.Errors)

	raw, err := json.Marshal(res.Data)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestIntrospection_SchemaRoots(t *testing.T) {
	data := run(t, `{ hello __schema { queryType { name } mutationType { name } } }`)
	require.Equal(t, map[string]any{
		"hello": "world",
		"__schema": map[string]any{
			"queryType":    map[string]any{"name": "Query"},
			"mutationType": nil,
		},
	}, data)
}

func TestIntrospection_TypeDetails(t *testing.T) {
	data := run(t, `{
		__type(name: "Book") {
			kind name description
			interfaces { name }
			fields(includeDeprecated: true) {
				name isDeprecated deprecationReason
				type { kind name ofType { kind name ofType { kind name } } }
			}
		}
	}`)
	require.Equal(t, map[string]any{
		"kind":        "OBJECT",
		"name":        "Book",
		"description": "A printed work.",
		"interfaces":  []any{map[string]any{"name": "Node"}},
		"fields": []any{
			map[string]any{
				"name": "id", "isDeprecated": false, "deprecationReason": nil,
				"type": map[string]any{"kind": "NON_NULL", "name": nil, "ofType": map[string]any{"kind": "SCALAR", "name": "ID", "ofType": nil}},
			},
			map[string]any{
				"name": "tags", "isDeprecated": false, "deprecationReason": nil,
				"type": map[string]any{"kind": "NON_NULL", "name": nil, "ofType": map[string]any{"kind": "LIST", "name": nil, "ofType": map[string]any{"kind": "NON_NULL", "name": nil}}},
			},
			map[string]any{
				"name": "isbn", "isDeprecated": true, "deprecationReason": "use id",
				"type": map[string]any{"kind": "SCALAR", "name": "String", "ofType": nil},
			},
		},
	}, data["__type"])
}

func TestIntrospection_DeprecatedFieldsHiddenByDefault(t *testing.T) {
	data := run(t, `{ __type(name: "Book") { fields { name } } }`)
	require.Equal(t, map[string]any{
		"fields": []any{map[string]any{"name": "id"}, map[string]any{"name": "tags"}},
	}, data["__type"])
}

func TestIntrospection_InputsEnumsAndUnknownTypes(t *testing.T) {
	data := run(t, `{
		filter: __type(name: "Filter") { kind inputFields { name defaultValue } }
		genre: __type(name: "Genre") { enumValues { name } fields { name } }
		node: __type(name: "Node") { possibleTypes { name } }
		missing: __type(name: "Nope") { name }
	}`)
	require.Equal(t, map[string]any{
		"filter": map[string]any{"kind": "INPUT_OBJECT", "inputFields": []any{
			map[string]any{"name": "genre", "defaultValue": nil},
			map[string]any{"name": "limit", "defaultValue": "10"},
		}},
		"genre": map[string]any{"enumValues": []any{map[string]any{"name": "NOVEL"}, map[string]any{"name": "ESSAY"}}, "fields": nil},
		"node":  map[string]any{"possibleTypes": []any{map[string]any{"name": "Book"}}},
		"missing": nil,
	}, data)
}

func TestIntrospection_MetaTypesListed(t *testing.T) {
	data := run(t, `{ __schema { types { name } directives { name locations } } }`)
	s := data["__schema"].(map[string]any)
	var names []string
	for _, tp := range s["types"].([]any) {
		names = append(names, tp.(map[string]any)["name"].(string))
	}
	require.Contains(t, names, "__Schema")
	require.Contains(t, names, "Book")
	require.NotContains(t, names, "")
	require.Equal(t, []any{
		map[string]any{"name": "deprecated", "locations": []any{"FIELD_DEFINITION", "ARGUMENT_DEFINITION", "INPUT_FIELD_DEFINITION", "ENUM_VALUE"}},
		map[string]any{"name": "include", "locations": []any{"FIELD", "FRAGMENT_SPREAD", "INLINE_FRAGMENT"}},
		map[string]any{"name": "skip", "locations": []any{"FIELD", "FRAGMENT_SPREAD", "INLINE_FRAGMENT"}},
		map[string]any{"name": "specifiedBy", "locations": []any{"SCALAR"}},
	}, s["directives"])
}

func TestTypenameWithoutWrapper(t *testing.T) {
	sch, err := schema.BuildFromSDL(sdl)
	require.NoError(t, err)
	exec := executor.NewExecutor(registry.New(sch), sch)
	doc, err := language.ParseQuery("{ __typename }")
	require.NoError(t, err)
	res := exec.ExecuteRequest(context.Background(), doc, "", nil, nil)
	require.Empty(t, res.Errors)
	require.Equal(t, executor.NewObject("__typename", "Query"), res.Data)
}
