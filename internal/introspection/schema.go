package introspection

import (
	"fmt"
	"strings"

	schema "github.com/hanpama/graphloader/internal/schema"
)

const introspectionSDL = `
type Query { _introspection: Boolean }

"A GraphQL Schema defines the capabilities of a GraphQL server."
type __Schema {
  description: String
  "A list of all types supported by this server."
  types: [__Type!]!
  "The type that query operations will be rooted at."
  queryType: __Type!
  "If this server supports mutation, the type that mutation operations will be rooted at."
  mutationType: __Type
  "If this server support subscription, the type that subscription operations will be rooted at."
  subscriptionType: __Type
  "A list of all directives supported by this server."
  directives: [__Directive!]!
}

"The fundamental unit of any GraphQL Schema is the type."
type __Type {
  kind: __TypeKind!
  name: String
  description: String
  specifiedByURL: String
  fields(includeDeprecated: Boolean = false): [__Field!]
  interfaces: [__Type!]
  possibleTypes: [__Type!]
  enumValues(includeDeprecated: Boolean = false): [__EnumValue!]
  inputFields(includeDeprecated: Boolean = false): [__InputValue!]
  ofType: __Type
  isOneOf: Boolean
}

"An enum describing what kind of type a given __Type is."
enum __TypeKind { SCALAR OBJECT INTERFACE UNION ENUM INPUT_OBJECT LIST NON_NULL }

"Object and Interface types are described by a list of Fields, each of which has a name, potentially a list of arguments, and a return type."
type __Field {
  name: String!
  description: String
  args(includeDeprecated: Boolean = false): [__InputValue!]!
  type: __Type!
  isDeprecated: Boolean!
  deprecationReason: String
}

"Arguments provided to Fields or Directives and the input fields of an InputObject are represented as Input Values which describe their type and optionally a default value."
type __InputValue {
  name: String!
  description: String
  type: __Type!
  "A GraphQL-formatted string representing the default value for this input value."
  defaultValue: String
  isDeprecated: Boolean!
  deprecationReason: String
}

"One possible value for a given Enum."
type __EnumValue {
  name: String!
  description: String
  isDeprecated: Boolean!
  deprecationReason: String
}

"A Directive provides a way to describe alternate runtime execution and type validation behavior in a GraphQL document."
type __Directive {
  name: String!
  description: String
  isRepeatable: Boolean!
  locations: [__DirectiveLocation!]!
  args(includeDeprecated: Boolean = false): [__InputValue!]!
}

"A Directive can be adjacent to many parts of the GraphQL language, a __DirectiveLocation describes one such possible adjacencies."
enum __DirectiveLocation {
  QUERY MUTATION SUBSCRIPTION FIELD FRAGMENT_DEFINITION FRAGMENT_SPREAD INLINE_FRAGMENT VARIABLE_DEFINITION
  SCHEMA SCALAR OBJECT FIELD_DEFINITION ARGUMENT_DEFINITION INTERFACE UNION ENUM ENUM_VALUE INPUT_OBJECT INPUT_FIELD_DEFINITION
}
`

// metaTypes are the __-prefixed types, built once from introspectionSDL.
var metaTypes = func() map[string]*schema.Type {
	sch, err := schema.BuildFromSDL(introspectionSDL)
	if err != nil {
		panic(fmt.Sprintf("introspection: invalid meta schema: %v", err))
	}
	out := make(map[string]*schema.Type)
	for name, t := range sch.Types {
		if strings.HasPrefix(name, "__") {
			out[name] = t
		}
	}
	return out
}()

var (
	schemaField = schema.NewField("__schema", "Access the current type schema of this server.", schema.NonNullType(schema.NamedType("__Schema")))
	typeField   = schema.NewField("__type", "Request the type information of a single type.", schema.NamedType("__Type")).
			AddArgument(schema.NewInputValue("name", "", schema.NonNullType(schema.NamedType("String"))))
)

// extend returns two copies of original. visible adds the meta types and is
// what introspection queries describe; executable also adds __schema and
// __type to the query type so that the executor can validate them.
func extend(original *schema.Schema) (visible, executable *schema.Schema) {
	visible = copySchema(original)
	for name, t := range metaTypes {
		visible.Types[name] = t
	}

	executable = copySchema(visible)
	if q := executable.GetQueryType(); q != nil {
		root := *q
		root.Fields = append(append([]*schema.Field(nil), q.Fields...), schemaField, typeField)
		executable.Types[root.Name] = &root
	}
	return visible, executable
}

func copySchema(s *schema.Schema) *schema.Schema {
	out := *s
	out.Types = make(map[string]*schema.Type, len(s.Types)+len(metaTypes))
	for name, t := range s.Types {
		out.Types[name] = t
	}
	return &out
}
