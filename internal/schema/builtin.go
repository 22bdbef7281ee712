package schema

func named(name string) *TypeRef { return &TypeRef{Kind: TypeRefKindNamed, Named: name} }

func nonNull(name string) *TypeRef { return &TypeRef{Kind: TypeRefKindNonNull, OfType: named(name)} }

func scalar(name, description string) *Type {
	return &Type{Name: name, Kind: TypeKindScalar, Description: description}
}

var (
	stringType  = scalar("String", "The `String` scalar type represents textual data, represented as UTF-8 character sequences.")
	intType     = scalar("Int", "The `Int` scalar type represents non-fractional signed whole numeric values.")
	floatType   = scalar("Float", "The `Float` scalar type represents signed double-precision fractional values.")
	booleanType = scalar("Boolean", "The `Boolean` scalar type represents `true` or `false`.")
	idType      = scalar("ID", "The `ID` scalar type represents a unique identifier, often used to refetch an object or as a key for caching.")
)

// builtinScalars are present in every schema and never rendered.
var builtinScalars = []*Type{stringType, intType, floatType, booleanType, idType}

var executableLocations = []string{"FIELD", "FRAGMENT_SPREAD", "INLINE_FRAGMENT"}

// builtinDirectives are present in every schema and never rendered.
var builtinDirectives = []*Directive{
	{
		Name:        "include",
		Description: "Directs the executor to include this field or fragment only when the `if` argument is true.",
		Arguments:   []*InputValue{{Name: "if", Description: "Included when true.", Type: nonNull("Boolean")}},
		Locations:   executableLocations,
	},
	{
		Name:        "skip",
		Description: "Directs the executor to skip this field or fragment when the `if` argument is true.",
		Arguments:   []*InputValue{{Name: "if", Description: "Skipped when true.", Type: nonNull("Boolean")}},
		Locations:   executableLocations,
	},
	{
		Name:        "deprecated",
		Description: "Marks an element of a GraphQL schema as no longer supported.",
		Arguments: []*InputValue{{
			Name:         "reason",
			Description:  "Explains why this element was deprecated.",
			Type:         named("String"),
			DefaultValue: "No longer supported",
		}},
		Locations: []string{"FIELD_DEFINITION", "ARGUMENT_DEFINITION", "INPUT_FIELD_DEFINITION", "ENUM_VALUE"},
	},
	{
		Name:        "specifiedBy",
		Description: "Exposes a URL that specifies the behavior of this scalar.",
		Arguments:   []*InputValue{{Name: "url", Description: "The URL that specifies the behavior of this scalar.", Type: nonNull("String")}},
		Locations:   []string{"SCALAR"},
	},
}

func isBuiltin(t *Type) bool {
	for _, b := range builtinScalars {
		if t == b {
			return true
		}
	}
	return false
}

func isBuiltinDirective(d *Directive) bool {
	for _, b := range builtinDirectives {
		if d == b {
			return true
		}
	}
	return false
}
