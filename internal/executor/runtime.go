package executor

import (
	"context"

	language "github.com/hanpama/graphloader/internal/language"
	"github.com/hanpama/graphloader/internal/loader"
	schema "github.com/hanpama/graphloader/internal/schema"
)

// Runtime is the host integration surface the Executor resolves fields through.
//
// General contract
//   - Resolve is called once per field instance. It may return a plain value,
//     which is completed immediately, or a *loader.Thunk obtained from
//     req.Loader, which is completed once the scheduler settles it.
//   - Thunks returned at one depth are settled by the same Dispatch ticks, so
//     every Load issued at that depth lands in one batch per key type.
//   - Errors are converted into located GraphQL errors. If the field type is
//     Non-Null the null propagates to the nearest nullable ancestor.
//   - Implementations must be safe for concurrent use by many executions and
//     must not mutate source or args.
//
// Abstract types and leaf values
//   - ResolveType returns the concrete object type name for an interface or
//     union value. The name must be a possible type of abstractType.
//   - SerializeLeafValue coerces scalars and enums into JSON-safe Go values.
type Runtime interface {
	Resolve(ctx context.Context, req *FieldRequest) (any, error)
	ResolveType(ctx context.Context, abstractType string, value any) (string, error)
	SerializeLeafValue(ctx context.Context, scalarOrEnumTypeName string, value any) (any, error)
}

// FieldRequest describes a single field instance being resolved.
type FieldRequest struct {
	// ObjectType is the parent object type name ("Query" for root fields).
	ObjectType string
	// Field is the schema field name; aliases are not applied.
	Field string
	// Source is the parent value (the root value for root fields).
	Source any
	// Args are already coerced against the field definition.
	Args map[string]any
	// Path is the response path of this field.
	Path Path
	// ReturnType is the declared field type.
	ReturnType *schema.TypeRef
	// Loader is the execution's batch scheduler.
	Loader *loader.Scheduler
	// Fields are the merged AST nodes sharing this response name.
	Fields []*language.Field
}

// SelectedFields returns the names of the sub-fields selected directly below
// this field, in document order and without duplicates. Fragments are flattened
// without type conditions.
func (r *FieldRequest) SelectedFields() []string {
	var out []string
	seen := make(map[string]bool)
	var walk func(language.SelectionSet)
	walk = func(set language.SelectionSet) {
		for _, sel := range set {
			switch s := sel.(type) {
			case *language.Field:
				if !seen[s.Name] {
					seen[s.Name] = true
					out = append(out, s.Name)
				}
			case *language.InlineFragment:
				walk(s.SelectionSet)
			case *language.FragmentSpread:
				if s.Definition != nil {
					walk(s.Definition.SelectionSet)
				}
			}
		}
	}
	for _, f := range r.Fields {
		walk(f.SelectionSet)
	}
	return out
}
