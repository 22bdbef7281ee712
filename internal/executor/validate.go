package executor

import (
	"errors"
	"fmt"

	language "github.com/hanpama/graphloader/internal/language"
	schema "github.com/hanpama/graphloader/internal/schema"
)

// ValidationError reports a query that cannot be executed against the schema.
// It is fatal for the whole request: data is null.
type ValidationError struct {
	Message   string
	Locations []Location
}

func newValidationError(pos *language.Position, format string, args ...any) *ValidationError {
	e := &ValidationError{Message: fmt.Sprintf(format, args...)}
	if pos != nil {
		e.Locations = []Location{{Line: pos.Line, Column: pos.Column}}
	}
	return e
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Code() string { return "GRAPHQL_VALIDATION_FAILED" }

func validationFailure(errs ...error) *ExecutionResult {
	out := make([]GraphQLError, 0, len(errs))
	for _, err := range errs {
		gqlErr := GraphQLError{
			Message:    err.Error(),
			Extensions: map[string]any{"code": errorCode(err)},
		}
		var verr *ValidationError
		if errors.As(err, &verr) {
			gqlErr.Locations = verr.Locations
		}
		out = append(out, gqlErr)
	}
	return &ExecutionResult{Data: nil, Errors: out}
}

// validator checks the shape of an operation: fields exist on their parent
// type, leaf and composite selections match, arguments and fragments are
// known, and every variable used is defined.
type validator struct {
	schema    *schema.Schema
	document  *language.QueryDocument
	variables map[string]bool
	visiting  map[string]bool
	errs      []error
}

func validateOperation(sch *schema.Schema, document *language.QueryDocument, operation *language.OperationDefinition, rootType *schema.Type) []error {
	v := &validator{
		schema:    sch,
		document:  document,
		variables: make(map[string]bool),
		visiting:  make(map[string]bool),
	}
	for _, def := range operation.VariableDefinitions {
		if v.variables[def.Variable] {
			v.fail(def.Position, "variable $%s is defined more than once", def.Variable)
		}
		v.variables[def.Variable] = true
		if named := sch.Types[def.Type.Name()]; named == nil && !isBuiltinScalar(def.Type.Name()) {
			v.fail(def.Position, "variable $%s has unknown type %s", def.Variable, def.Type.Name())
		} else if named != nil && !isInputKind(named.Kind) {
			v.fail(def.Position, "variable $%s cannot be of output type %s", def.Variable, named.Name)
		}
	}
	v.selectionSet(rootType, operation.SelectionSet)
	return v.errs
}

func (v *validator) fail(pos *language.Position, format string, args ...any) {
	v.errs = append(v.errs, newValidationError(pos, format, args...))
}

func (v *validator) selectionSet(parent *schema.Type, set language.SelectionSet) {
	for _, selection := range set {
		switch sel := selection.(type) {
		case *language.Field:
			v.directives(sel.Directives)
			v.field(parent, sel)
		case *language.InlineFragment:
			v.directives(sel.Directives)
			target := parent
			if sel.TypeCondition != "" {
				target = v.fragmentType(sel.TypeCondition, sel.Position)
			}
			if target != nil {
				v.selectionSet(target, sel.SelectionSet)
			}
		case *language.FragmentSpread:
			v.directives(sel.Directives)
			def := v.document.Fragments.ForName(sel.Name)
			if def == nil {
				v.fail(sel.Position, "unknown fragment %q", sel.Name)
				continue
			}
			if v.visiting[sel.Name] {
				v.fail(sel.Position, "fragment %q spreads itself", sel.Name)
				continue
			}
			if target := v.fragmentType(def.TypeCondition, def.Position); target != nil {
				v.visiting[sel.Name] = true
				v.selectionSet(target, def.SelectionSet)
				delete(v.visiting, sel.Name)
			}
		}
	}
}

func (v *validator) fragmentType(name string, pos *language.Position) *schema.Type {
	t := v.schema.Types[name]
	if t == nil {
		v.fail(pos, "unknown type %q in fragment type condition", name)
		return nil
	}
	switch t.Kind {
	case schema.TypeKindObject, schema.TypeKindInterface, schema.TypeKindUnion:
		return t
	}
	v.fail(pos, "fragment cannot condition on non-composite type %q", name)
	return nil
}

func (v *validator) field(parent *schema.Type, f *language.Field) {
	if f.Name == "__typename" {
		if len(f.SelectionSet) > 0 {
			v.fail(f.Position, "field \"__typename\" must not have a selection")
		}
		return
	}
	def := parent.Field(f.Name)
	if def == nil {
		v.fail(f.Position, "cannot query field %q on type %q", f.Name, parent.Name)
		return
	}

	for _, arg := range f.Arguments {
		if def.Argument(arg.Name) == nil {
			v.fail(arg.Position, "unknown argument %q on field %q", arg.Name, parent.Name+"."+f.Name)
			continue
		}
		v.value(arg.Value)
	}
	for _, argDef := range def.Arguments {
		if schema.IsNonNull(argDef.Type) && argDef.DefaultValue == nil && f.Arguments.ForName(argDef.Name) == nil {
			v.fail(f.Position, "field %q argument %q of type %s is required", parent.Name+"."+f.Name, argDef.Name, argDef.Type.String())
		}
	}

	named := v.schema.Types[def.Type.GetNamedType()]
	leaf := named == nil || named.Kind == schema.TypeKindScalar || named.Kind == schema.TypeKindEnum
	switch {
	case leaf && len(f.SelectionSet) > 0:
		v.fail(f.Position, "field %q must not have a selection since type %q has no subfields", f.Name, def.Type.String())
	case !leaf && len(f.SelectionSet) == 0:
		v.fail(f.Position, "field %q of type %q must have a selection of subfields", f.Name, def.Type.String())
	case !leaf:
		v.selectionSet(named, f.SelectionSet)
	}
}

func (v *validator) directives(dirs language.DirectiveList) {
	for _, d := range dirs {
		for _, arg := range d.Arguments {
			v.value(arg.Value)
		}
	}
}

// value checks that every variable referenced is defined.
func (v *validator) value(val *language.Value) {
	if val == nil {
		return
	}
	if val.Kind == language.Variable && !v.variables[val.Raw] {
		v.fail(val.Position, "variable $%s is not defined", val.Raw)
	}
	for _, c := range val.Children {
		v.value(c.Value)
	}
}

func isBuiltinScalar(name string) bool {
	switch name {
	case "Int", "Float", "String", "Boolean", "ID":
		return true
	}
	return false
}

func isInputKind(kind schema.TypeKind) bool {
	switch kind {
	case schema.TypeKindScalar, schema.TypeKindEnum, schema.TypeKindInputObject:
		return true
	}
	return false
}
