// Package introspection answers __schema and __type queries on top of any
// executor.Runtime.
package introspection

import (
	"context"
	"sort"
	"strings"

	"github.com/hanpama/graphloader/internal/executor"
	schema "github.com/hanpama/graphloader/internal/schema"
)

// Wrapper pairs the introspecting runtime with the schema it must be
// executed against.
type Wrapper struct {
	Runtime executor.Runtime
	Schema  *schema.Schema
}

// Wrap returns a runtime that serves the meta fields itself and hands every
// other field to base.
func Wrap(base executor.Runtime, sch *schema.Schema) *Wrapper {
	visible, executable := extend(sch)
	return &Wrapper{
		Runtime: &runtime{base: base, schema: visible},
		Schema:  executable,
	}
}

type runtime struct {
	base   executor.Runtime
	schema *schema.Schema
}

// wrapped is a List or Non-Null type seen through __Type.
type wrapped struct {
	ref *schema.TypeRef
}

func (r *runtime) Resolve(ctx context.Context, req *executor.FieldRequest) (any, error) {
	if !strings.HasPrefix(req.ObjectType, "__") {
		if req.ObjectType == r.schema.QueryType {
			switch req.Field {
			case "__schema":
				return r.schema, nil
			case "__type":
				name, _ := req.Args["name"].(string)
				if t := r.schema.Types[name]; t != nil {
					return t, nil
				}
				return nil, nil
			}
		}
		return r.base.Resolve(ctx, req)
	}

	includeDeprecated, _ := req.Args["includeDeprecated"].(bool)
	switch src := req.Source.(type) {
	case *schema.Schema:
		return r.schemaField(src, req.Field), nil
	case *schema.Type:
		return r.typeField(src, req.Field, includeDeprecated), nil
	case wrapped:
		switch req.Field {
		case "kind":
			return string(src.ref.Kind), nil
		case "ofType":
			return r.typeOf(src.ref.OfType), nil
		}
		return nil, nil
	case *schema.Field:
		return r.fieldField(src, req.Field, includeDeprecated), nil
	case *schema.InputValue:
		return r.inputValueField(src, req.Field), nil
	case *schema.EnumValue:
		return enumValueField(src, req.Field), nil
	case *schema.Directive:
		switch req.Field {
		case "name":
			return src.Name, nil
		case "description":
			return optional(src.Description), nil
		case "isRepeatable":
			return src.IsRepeatable, nil
		case "locations":
			return src.Locations, nil
		case "args":
			return filterInputValues(src.Arguments, includeDeprecated), nil
		}
	}
	return nil, nil
}

func (r *runtime) ResolveType(ctx context.Context, abstractType string, value any) (string, error) {
	return r.base.ResolveType(ctx, abstractType, value)
}

func (r *runtime) SerializeLeafValue(ctx context.Context, typ string, value any) (any, error) {
	if strings.HasPrefix(typ, "__") {
		return value, nil
	}
	return r.base.SerializeLeafValue(ctx, typ, value)
}

func (r *runtime) schemaField(s *schema.Schema, field string) any {
	switch field {
	case "description":
		return optional(s.Description)
	case "types":
		names := make([]string, 0, len(s.Types))
		for name := range s.Types {
			names = append(names, name)
		}
		sort.Strings(names)
		out := make([]*schema.Type, len(names))
		for i, name := range names {
			out[i] = s.Types[name]
		}
		return out
	case "queryType":
		return r.named(s.QueryType)
	case "mutationType":
		return r.named(s.MutationType)
	case "subscriptionType":
		return r.named(s.SubscriptionType)
	case "directives":
		names := make([]string, 0, len(s.Directives))
		for name := range s.Directives {
			names = append(names, name)
		}
		sort.Strings(names)
		out := make([]*schema.Directive, len(names))
		for i, name := range names {
			out[i] = s.Directives[name]
		}
		return out
	}
	return nil
}

func (r *runtime) typeField(t *schema.Type, field string, includeDeprecated bool) any {
	switch field {
	case "kind":
		return string(t.Kind)
	case "name":
		return t.Name
	case "description":
		return optional(t.Description)
	case "specifiedByURL":
		if t.SpecifiedByURL == nil {
			return nil
		}
		return *t.SpecifiedByURL
	case "fields":
		if t.Kind != schema.TypeKindObject && t.Kind != schema.TypeKindInterface {
			return nil
		}
		out := []*schema.Field{}
		for _, f := range t.Fields {
			if includeDeprecated || !f.IsDeprecated {
				out = append(out, f)
			}
		}
		return out
	case "interfaces":
		if t.Kind != schema.TypeKindObject && t.Kind != schema.TypeKindInterface {
			return nil
		}
		return r.namedList(t.Interfaces)
	case "possibleTypes":
		if t.Kind != schema.TypeKindInterface && t.Kind != schema.TypeKindUnion {
			return nil
		}
		return r.namedList(t.PossibleTypes)
	case "enumValues":
		if t.Kind != schema.TypeKindEnum {
			return nil
		}
		out := []*schema.EnumValue{}
		for _, ev := range t.EnumValues {
			if includeDeprecated || !ev.IsDeprecated {
				out = append(out, ev)
			}
		}
		return out
	case "inputFields":
		if t.Kind != schema.TypeKindInputObject {
			return nil
		}
		return filterInputValues(t.InputFields, includeDeprecated)
	case "isOneOf":
		if t.Kind != schema.TypeKindInputObject {
			return nil
		}
		return t.OneOf
	}
	return nil
}

func (r *runtime) fieldField(f *schema.Field, field string, includeDeprecated bool) any {
	switch field {
	case "name":
		return f.Name
	case "description":
		return optional(f.Description)
	case "args":
		return filterInputValues(f.Arguments, includeDeprecated)
	case "type":
		return r.typeOf(f.Type)
	case "isDeprecated":
		return f.IsDeprecated
	case "deprecationReason":
		return deprecationReason(f.IsDeprecated, f.DeprecationReason)
	}
	return nil
}

func (r *runtime) inputValueField(v *schema.InputValue, field string) any {
	switch field {
	case "name":
		return v.Name
	case "description":
		return optional(v.Description)
	case "type":
		return r.typeOf(v.Type)
	case "defaultValue":
		if v.DefaultValue == nil {
			return nil
		}
		return schema.ValueLiteral(v.DefaultValue)
	case "isDeprecated":
		return v.IsDeprecated
	case "deprecationReason":
		return deprecationReason(v.IsDeprecated, v.DeprecationReason)
	}
	return nil
}

func enumValueField(v *schema.EnumValue, field string) any {
	switch field {
	case "name":
		return v.Name
	case "description":
		return optional(v.Description)
	case "isDeprecated":
		return v.IsDeprecated
	case "deprecationReason":
		return deprecationReason(v.IsDeprecated, v.DeprecationReason)
	}
	return nil
}

// typeOf maps a type reference to its __Type source: the named type itself,
// or a wrapped value for List and Non-Null.
func (r *runtime) typeOf(ref *schema.TypeRef) any {
	if ref == nil {
		return nil
	}
	if ref.Kind == schema.TypeRefKindNamed {
		return r.named(ref.Named)
	}
	return wrapped{ref: ref}
}

func (r *runtime) named(name string) any {
	if t := r.schema.Types[name]; t != nil {
		return t
	}
	return nil
}

func (r *runtime) namedList(names []string) []*schema.Type {
	out := []*schema.Type{}
	for _, name := range names {
		if t := r.schema.Types[name]; t != nil {
			out = append(out, t)
		}
	}
	return out
}

func filterInputValues(in []*schema.InputValue, includeDeprecated bool) []*schema.InputValue {
	out := []*schema.InputValue{}
	for _, v := range in {
		if includeDeprecated || !v.IsDeprecated {
			out = append(out, v)
		}
	}
	return out
}

func deprecationReason(deprecated bool, reason string) any {
	if !deprecated {
		return nil
	}
	return reason
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}
