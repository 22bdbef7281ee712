package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hanpama/graphloader/internal/language"
)

func NewSchema(description string) *Schema {
	return &Schema{
		Description: description,
		Types:       make(map[string]*Type),
		Directives:  make(map[string]*Directive),
	}
}

func (s *Schema) SetQueryType(name string) *Schema        { s.QueryType = name; return s }
func (s *Schema) SetMutationType(name string) *Schema     { s.MutationType = name; return s }
func (s *Schema) SetSubscriptionType(name string) *Schema { s.SubscriptionType = name; return s }

func (s *Schema) AddType(t *Type) *Schema {
	s.Types[t.Name] = t
	return s
}

func (s *Schema) AddDirective(d *Directive) *Schema {
	s.Directives[d.Name] = d
	return s
}

func NewType(name string, kind TypeKind, description string) *Type {
	return &Type{Name: name, Kind: kind, Description: description}
}

func (t *Type) AddField(f *Field) *Type            { t.Fields = append(t.Fields, f); return t }
func (t *Type) AddInterface(name string) *Type     { t.Interfaces = append(t.Interfaces, name); return t }
func (t *Type) AddPossibleType(name string) *Type  { t.PossibleTypes = append(t.PossibleTypes, name); return t }
func (t *Type) AddEnumValue(v *EnumValue) *Type    { t.EnumValues = append(t.EnumValues, v); return t }
func (t *Type) AddInputField(v *InputValue) *Type  { t.InputFields = append(t.InputFields, v); return t }
func (t *Type) SetOneOf(oneOf bool) *Type          { t.OneOf = oneOf; return t }
func (t *Type) SetSpecifiedByURL(url string) *Type { t.SpecifiedByURL = &url; return t }

func NewField(name, description string, typ *TypeRef) *Field {
	return &Field{Name: name, Description: description, Type: typ}
}

func (f *Field) AddArgument(a *InputValue) *Field { f.Arguments = append(f.Arguments, a); return f }

func (f *Field) Deprecate(reason string) *Field {
	f.IsDeprecated, f.DeprecationReason = true, reason
	return f
}

func NewEnumValue(name, description string) *EnumValue {
	return &EnumValue{Name: name, Description: description}
}

func (v *EnumValue) Deprecate(reason string) *EnumValue {
	v.IsDeprecated, v.DeprecationReason = true, reason
	return v
}

func NewInputValue(name, description string, typ *TypeRef) *InputValue {
	return &InputValue{Name: name, Description: description, Type: typ}
}

func (v *InputValue) SetDefault(value any) *InputValue { v.DefaultValue = value; return v }

func (v *InputValue) Deprecate(reason string) *InputValue {
	v.IsDeprecated, v.DeprecationReason = true, reason
	return v
}

func NewDirective(name, description string) *Directive {
	return &Directive{Name: name, Description: description}
}

func (d *Directive) SetRepeatable(r bool) *Directive      { d.IsRepeatable = r; return d }
func (d *Directive) AddArgument(a *InputValue) *Directive { d.Arguments = append(d.Arguments, a); return d }
func (d *Directive) AddLocation(locations ...string) *Directive {
	d.Locations = append(d.Locations, locations...)
	return d
}

// BuildFromSDL parses one SDL source and builds its schema.
func BuildFromSDL(sdl string) (*Schema, error) {
	doc, err := language.ParseSchema("schema.graphql", sdl)
	if err != nil {
		return nil, err
	}
	return Build(doc)
}

// Build assembles an executable schema from SDL documents. Type extensions
// are merged into their base definitions and interface possible types are
// derived from the objects implementing them. Applied directives other than
// @deprecated and @oneOf are not retained.
func Build(docs ...*language.SchemaDocument) (*Schema, error) {
	s := NewSchema("")
	for _, t := range builtinScalars {
		s.AddType(t)
	}
	for _, d := range builtinDirectives {
		s.AddDirective(d)
	}

	for _, doc := range docs {
		for _, def := range doc.Definitions {
			if existing, ok := s.Types[def.Name]; ok && !isBuiltin(existing) {
				return nil, fmt.Errorf("type %s is defined more than once", def.Name)
			}
			s.AddType(buildType(def))
		}
		for _, dir := range doc.Directives {
			s.AddDirective(buildDirective(dir))
		}
		for _, def := range doc.Schema {
			setRootTypes(s, def.OperationTypes)
		}
		for _, def := range doc.SchemaExtension {
			setRootTypes(s, def.OperationTypes)
		}
	}
	for _, doc := range docs {
		for _, ext := range doc.Extensions {
			base, ok := s.Types[ext.Name]
			if !ok {
				return nil, fmt.Errorf("cannot extend undefined type %s", ext.Name)
			}
			if string(base.Kind) != string(ext.Kind) {
				return nil, fmt.Errorf("cannot extend %s %s as %s", base.Kind, ext.Name, ext.Kind)
			}
			mergeInto(base, buildType(ext))
		}
	}

	if s.QueryType == "" && s.Types["Query"] != nil {
		s.QueryType = "Query"
	}
	if s.MutationType == "" && s.Types["Mutation"] != nil {
		s.MutationType = "Mutation"
	}
	if s.SubscriptionType == "" && s.Types["Subscription"] != nil {
		s.SubscriptionType = "Subscription"
	}
	derivePossibleTypes(s)
	if err := validate(s); err != nil {
		return nil, err
	}
	return s, nil
}

func setRootTypes(s *Schema, ops language.OperationTypeDefinitionList) {
	for _, op := range ops {
		switch op.Operation {
		case language.Query:
			s.QueryType = op.Type
		case language.Mutation:
			s.MutationType = op.Type
		case language.Subscription:
			s.SubscriptionType = op.Type
		}
	}
}

func buildType(def *language.Definition) *Type {
	t := NewType(def.Name, TypeKind(def.Kind), def.Description)
	for _, name := range def.Interfaces {
		t.AddInterface(name)
	}
	for _, fd := range def.Fields {
		if t.Kind == TypeKindInputObject {
			t.AddInputField(buildInputValue(fd.Name, fd.Description, fd.Type, fd.DefaultValue, fd.Directives))
			continue
		}
		if strings.HasPrefix(fd.Name, "__") {
			continue
		}
		t.AddField(buildField(fd))
	}
	for _, ev := range def.EnumValues {
		v := NewEnumValue(ev.Name, ev.Description)
		if ok, reason := deprecation(ev.Directives); ok {
			v.Deprecate(reason)
		}
		t.AddEnumValue(v)
	}
	for _, name := range def.Types {
		t.AddPossibleType(name)
	}
	if def.Directives.ForName("oneOf") != nil {
		t.SetOneOf(true)
	}
	if d := def.Directives.ForName("specifiedBy"); d != nil {
		if a := d.Arguments.ForName("url"); a != nil && a.Value != nil {
			t.SetSpecifiedByURL(a.Value.Raw)
		}
	}
	return t
}

func buildField(fd *language.FieldDefinition) *Field {
	f := NewField(fd.Name, fd.Description, TypeRefFromAST(fd.Type))
	for _, a := range fd.Arguments {
		f.AddArgument(buildInputValue(a.Name, a.Description, a.Type, a.DefaultValue, a.Directives))
	}
	if ok, reason := deprecation(fd.Directives); ok {
		f.Deprecate(reason)
	}
	return f
}

func buildInputValue(name, desc string, typ *language.Type, def *language.Value, dirs language.DirectiveList) *InputValue {
	in := NewInputValue(name, desc, TypeRefFromAST(typ))
	if def != nil {
		if v, err := def.Value(nil); err == nil {
			in.SetDefault(v)
		}
	}
	if ok, reason := deprecation(dirs); ok {
		in.Deprecate(reason)
	}
	return in
}

func buildDirective(def *language.DirectiveDefinition) *Directive {
	d := NewDirective(def.Name, def.Description).SetRepeatable(def.IsRepeatable)
	for _, loc := range def.Locations {
		d.AddLocation(string(loc))
	}
	for _, a := range def.Arguments {
		d.AddArgument(buildInputValue(a.Name, a.Description, a.Type, a.DefaultValue, a.Directives))
	}
	return d
}

func deprecation(dirs language.DirectiveList) (bool, string) {
	d := dirs.ForName("deprecated")
	if d == nil {
		return false, ""
	}
	if a := d.Arguments.ForName("reason"); a != nil && a.Value != nil {
		return true, a.Value.Raw
	}
	return true, ""
}

func mergeInto(base, ext *Type) {
	base.Fields = append(base.Fields, ext.Fields...)
	base.Interfaces = append(base.Interfaces, ext.Interfaces...)
	base.PossibleTypes = append(base.PossibleTypes, ext.PossibleTypes...)
	base.EnumValues = append(base.EnumValues, ext.EnumValues...)
	base.InputFields = append(base.InputFields, ext.InputFields...)
	base.OneOf = base.OneOf || ext.OneOf
}

func derivePossibleTypes(s *Schema) {
	implementers := make(map[string][]string)
	for _, t := range s.Types {
		if t.Kind != TypeKindObject {
			continue
		}
		for _, iface := range t.Interfaces {
			implementers[iface] = append(implementers[iface], t.Name)
		}
	}
	for name, objs := range implementers {
		if t := s.Types[name]; t != nil && t.Kind == TypeKindInterface {
			sort.Strings(objs)
			t.PossibleTypes = objs
		}
	}
}

func validate(s *Schema) error {
	if s.QueryType == "" || s.Types[s.QueryType] == nil {
		return fmt.Errorf("schema has no query type")
	}
	names := make([]string, 0, len(s.Types))
	for name := range s.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t := s.Types[name]
		seen := make(map[string]bool, len(t.Fields))
		for _, f := range t.Fields {
			if seen[f.Name] {
				return fmt.Errorf("field %s.%s is defined more than once", name, f.Name)
			}
			seen[f.Name] = true
			if s.Types[f.Type.GetNamedType()] == nil {
				return fmt.Errorf("field %s.%s has undefined type %s", name, f.Name, f.Type.GetNamedType())
			}
			for _, a := range f.Arguments {
				if s.Types[a.Type.GetNamedType()] == nil {
					return fmt.Errorf("argument %s.%s(%s) has undefined type %s", name, f.Name, a.Name, a.Type.GetNamedType())
				}
			}
		}
		for _, iface := range t.Interfaces {
			if it := s.Types[iface]; it == nil || it.Kind != TypeKindInterface {
				return fmt.Errorf("type %s implements %s which is not an interface", name, iface)
			}
		}
		if t.Kind == TypeKindUnion {
			for _, member := range t.PossibleTypes {
				if mt := s.Types[member]; mt == nil || mt.Kind != TypeKindObject {
					return fmt.Errorf("union %s member %s is not an object type", name, member)
				}
			}
		}
	}
	return nil
}

// TypeRefFromAST converts a parsed type reference.
func TypeRefFromAST(t *language.Type) *TypeRef {
	if t == nil {
		return nil
	}
	var inner *TypeRef
	if t.Elem != nil {
		inner = ListType(TypeRefFromAST(t.Elem))
	} else {
		inner = NamedType(t.NamedType)
	}
	if t.NonNull {
		return NonNullType(inner)
	}
	return inner
}
