// Package federation composes independently served subgraphs into one
// supergraph and resolves fields across them.
//
// Each subgraph marks its entities with @key(fields:) and may contribute
// fields to entities defined elsewhere. Compose validates field ownership
// and the @requires graph, the Gateway resolves every field by delegating
// to the owning service, and a Service answers those delegated fetches on
// the subgraph side. Fields owned by another service are loaded through the
// execution's scheduler under the key type "_entities:<service>:<type>", so
// all references reached in one tick travel in a single request per service.
package federation

import (
	"fmt"
	"sort"
	"strings"

	language "github.com/hanpama/graphloader/internal/language"
	schema "github.com/hanpama/graphloader/internal/schema"
)

var federationDirectives = map[string]bool{
	"key": true, "external": true, "shareable": true, "requires": true,
	"provides": true, "extends": true, "link": true,
}

var reservedTypes = map[string]bool{"_Any": true, "_Entity": true, "_Service": true}

type objectInfo struct {
	keys      []string
	shareable bool
	external  map[string]bool
	shared    map[string]bool
	requires  map[string][]string
}

// Subgraph is one service's SDL with its federation directives read out.
type Subgraph struct {
	Name string
	SDL  string

	defs       []*language.Definition
	directives []*language.DirectiveDefinition
	objects    map[string]*objectInfo
	executable *schema.Schema
}

// ParseSubgraph reads a subgraph SDL. Type extensions are folded into their
// definitions; an extension without a definition in the same SDL becomes the
// definition. The returned subgraph's Schema adds _Any, _Entity and the
// Query fields _entities and _service.
func ParseSubgraph(name, sdl string) (*Subgraph, error) {
	doc, err := language.ParseSchema(name+".graphql", sdl)
	if err != nil {
		return nil, fmt.Errorf("subgraph %s: %w", name, err)
	}
	sg := &Subgraph{Name: name, SDL: sdl, objects: make(map[string]*objectInfo)}

	byName := make(map[string]*language.Definition)
	for _, def := range append(append(language.DefinitionList{}, doc.Definitions...), doc.Extensions...) {
		if reservedTypes[def.Name] {
			continue
		}
		base, ok := byName[def.Name]
		if !ok {
			cp := *def
			cp.Fields = append(language.FieldList(nil), def.Fields...)
			byName[def.Name] = &cp
			sg.defs = append(sg.defs, &cp)
			continue
		}
		if base.Kind != def.Kind {
			return nil, fmt.Errorf("subgraph %s: %s is declared as both %s and %s", name, def.Name, base.Kind, def.Kind)
		}
		base.Fields = append(base.Fields, def.Fields...)
		base.Interfaces = append(base.Interfaces, def.Interfaces...)
		base.Types = append(base.Types, def.Types...)
		base.EnumValues = append(base.EnumValues, def.EnumValues...)
		base.Directives = append(base.Directives, def.Directives...)
	}
	for _, d := range doc.Directives {
		if !federationDirectives[d.Name] {
			sg.directives = append(sg.directives, d)
		}
	}

	for _, def := range sg.defs {
		if def.Kind != language.Object {
			continue
		}
		info := &objectInfo{
			external: make(map[string]bool),
			shared:   make(map[string]bool),
			requires: make(map[string][]string),
		}
		if d := def.Directives.ForName("key"); d != nil {
			if info.keys, err = fieldSetArgument(d); err != nil {
				return nil, fmt.Errorf("subgraph %s: @key on %s: %w", name, def.Name, err)
			}
			for _, k := range info.keys {
				if def.Fields.ForName(k) == nil {
					return nil, fmt.Errorf("subgraph %s: @key on %s names unknown field %s", name, def.Name, k)
				}
			}
		}
		info.shareable = def.Directives.ForName("shareable") != nil
		for _, f := range def.Fields {
			if f.Directives.ForName("external") != nil {
				info.external[f.Name] = true
			}
			if f.Directives.ForName("shareable") != nil {
				info.shared[f.Name] = true
			}
			if d := f.Directives.ForName("requires"); d != nil {
				if info.requires[f.Name], err = fieldSetArgument(d); err != nil {
					return nil, fmt.Errorf("subgraph %s: @requires on %s.%s: %w", name, def.Name, f.Name, err)
				}
			}
		}
		sg.objects[def.Name] = info
	}

	fed, err := language.ParseSchema(name+"-federation.graphql", sg.federationSDL())
	if err != nil {
		return nil, fmt.Errorf("subgraph %s: %w", name, err)
	}
	own := &language.SchemaDocument{Definitions: sg.defs, Directives: sg.directives, Schema: doc.Schema}
	if sg.executable, err = schema.Build(own, fed); err != nil {
		return nil, fmt.Errorf("subgraph %s: %w", name, err)
	}
	return sg, nil
}

func (sg *Subgraph) federationSDL() string {
	var b strings.Builder
	b.WriteString("scalar _Any\ntype _Service { sdl: String! }\n")
	entities := sg.Entities()
	if len(entities) > 0 {
		fmt.Fprintf(&b, "union _Entity = %s\n", strings.Join(entities, " | "))
	}
	keyword := "type"
	for _, def := range sg.defs {
		if def.Name == "Query" {
			keyword = "extend type"
		}
	}
	fmt.Fprintf(&b, "%s Query {\n  _service: _Service!\n", keyword)
	if len(entities) > 0 {
		b.WriteString("  _entities(representations: [_Any!]!): [_Entity]!\n")
	}
	b.WriteString("}\n")
	return b.String()
}

// fieldSetArgument reads the fields: argument of @key or @requires. Only
// flat lists of field names are accepted.
func fieldSetArgument(d *language.Directive) ([]string, error) {
	arg := d.Arguments.ForName("fields")
	if arg == nil || arg.Value == nil {
		return nil, fmt.Errorf("missing fields argument")
	}
	return parseFieldSet(arg.Value.Raw)
}

func parseFieldSet(set string) ([]string, error) {
	doc, err := language.ParseQuery("{" + set + "}")
	if err != nil {
		return nil, fmt.Errorf("field set %q: %w", set, err)
	}
	var out []string
	for _, sel := range doc.Operations[0].SelectionSet {
		f, ok := sel.(*language.Field)
		if !ok || f.Alias != f.Name || len(f.Arguments) > 0 || len(f.SelectionSet) > 0 {
			return nil, fmt.Errorf("field set %q: only field names are supported", set)
		}
		out = append(out, f.Name)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("field set is empty")
	}
	return out, nil
}

// Schema returns the executable subgraph schema, including _entities.
func (sg *Subgraph) Schema() *schema.Schema { return sg.executable }

// Keys returns the @key fields of typ, or nil when typ is not an entity here.
func (sg *Subgraph) Keys(typ string) []string {
	if info := sg.objects[typ]; info != nil {
		return info.keys
	}
	return nil
}

// Entities lists the types carrying @key, sorted by name.
func (sg *Subgraph) Entities() []string {
	var out []string
	for name, info := range sg.objects {
		if len(info.keys) > 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Resolves reports whether the service defines typ.field without @external.
func (sg *Subgraph) Resolves(typ, field string) bool {
	info := sg.objects[typ]
	if info == nil || info.external[field] {
		return false
	}
	return sg.definition(typ).Fields.ForName(field) != nil
}

// Requires returns the @requires fields of typ.field.
func (sg *Subgraph) Requires(typ, field string) []string {
	if info := sg.objects[typ]; info != nil {
		return info.requires[field]
	}
	return nil
}

func (sg *Subgraph) shareable(typ, field string) bool {
	info := sg.objects[typ]
	if info == nil {
		return false
	}
	if info.shareable || info.shared[field] {
		return true
	}
	for _, k := range info.keys {
		if k == field {
			return true
		}
	}
	return false
}

func (sg *Subgraph) definition(typ string) *language.Definition {
	for _, def := range sg.defs {
		if def.Name == typ {
			return def
		}
	}
	return nil
}
