package federation

import (
	"sort"
	"strings"

	language "github.com/hanpama/graphloader/internal/language"
	schema "github.com/hanpama/graphloader/internal/schema"
)

type fieldKey struct {
	typ   string
	field string
}

func (k fieldKey) String() string { return k.typ + "." + k.field }

// Supergraph is the composed schema together with the ownership table used
// to route every field to a service.
type Supergraph struct {
	Schema *schema.Schema

	subgraphs []*Subgraph
	byName    map[string]*Subgraph
	owners    map[fieldKey][]string
	keys      map[string][]string
}

// Compose merges subgraphs into a supergraph. It fails with a
// CompositionConflictError when two services resolve the same field and one
// of them did not mark it @shareable, with a CompositionCycleError when
// @requires dependencies loop, and with a CompositionError for every other
// inconsistency.
func Compose(subgraphs ...*Subgraph) (*Supergraph, error) {
	if len(subgraphs) == 0 {
		return nil, compositionErrorf("no subgraphs")
	}
	sg := &Supergraph{
		subgraphs: subgraphs,
		byName:    make(map[string]*Subgraph, len(subgraphs)),
		owners:    make(map[fieldKey][]string),
		keys:      make(map[string][]string),
	}
	for _, sub := range subgraphs {
		if _, dup := sg.byName[sub.Name]; dup {
			return nil, compositionErrorf("subgraph name %s is used twice", sub.Name)
		}
		sg.byName[sub.Name] = sub
	}

	doc, err := mergeDefinitions(subgraphs)
	if err != nil {
		return nil, err
	}
	if sg.Schema, err = schema.Build(doc); err != nil {
		return nil, &CompositionError{Message: err.Error()}
	}

	for _, check := range []func() error{sg.collectKeys, sg.collectOwners, sg.checkReachable, sg.checkRequires} {
		if err := check(); err != nil {
			return nil, err
		}
	}
	return sg, nil
}

func mergeDefinitions(subgraphs []*Subgraph) (*language.SchemaDocument, error) {
	doc := &language.SchemaDocument{}
	merged := make(map[string]*language.Definition)
	from := make(map[string]string)
	directives := make(map[string]bool)

	for _, sub := range subgraphs {
		for _, def := range sub.defs {
			m, ok := merged[def.Name]
			if !ok {
				cp := *def
				cp.Fields = append(language.FieldList(nil), def.Fields...)
				cp.Interfaces = append([]string(nil), def.Interfaces...)
				cp.Types = append([]string(nil), def.Types...)
				cp.EnumValues = append(language.EnumValueList(nil), def.EnumValues...)
				merged[def.Name] = &cp
				from[def.Name] = sub.Name
				doc.Definitions = append(doc.Definitions, &cp)
				continue
			}
			if m.Kind != def.Kind {
				return nil, compositionErrorf("type %s is %s in %s and %s in %s", def.Name, m.Kind, from[def.Name], def.Kind, sub.Name)
			}
			if m.Description == "" {
				m.Description = def.Description
			}
			for _, f := range def.Fields {
				existing := m.Fields.ForName(f.Name)
				if existing == nil {
					m.Fields = append(m.Fields, f)
					continue
				}
				if existing.Type.String() != f.Type.String() {
					return nil, compositionErrorf("field %s.%s has type %s in %s and %s in %s",
						def.Name, f.Name, existing.Type.String(), from[def.Name], f.Type.String(), sub.Name)
				}
			}
			m.Interfaces = appendMissing(m.Interfaces, def.Interfaces...)
			m.Types = appendMissing(m.Types, def.Types...)
			for _, v := range def.EnumValues {
				if m.EnumValues.ForName(v.Name) == nil {
					m.EnumValues = append(m.EnumValues, v)
				}
			}
		}
		for _, d := range sub.directives {
			if !directives[d.Name] {
				directives[d.Name] = true
				doc.Directives = append(doc.Directives, d)
			}
		}
	}
	return doc, nil
}

func appendMissing(list []string, names ...string) []string {
	for _, n := range names {
		found := false
		for _, have := range list {
			if have == n {
				found = true
				break
			}
		}
		if !found {
			list = append(list, n)
		}
	}
	return list
}

func (sg *Supergraph) collectKeys() error {
	from := make(map[string]string)
	for _, sub := range sg.subgraphs {
		for _, typ := range sub.Entities() {
			keys := sub.Keys(typ)
			have, ok := sg.keys[typ]
			if !ok {
				sg.keys[typ] = keys
				from[typ] = sub.Name
				continue
			}
			if !sameSet(have, keys) {
				return compositionErrorf("type %s has @key(fields: %q) in %s and @key(fields: %q) in %s",
					typ, strings.Join(have, " "), from[typ], strings.Join(keys, " "), sub.Name)
			}
		}
	}
	return nil
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

func (sg *Supergraph) collectOwners() error {
	for _, sub := range sg.subgraphs {
		for _, def := range sub.defs {
			if def.Kind != language.Object {
				continue
			}
			for _, f := range def.Fields {
				if sub.Resolves(def.Name, f.Name) {
					k := fieldKey{def.Name, f.Name}
					sg.owners[k] = append(sg.owners[k], sub.Name)
				}
			}
		}
	}

	for _, k := range sg.objectFields() {
		owners := sg.owners[k]
		if len(owners) == 0 {
			return compositionErrorf("field %s is @external in every subgraph that defines it", k)
		}
		if len(owners) == 1 {
			continue
		}
		for _, name := range owners {
			if !sg.byName[name].shareable(k.typ, k.field) {
				return &CompositionConflictError{Type: k.typ, Field: k.field, Services: owners}
			}
		}
	}
	return nil
}

// objectFields lists every field of every object type in the supergraph,
// sorted by type and in definition order within a type.
func (sg *Supergraph) objectFields() []fieldKey {
	var names []string
	for name, t := range sg.Schema.Types {
		if t.Kind == schema.TypeKindObject && !strings.HasPrefix(name, "__") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	var out []fieldKey
	for _, name := range names {
		for _, f := range sg.Schema.Types[name].Fields {
			out = append(out, fieldKey{name, f.Name})
		}
	}
	return out
}

func (sg *Supergraph) isRoot(typ string) bool {
	return typ == sg.Schema.QueryType || typ == sg.Schema.MutationType || typ == sg.Schema.SubscriptionType
}

// checkReachable verifies that every field can be fetched from wherever its
// parent object comes from: a service that produces a value of T but does
// not resolve T.f must be able to hand the owner a representation.
func (sg *Supergraph) checkReachable() error {
	for _, k := range sg.objectFields() {
		if sg.isRoot(k.typ) {
			continue
		}
		field := sg.Schema.Types[k.typ].Field(k.field)
		if len(field.Arguments) > 0 {
			return compositionErrorf("field %s takes arguments; only root fields may take arguments in a composed schema", k)
		}
		owner := sg.owners[k][0]
		for _, sub := range sg.subgraphs {
			if sub.objects[k.typ] == nil || sub.Resolves(k.typ, k.field) {
				continue
			}
			keys, ok := sg.keys[k.typ]
			if !ok {
				return compositionErrorf("field %s of %s cannot be reached from %s: %s has no @key", k, owner, sub.Name, k.typ)
			}
			if len(sg.byName[owner].Keys(k.typ)) == 0 {
				return compositionErrorf("field %s cannot be fetched from %s: it does not declare @key on %s", k, owner, k.typ)
			}
			def := sub.definition(k.typ)
			for _, key := range keys {
				if def.Fields.ForName(key) == nil {
					return compositionErrorf("%s returns %s without its key field %s", sub.Name, k.typ, key)
				}
			}
		}
	}
	return nil
}

// checkRequires validates @requires fields and rejects dependency cycles.
func (sg *Supergraph) checkRequires() error {
	edges := make(map[fieldKey][]fieldKey)
	for _, k := range sg.objectFields() {
		owner := sg.byName[sg.owners[k][0]]
		for _, r := range owner.Requires(k.typ, k.field) {
			req := fieldKey{k.typ, r}
			if sg.Schema.Types[k.typ].Field(r) == nil {
				return compositionErrorf("field %s requires unknown field %s", k, req)
			}
			if owner.Resolves(k.typ, r) {
				return compositionErrorf("field %s requires %s, which %s resolves itself; mark it @external", k, req, owner.Name)
			}
			if len(sg.owners[req]) == 0 {
				return compositionErrorf("field %s requires %s, which no service resolves", k, req)
			}
			edges[k] = append(edges[k], req)
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[fieldKey]int)
	var stack []fieldKey
	var visit func(k fieldKey) error
	visit = func(k fieldKey) error {
		switch state[k] {
		case done:
			return nil
		case visiting:
			var path []string
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i] == k {
					for _, s := range stack[i:] {
						path = append(path, s.String())
					}
					break
				}
			}
			return &CompositionCycleError{Path: append(path, k.String())}
		}
		state[k] = visiting
		stack = append(stack, k)
		for _, next := range edges[k] {
			if err := visit(next); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[k] = done
		return nil
	}
	for _, k := range sg.objectFields() {
		if err := visit(k); err != nil {
			return err
		}
	}
	return nil
}

// Subgraphs returns the composed subgraphs in composition order.
func (sg *Supergraph) Subgraphs() []*Subgraph { return sg.subgraphs }

// Subgraph returns the named subgraph.
func (sg *Supergraph) Subgraph(name string) (*Subgraph, bool) {
	sub, ok := sg.byName[name]
	return sub, ok
}

// Owner returns the service that resolves typ.field. When the field is
// shareable the first service in composition order is used.
func (sg *Supergraph) Owner(typ, field string) (string, bool) {
	owners := sg.owners[fieldKey{typ, field}]
	if len(owners) == 0 {
		return "", false
	}
	return owners[0], true
}

// Owners returns every service resolving typ.field.
func (sg *Supergraph) Owners(typ, field string) []string {
	return append([]string(nil), sg.owners[fieldKey{typ, field}]...)
}

// Key returns the key fields of entity typ.
func (sg *Supergraph) Key(typ string) ([]string, bool) {
	keys, ok := sg.keys[typ]
	return keys, ok
}

// EntityFields lists the fields of typ that service is the owner of, in
// definition order. An entity fetch for typ returns all of them at once.
func (sg *Supergraph) EntityFields(service, typ string) []string {
	t := sg.Schema.Types[typ]
	if t == nil {
		return nil
	}
	var out []string
	for _, f := range t.Fields {
		if owner, _ := sg.Owner(typ, f.Name); owner == service {
			out = append(out, f.Name)
		}
	}
	return out
}

// Requires returns the fields that a representation of typ sent to service
// must carry besides the key: the union of @requires of the fields service
// owns on typ.
func (sg *Supergraph) Requires(service, typ string) []string {
	sub := sg.byName[service]
	if sub == nil {
		return nil
	}
	var out []string
	for _, f := range sg.EntityFields(service, typ) {
		out = appendMissing(out, sub.Requires(typ, f)...)
	}
	return out
}
