package executor

import (
	"fmt"
	"strings"

	language "github.com/hanpama/graphloader/internal/language"
	schema "github.com/hanpama/graphloader/internal/schema"
)

// fieldPlan is the ordered, merged field set of one selection set on one
// object type.
type fieldPlan struct {
	fields []collectedField
	index  map[string]int
}

type collectedField struct {
	ResponseName string
	Fields       []*language.Field
}

func (p *fieldPlan) add(responseName string, field *language.Field) {
	if i, ok := p.index[responseName]; ok {
		p.fields[i].Fields = append(p.fields[i].Fields, field)
		return
	}
	p.index[responseName] = len(p.fields)
	p.fields = append(p.fields, collectedField{ResponseName: responseName, Fields: []*language.Field{field}})
}

func (p *fieldPlan) orderedFields() []collectedField { return p.fields }

// planKey identifies a selection set by the identity of its selections.
// Every item of a list shares the merged selection set of its field, so
// plans are computed once per type and reused.
type planKey struct {
	typ        string
	selections string
}

func newPlanKey(objectType *schema.Type, selectionSet language.SelectionSet) planKey {
	var b strings.Builder
	for _, sel := range selectionSet {
		fmt.Fprintf(&b, "%p,", sel)
	}
	return planKey{typ: objectType.Name, selections: b.String()}
}

// collectFields returns the fields selected on objectType. @skip and
// @include depend only on variables, which are fixed for an execution, so
// the result is memoized in state.
func collectFields(state *executionState, objectType *schema.Type, selectionSet language.SelectionSet) *fieldPlan {
	key := newPlanKey(objectType, selectionSet)
	if p, ok := state.plans[key]; ok {
		return p
	}
	p := &fieldPlan{index: make(map[string]int)}
	collectInto(state, objectType, selectionSet, p, make(map[string]bool))
	if state.plans == nil {
		state.plans = make(map[planKey]*fieldPlan)
	}
	state.plans[key] = p
	return p
}

func collectInto(state *executionState, objectType *schema.Type, selectionSet language.SelectionSet, p *fieldPlan, visited map[string]bool) {
	for _, selection := range selectionSet {
		switch sel := selection.(type) {
		case *language.Field:
			if !included(state, sel.Directives) {
				continue
			}
			name := sel.Alias
			if name == "" {
				name = sel.Name
			}
			p.add(name, sel)

		case *language.InlineFragment:
			if !included(state, sel.Directives) || !fragmentApplies(state, objectType, sel.TypeCondition) {
				continue
			}
			collectInto(state, objectType, sel.SelectionSet, p, visited)

		case *language.FragmentSpread:
			if !included(state, sel.Directives) || visited[sel.Name] {
				continue
			}
			visited[sel.Name] = true
			def := state.document.Fragments.ForName(sel.Name)
			if def == nil || !fragmentApplies(state, objectType, def.TypeCondition) || !included(state, def.Directives) {
				continue
			}
			collectInto(state, objectType, def.SelectionSet, p, visited)
		}
	}
}

// included evaluates @skip and @include. A directive whose argument does not
// evaluate to a boolean is ignored.
func included(state *executionState, directives language.DirectiveList) bool {
	if skip, ok := directiveBool(state, directives, "skip"); ok && skip {
		return false
	}
	if include, ok := directiveBool(state, directives, "include"); ok && !include {
		return false
	}
	return true
}

func directiveBool(state *executionState, directives language.DirectiveList, name string) (value, ok bool) {
	d := directives.ForName(name)
	if d == nil {
		return false, false
	}
	arg := d.Arguments.ForName("if")
	if arg == nil {
		return false, false
	}
	value, ok = valueFromAST(arg.Value, state.variableValues).(bool)
	return value, ok
}

func fragmentApplies(state *executionState, objectType *schema.Type, typeCondition string) bool {
	return typeCondition == "" || state.schema.IsPossibleType(typeCondition, objectType.Name)
}
