package registry

import (
	"context"
	"reflect"
	"strings"

	"github.com/hanpama/graphloader/internal/executor"
)

// PropertyResolver reads req.Field from the parent value. It is the default
// resolver of every field without a registration.
func PropertyResolver(_ context.Context, req *executor.FieldRequest) (any, error) {
	v, _ := Property(req.Source, req.Field)
	return v, nil
}

// Property reads name from a map, an *executor.Object or a struct. Struct
// fields match their json tag first and then their Go name, ignoring case.
// Pointers and interfaces are followed.
func Property(source any, name string) (any, bool) {
	switch s := source.(type) {
	case nil:
		return nil, false
	case map[string]any:
		v, ok := s[name]
		return v, ok
	case *executor.Object:
		return s.Get(name)
	}

	rv := reflect.ValueOf(source)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		mv := rv.MapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()))
		if !mv.IsValid() {
			return nil, false
		}
		return mv.Interface(), true
	case reflect.Struct:
		idx, ok := structField(rv.Type(), name)
		if !ok {
			return nil, false
		}
		return rv.FieldByIndex(idx).Interface(), true
	}
	return nil, false
}

func structField(t reflect.Type, name string) ([]int, bool) {
	var byName []int
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if tag, _, _ := strings.Cut(f.Tag.Get("json"), ","); tag != "" {
			if tag == name {
				return f.Index, true
			}
			if tag != "-" {
				continue
			}
		}
		if byName == nil && strings.EqualFold(f.Name, name) {
			byName = f.Index
		}
	}
	return byName, byName != nil
}

// Typename returns the object type name a value carries: a "__typename" map
// entry or a Typename method.
func Typename(value any) (string, bool) {
	switch v := value.(type) {
	case interface{ Typename() string }:
		return v.Typename(), true
	case map[string]any:
		name, ok := v["__typename"].(string)
		return name, ok && name != ""
	case *executor.Object:
		raw, _ := v.Get("__typename")
		name, ok := raw.(string)
		return name, ok && name != ""
	}
	return "", false
}
