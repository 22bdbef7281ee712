package registry

import (
	"context"
	"fmt"
	"reflect"
	"strconv"

	"github.com/hanpama/graphloader/internal/executor"
	"github.com/hanpama/graphloader/internal/loader"
)

// KeyFunc derives the ID of the value a field loads. ok is false when the
// field has nothing to load; it then resolves to null.
type KeyFunc func(req *executor.FieldRequest) (id string, ok bool)

// LoadBy returns a Resolver that loads Key{typ, id} through the execution's
// scheduler.
func LoadBy(typ string, id KeyFunc) Resolver {
	return func(_ context.Context, req *executor.FieldRequest) (any, error) {
		key, ok := id(req)
		if !ok {
			return nil, nil
		}
		return req.Loader.Load(loader.K(typ, key)), nil
	}
}

// LoadArg loads typ by the value of argument arg.
func LoadArg(typ, arg string) Resolver {
	return LoadBy(typ, func(req *executor.FieldRequest) (string, bool) {
		return IDString(req.Args[arg])
	})
}

// LoadProperty loads typ by the value of the parent's property prop.
func LoadProperty(typ, prop string) Resolver {
	return LoadBy(typ, func(req *executor.FieldRequest) (string, bool) {
		v, _ := Property(req.Source, prop)
		return IDString(v)
	})
}

// LoadPropertyList loads typ for every ID in the parent's list property prop.
// Missing IDs resolve to null list items.
func LoadPropertyList(typ, prop string) Resolver {
	return func(_ context.Context, req *executor.FieldRequest) (any, error) {
		v, _ := Property(req.Source, prop)
		if v == nil {
			return nil, nil
		}
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil, fmt.Errorf("%s.%s: property %s is %T, not a list", req.ObjectType, req.Field, prop, v)
		}
		thunks := make([]*loader.Thunk, rv.Len())
		for i := range thunks {
			id, ok := IDString(rv.Index(i).Interface())
			if !ok {
				thunks[i] = loader.Resolved(nil)
				continue
			}
			thunks[i] = req.Loader.Load(loader.K(typ, id))
		}
		return loader.All(thunks...), nil
	}
}

// IDString renders a key value. Strings and integers are accepted.
func IDString(v any) (string, bool) {
	switch id := v.(type) {
	case nil:
		return "", false
	case string:
		return id, id != ""
	case int:
		return strconv.Itoa(id), true
	case int32:
		return strconv.FormatInt(int64(id), 10), true
	case int64:
		return strconv.FormatInt(id, 10), true
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), true
	case fmt.Stringer:
		return id.String(), true
	}
	return "", false
}
