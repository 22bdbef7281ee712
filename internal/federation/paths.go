package federation

import "sort"

// PathError is a field error located inside fetched entity data.
type PathError struct {
	Path []any
	Err  error
}

// PlaceError stores err in data at path, the response path of the failed
// field relative to data. When the branch above the field was nulled the
// error is stored at the nulled field instead. It reports false when no
// field position could be found, e.g. for a path ending in a list index.
func PlaceError(data map[string]any, path []any, err error) bool {
	var cur any = data
	for i, elem := range path {
		last := i == len(path)-1
		switch e := elem.(type) {
		case string:
			m, ok := cur.(map[string]any)
			if !ok {
				return false
			}
			next, exists := m[e]
			if last || (exists && next == nil) {
				m[e] = err
				return true
			}
			if !exists {
				return false
			}
			cur = next
		case int:
			l, ok := cur.([]any)
			if !ok || last || e < 0 || e >= len(l) || l[e] == nil {
				return false
			}
			cur = l[e]
		default:
			return false
		}
	}
	return false
}

// SplitErrors removes the error values PlaceError stored in data and returns
// them with their paths, in a stable order.
func SplitErrors(data map[string]any) []PathError {
	var out []PathError
	var walk func(v any, path []any) any
	walk = func(v any, path []any) any {
		switch t := v.(type) {
		case error:
			out = append(out, PathError{Path: append([]any(nil), path...), Err: t})
			return nil
		case map[string]any:
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				t[k] = walk(t[k], append(path, k))
			}
		case []any:
			for i := range t {
				t[i] = walk(t[i], append(path, i))
			}
		}
		return v
	}
	walk(data, nil)
	return out
}

func pathElements[E any](path []E) []any {
	out := make([]any, len(path))
	for i, e := range path {
		out[i] = e
	}
	return out
}
