package flowbus

import "reflect"

// valuesOf normalizes a list-valued transform result to []any. Values flow
// through the runtime type-erased; the list assertion happens only at the
// publish-each and map boundaries, where reflection accepts any slice or
// array type, not just []any.
func valuesOf(v any) ([]any, bool) {
	switch xs := v.(type) {
	case []any:
		return xs, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
