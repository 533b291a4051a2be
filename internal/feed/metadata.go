package feed

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"time"
)

// FlattenMetadata keeps scalar values as strings. Nil values, maps and
// slices are dropped.
func FlattenMetadata(in map[string]any) map[string]string {
	out := make(map[string]string, len(in)+1)
	keys := make([]string, 0, len(in))
	for key := range in {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if value, ok := scalarString(in[key]); ok {
			out[key] = value
		}
	}
	return out
}

func scalarString(value any) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), true
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano), true
	case fmt.Stringer:
		return v.String(), true
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct, reflect.Func, reflect.Chan:
		return "", false
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return "", false
		}
		return scalarString(rv.Elem().Interface())
	case reflect.String:
		return rv.String(), true
	default:
		return fmt.Sprint(value), true
	}
}
