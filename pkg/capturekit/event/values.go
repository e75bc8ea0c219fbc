package event

import (
	"encoding/json"
	"math"
	"reflect"
	"time"
	"unicode/utf8"
)

// refKey identifies a map or slice by its backing storage.
type refKey struct {
	ptr uintptr
	len int
}

func keyOf(v reflect.Value) refKey {
	if v.Kind() == reflect.Slice {
		return refKey{ptr: v.Pointer(), len: v.Len()}
	}
	return refKey{ptr: v.Pointer(), len: -1}
}

// Clone returns a deep copy of p.
// Shared and cyclic references in p are shared and cyclic in the copy.
func Clone(p Properties) Properties {
	if p == nil {
		return nil
	}
	out, _ := cloneValue(p, make(map[refKey]any)).(Properties)
	return out
}

// CloneValue returns a deep copy of v with the same sharing as Clone.
func CloneValue(v any) any {
	return cloneValue(v, make(map[refKey]any))
}

func cloneValue(v any, memo map[refKey]any) any {
	switch val := v.(type) {
	case Properties:
		if val == nil {
			return val
		}
		k := keyOf(reflect.ValueOf(val))
		if done, ok := memo[k]; ok {
			return done
		}
		out := make(Properties, len(val))
		memo[k] = out
		for key, item := range val {
			out[key] = cloneValue(item, memo)
		}
		return out
	case map[string]any:
		if val == nil {
			return val
		}
		k := keyOf(reflect.ValueOf(val))
		if done, ok := memo[k]; ok {
			return done
		}
		out := make(map[string]any, len(val))
		memo[k] = out
		for key, item := range val {
			out[key] = cloneValue(item, memo)
		}
		return out
	case []any:
		if val == nil {
			return val
		}
		k := keyOf(reflect.ValueOf(val))
		if done, ok := memo[k]; ok {
			return done
		}
		out := make([]any, len(val))
		memo[k] = out
		for i, item := range val {
			out[i] = cloneValue(item, memo)
		}
		return out
	case []string:
		if val == nil {
			return val
		}
		out := make([]string, len(val))
		copy(out, val)
		return out
	case nil, string, bool, int, int64, float64:
		return v
	default:
		return cloneReflect(reflect.ValueOf(v), memo)
	}
}

// cloneReflect copies typed containers. String-keyed maps become
// map[string]any and slices and arrays become []any, so later passes see
// only the generic shapes. Byte slices stay []byte.
func cloneReflect(rv reflect.Value, memo map[refKey]any) any {
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return rv.Interface()
		}
		if rv.IsNil() {
			return map[string]any(nil)
		}
		k := keyOf(rv)
		if done, ok := memo[k]; ok {
			return done
		}
		out := make(map[string]any, rv.Len())
		memo[k] = out
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = cloneValue(iter.Value().Interface(), memo)
		}
		return out
	case reflect.Slice:
		if rv.IsNil() {
			return []any(nil)
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return append([]byte(nil), rv.Bytes()...)
		}
		k := keyOf(rv)
		if done, ok := memo[k]; ok {
			return done
		}
		out := make([]any, rv.Len())
		memo[k] = out
		for i := range out {
			out[i] = cloneValue(rv.Index(i).Interface(), memo)
		}
		return out
	case reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = cloneValue(rv.Index(i).Interface(), memo)
		}
		return out
	default:
		return rv.Interface()
	}
}

// TruncateStrings shortens every string in p longer than max runes, in place,
// descending into nested maps and slices. Each container is visited once, so
// cyclic bags terminate. A non-positive max leaves p untouched.
func TruncateStrings(p Properties, max int) {
	if p == nil || max <= 0 {
		return
	}
	truncateValue(p, max, make(map[refKey]bool))
}

func truncateValue(v any, max int, seen map[refKey]bool) any {
	switch val := v.(type) {
	case string:
		return truncateString(val, max)
	case Properties:
		truncateMap(val, max, seen)
	case map[string]any:
		truncateMap(val, max, seen)
	case []any:
		if val == nil {
			return val
		}
		k := keyOf(reflect.ValueOf(val))
		if seen[k] {
			return val
		}
		seen[k] = true
		for i, item := range val {
			val[i] = truncateValue(item, max, seen)
		}
	case []string:
		for i, s := range val {
			val[i] = truncateString(s, max)
		}
	}
	return v
}

func truncateMap(m map[string]any, max int, seen map[refKey]bool) {
	if m == nil {
		return
	}
	k := keyOf(reflect.ValueOf(m))
	if seen[k] {
		return
	}
	seen[k] = true
	for key, item := range m {
		m[key] = truncateValue(item, max, seen)
	}
}

func truncateString(s string, max int) string {
	if len(s) <= max || utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}

// NormalizeProperties returns a JSON-safe copy of p.
// A reference back to an enclosing container becomes nil and values JSON
// cannot represent are dropped.
func NormalizeProperties(p Properties) Properties {
	if p == nil {
		return nil
	}
	out, _ := normalizeValue(reflect.ValueOf(map[string]any(p)), make(map[refKey]bool))
	m, _ := out.(map[string]any)
	return Properties(m)
}

// Normalize returns a JSON-safe copy of v and whether v was representable.
func Normalize(v any) (any, bool) {
	if v == nil {
		return nil, true
	}
	return normalizeValue(reflect.ValueOf(v), make(map[refKey]bool))
}

func normalizeValue(v reflect.Value, ancestors map[refKey]bool) (any, bool) {
	if !v.IsValid() {
		return nil, true
	}

	switch raw := v.Interface().(type) {
	case time.Time:
		return raw.UTC().Format(time.RFC3339Nano), true
	case json.Number:
		return raw, true
	case json.RawMessage:
		if json.Valid(raw) {
			return raw, true
		}
		return nil, false
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil, true
		}
		if v.Kind() == reflect.Pointer {
			k := refKey{ptr: v.Pointer(), len: -2}
			if ancestors[k] {
				return nil, true
			}
			ancestors[k] = true
			defer delete(ancestors, k)
		}
		return normalizeValue(v.Elem(), ancestors)
	case reflect.String:
		return v.String(), true
	case reflect.Bool:
		return v.Bool(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint(), true
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false
		}
		return f, true
	case reflect.Map:
		if v.IsNil() {
			return nil, true
		}
		if v.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		k := keyOf(v)
		if ancestors[k] {
			return nil, true
		}
		ancestors[k] = true
		defer delete(ancestors, k)

		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			item, ok := normalizeValue(iter.Value(), ancestors)
			if ok {
				out[iter.Key().String()] = item
			}
		}
		return out, true
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice {
			if v.IsNil() {
				return nil, true
			}
			if v.Type().Elem().Kind() == reflect.Uint8 {
				return v.Bytes(), true
			}
			k := keyOf(v)
			if ancestors[k] {
				return nil, true
			}
			ancestors[k] = true
			defer delete(ancestors, k)
		}
		out := make([]any, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			item, ok := normalizeValue(v.Index(i), ancestors)
			if !ok {
				item = nil
			}
			out = append(out, item)
		}
		return out, true
	case reflect.Struct:
		data, err := json.Marshal(v.Interface())
		if err != nil {
			return nil, false
		}
		var decoded any
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil, false
		}
		return decoded, true
	default:
		// funcs, channels, complex numbers, unsafe pointers
		return nil, false
	}
}
