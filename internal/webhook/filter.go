package webhook

import (
	"encoding/json"
	"reflect"
	"strings"
)

// MatchFilters reports whether every dotted path in filters resolves in
// payload to an equal value. A missing path never matches.
func MatchFilters(filters map[string]any, payload map[string]any) bool {
	for path, want := range filters {
		got, ok := lookupPath(payload, path)
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

func lookupPath(payload map[string]any, path string) (any, bool) {
	var current any = payload
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// valuesEqual compares numbers by value so 5, int64(5) and 5.0 agree
// regardless of which decoder produced them.
func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, okB := toFloat(b)
		return okB && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
