// Package fields models gateway field maps as a generic tree of maps, lists and scalars.
//
// Values decoded from the wire are one of: nil, string, bool, json.Number, a
// signed integer, float64, map[string]any or []any. Every helper in this
// package treats that set as a closed sum type.
package fields

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// Kind classifies a tree node.
type Kind uint8

const (
	KindNull Kind = iota
	KindScalar
	KindMap
	KindList
)

// KindOf reports the node kind of v.
func KindOf(v any) Kind {
	switch v.(type) {
	case nil:
		return KindNull
	case map[string]any:
		return KindMap
	case []any:
		return KindList
	default:
		return KindScalar
	}
}

// IsEmpty reports whether v is null, an empty string, an empty map or an empty list.
func IsEmpty(v any) bool {
	switch typed := v.(type) {
	case nil:
		return true
	case string:
		return typed == ""
	case map[string]any:
		return len(typed) == 0
	case []any:
		return len(typed) == 0
	default:
		return false
	}
}

// Normalize returns a copy of v with empty members removed from every nested
// map and list. List order is preserved.
func Normalize(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, child := range typed {
			normalized := Normalize(child)
			if IsEmpty(normalized) {
				continue
			}
			out[key] = normalized
		}
		return out
	case []any:
		out := make([]any, 0, len(typed))
		for _, child := range typed {
			normalized := Normalize(child)
			if IsEmpty(normalized) {
				continue
			}
			out = append(out, normalized)
		}
		return out
	default:
		return v
	}
}

// SortedKeys returns the keys of m in byte-wise order.
func SortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Walk visits node depth-first: a map is visited before its values (in key
// order) and a list before its elements (in list order). The walk stops as
// soon as visit returns true, and Walk then reports true.
func Walk(node any, visit func(node any) bool) bool {
	if visit(node) {
		return true
	}
	switch typed := node.(type) {
	case map[string]any:
		for _, key := range SortedKeys(typed) {
			if Walk(typed[key], visit) {
				return true
			}
		}
	case []any:
		for _, item := range typed {
			if Walk(item, visit) {
				return true
			}
		}
	}
	return false
}

// FirstString walks node and returns the first non-blank string stored under
// one of aliases, checking aliases in order on each map before descending.
func FirstString(node any, aliases ...string) (string, bool) {
	var found string
	Walk(node, func(n any) bool {
		m, ok := n.(map[string]any)
		if !ok {
			return false
		}
		for _, alias := range aliases {
			if s, ok := m[alias].(string); ok && strings.TrimSpace(s) != "" {
				found = strings.TrimSpace(s)
				return true
			}
		}
		return false
	})
	return found, found != ""
}

// String renders a scalar the way it appears in a signable string.
func String(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return typed
	case json.Number:
		return typed.String()
	case bool:
		return strconv.FormatBool(typed)
	case int:
		return strconv.Itoa(typed)
	case int32:
		return strconv.FormatInt(int64(typed), 10)
	case int64:
		return strconv.FormatInt(typed, 10)
	case uint64:
		return strconv.FormatUint(typed, 10)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case fmt.Stringer:
		return typed.String()
	default:
		return fmt.Sprint(typed)
	}
}

// Text returns the string form of the first non-empty value stored under keys.
func Text(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok && !IsEmpty(v) {
			return String(v)
		}
	}
	return ""
}

// FromStrings lifts a flat string map (form bodies) into a field map.
func FromStrings(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// DecodeObject parses raw as a JSON object, keeping numbers as json.Number so
// that they re-render exactly as received.
func DecodeObject(raw []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("decode object: empty body")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode object: %w", err)
	}
	obj, ok := out.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decode object: top-level value is %T, not an object", out)
	}
	return obj, nil
}

// Clone returns a shallow copy of m.
func Clone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
