package jexpr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Value is a sealed interface over the JSON-compatible value types that
// manifests are made of. Only Null, Bool, Number, String, Array, and
// Object implement it.
//
// Every manifest document is a Value both before and after macro
// expansion; expansion only ever replaces macro nodes with plain values.
type Value interface {
	value() // Sealed - only these types implement it
}

// Null represents a JSON null. An explicit type (rather than a nil
// interface) keeps every decoded node a valid Value.
type Null struct{}

func (Null) value() {}

// Bool represents a JSON boolean.
type Bool bool

func (Bool) value() {}

// Number represents a JSON number. Manifests are plain JSON, so numbers
// are float64 like encoding/json would produce.
type Number float64

func (Number) value() {}

// String represents a JSON string.
type String string

func (String) value() {}

// Array represents an ordered sequence of values. An Array whose first
// element is a String starting with the macro sigil is a macro node.
type Array []Value

func (Array) value() {}

// Object represents a string-keyed mapping. Key order is irrelevant;
// use SortedKeys for deterministic iteration.
type Object map[string]Value

func (Object) value() {}

// Sigil marks the head of a macro node, e.g. ["@latest", "clang"].
const Sigil = "@"

// MacroName reports whether v is a macro node and, if so, the macro name
// without the sigil.
func MacroName(v Value) (string, bool) {
	arr, ok := v.(Array)
	if !ok || len(arr) == 0 {
		return "", false
	}
	head, ok := arr[0].(String)
	if !ok || !strings.HasPrefix(string(head), Sigil) {
		return "", false
	}
	return strings.TrimPrefix(string(head), Sigil), true
}

// SortedKeys returns the object's keys in lexicographic order.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Stringify coerces a value to its string representation, the form used
// by @concat and by preprocessor-define composition. Strings are taken
// verbatim; composites render as compact JSON.
func Stringify(v Value) string {
	switch val := v.(type) {
	case nil, Null:
		return "null"
	case String:
		return string(val)
	case Bool:
		return strconv.FormatBool(bool(val))
	case Number:
		return formatNumber(float64(val))
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// formatNumber renders a float64 the way encoding/json does: plain
// decimal notation unless the magnitude falls outside [1e-6, 1e21).
// Keeping the two in agreement matters because Stringify output feeds
// preprocessor defines, where "1e+06" for a prop value of 1000000 would
// be garbage.
func formatNumber(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	abs := math.Abs(f)
	format := byte('f')
	if abs != 0 && (abs < 1e-6 || abs >= 1e21) {
		format = 'e'
	}
	s := strconv.FormatFloat(f, format, -1, 64)
	if format == 'e' {
		// encoding/json trims a padded negative exponent: e-06 -> e-6.
		if n := len(s); n >= 4 && s[n-4] == 'e' && s[n-3] == '-' && s[n-2] == '0' {
			s = s[:n-2] + s[n-1:]
		}
	}
	return s
}

// Decode parses JSON text into a Value tree.
func Decode(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	// Reject trailing garbage after the document.
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON document")
	}
	return FromAny(raw)
}

// FromAny converts a decoded encoding/json value into a Value tree.
func FromAny(raw any) (Value, error) {
	switch val := raw.(type) {
	case nil:
		return Null{}, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case float64:
		return Number(val), nil
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", val.String(), err)
		}
		return Number(f), nil
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			v, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			arr[i] = v
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			v, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			obj[k] = v
		}
		return obj, nil
	case Value:
		return val, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", raw)
	}
}

// ToAny converts a Value tree back into plain Go values, the shape
// encoding/json and cue expect.
func ToAny(v Value) any {
	switch val := v.(type) {
	case nil, Null:
		return nil
	case Bool:
		return bool(val)
	case Number:
		return float64(val)
	case String:
		return string(val)
	case Array:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = ToAny(elem)
		}
		return out
	case Object:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = ToAny(elem)
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON implementations keep Value trees round-trippable through
// encoding/json, which the CLI's --format json output relies on.

func (Null) MarshalJSON() ([]byte, error)     { return []byte("null"), nil }
func (b Bool) MarshalJSON() ([]byte, error)   { return json.Marshal(bool(b)) }
func (n Number) MarshalJSON() ([]byte, error) { return json.Marshal(float64(n)) }
func (s String) MarshalJSON() ([]byte, error) { return json.Marshal(string(s)) }

func (arr Array) MarshalJSON() ([]byte, error) {
	if arr == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Value(arr))
}

func (obj Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range obj.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		elem, err := json.Marshal(obj[k])
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(elem)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
