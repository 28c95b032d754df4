package payload

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Value is one scalar pulled out of an inbound document. The zero Value is absent.
// The JSON type is preserved: string, json.Number (or float64/int when a document was
// built in code), or bool. Coercion is left to the caller.
type Value struct {
	raw     any
	present bool
}

// Absent is the zero Value.
var Absent = Value{}

// StringValue wraps a literal, used for mapping defaults.
func StringValue(s string) Value {
	return Value{raw: s, present: true}
}

// Of wraps a decoded scalar; non-scalars (objects, lists, null) yield Absent.
func Of(v any) Value {
	switch v.(type) {
	case string, json.Number, float64, float32, int, int64, int32, uint, uint64, uint32, bool:
		return Value{raw: v, present: true}
	default:
		return Absent
	}
}

func (v Value) IsPresent() bool { return v.present }

// Raw returns the underlying JSON scalar.
func (v Value) Raw() any { return v.raw }

// Text renders the scalar as a string; bools render as "true"/"false".
func (v Value) Text() (string, bool) {
	if !v.present {
		return "", false
	}
	switch x := v.raw.(type) {
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case int32:
		return strconv.FormatInt(int64(x), 10), true
	case uint:
		return strconv.FormatUint(uint64(x), 10), true
	case uint64:
		return strconv.FormatUint(x, 10), true
	case uint32:
		return strconv.FormatUint(uint64(x), 10), true
	case bool:
		return strconv.FormatBool(x), true
	}
	return "", false
}

// IsNumber reports whether the scalar arrived as a JSON number.
func (v Value) IsNumber() bool {
	switch v.raw.(type) {
	case json.Number, float64, float32, int, int64, int32, uint, uint64, uint32:
		return v.present
	}
	return false
}

// IsBool reports whether the scalar arrived as a JSON boolean.
func (v Value) IsBool() bool {
	_, ok := v.raw.(bool)
	return v.present && ok
}

// IsBlank is true for absent values and whitespace-only strings.
func (v Value) IsBlank() bool {
	s, ok := v.Text()
	return !ok || strings.TrimSpace(s) == ""
}
