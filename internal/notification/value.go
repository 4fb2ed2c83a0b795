package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindMap
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindMap:
		return "map"
	case KindList:
		return "list"
	default:
		return "null"
	}
}

// Value is a JSON-shaped variant used for template variables and event data.
// The zero Value is null.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	m    Values
	list []Value
}

// Values is a string-keyed set of variables.
type Values map[string]Value

func String(s string) Value   { return Value{kind: KindString, str: s} }
func Number(f float64) Value  { return Value{kind: KindNumber, num: f} }
func Bool(b bool) Value       { return Value{kind: KindBool, b: b} }
func Map(m Values) Value      { return Value{kind: KindMap, m: m} }
func List(vs ...Value) Value  { return Value{kind: KindList, list: vs} }
func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsNull() bool  { return v.kind == KindNull }
func (v Value) Map() Values   { return v.m }
func (v Value) List() []Value { return v.list }

func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }
func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }
func (v Value) AsBool() (bool, bool)      { return v.b, v.kind == KindBool }

// String renders scalars as text; containers render as compact JSON.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindMap, KindList:
		b, _ := json.Marshal(v)
		return string(b)
	default:
		return ""
	}
}

// Interface converts v to plain Go values (string, float64, bool,
// map[string]any, []any, nil).
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindMap:
		return v.m.Interface()
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	default:
		return nil
	}
}

// FromAny converts decoded JSON or plain Go values into a Value.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Value{}, nil
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t, err)
		}
		return Number(f), nil
	case map[string]any:
		m := make(Values, len(t))
		for k, item := range t {
			val, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", k, err)
			}
			m[k] = val
		}
		return Map(m), nil
	case []any:
		list := make([]Value, len(t))
		for i, item := range t {
			val, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			list[i] = val
		}
		return List(list...), nil
	case map[string]string:
		m := make(Values, len(t))
		for k, s := range t {
			m[k] = String(s)
		}
		return Map(m), nil
	default:
		return Value{}, fmt.Errorf("unsupported variable type %T", x)
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindMap:
		if v.m == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(map[string]Value(v.m))
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	val, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

// Clone returns a deep copy, so callers may merge into it freely.
func (vs Values) Clone() Values {
	if vs == nil {
		return nil
	}
	out := make(Values, len(vs))
	for k, v := range vs {
		out[k] = v.clone()
	}
	return out
}

func (v Value) clone() Value {
	switch v.kind {
	case KindMap:
		return Map(v.m.Clone())
	case KindList:
		list := make([]Value, len(v.list))
		for i, item := range v.list {
			list[i] = item.clone()
		}
		return List(list...)
	default:
		return v
	}
}

// Interface converts the set to map[string]any.
func (vs Values) Interface() map[string]any {
	out := make(map[string]any, len(vs))
	for k, v := range vs {
		out[k] = v.Interface()
	}
	return out
}

// Keys returns the variable names in sorted order.
func (vs Values) Keys() []string {
	keys := make([]string, 0, len(vs))
	for k := range vs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ValuesFromStrings lifts a flat string map.
func ValuesFromStrings(m map[string]string) Values {
	if len(m) == 0 {
		return nil
	}
	out := make(Values, len(m))
	for k, s := range m {
		out[k] = String(s)
	}
	return out
}
