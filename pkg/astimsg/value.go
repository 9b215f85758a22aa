package astimsg

import (
	"fmt"
	"sort"
)

type ValueType uint8

const (
	ValueTypeUndefined ValueType = iota
	ValueTypeString
	ValueTypeInt
	ValueTypeFloat
	ValueTypeDictionary
	ValueTypeArray
)

func (t ValueType) String() string {
	switch t {
	case ValueTypeString:
		return "string"
	case ValueTypeInt:
		return "int"
	case ValueTypeFloat:
		return "float"
	case ValueTypeDictionary:
		return "dictionary"
	case ValueTypeArray:
		return "array"
	default:
		return "undefined"
	}
}

// Only the field matching Type is meaningful
type Value struct {
	Array      []Value    `json:"array,omitempty" msgpack:"a,omitempty"`
	Dictionary Dictionary `json:"dictionary,omitempty" msgpack:"d,omitempty"`
	Float      float64    `json:"float,omitempty" msgpack:"f,omitempty"`
	Int        int64      `json:"int,omitempty" msgpack:"i,omitempty"`
	String     string     `json:"string,omitempty" msgpack:"s,omitempty"`
	Type       ValueType  `json:"type" msgpack:"t"`
}

func StringValue(s string) Value {
	return Value{String: s, Type: ValueTypeString}
}

func IntValue(i int64) Value {
	return Value{Int: i, Type: ValueTypeInt}
}

func FloatValue(f float64) Value {
	return Value{Float: f, Type: ValueTypeFloat}
}

func DictionaryValue(d Dictionary) Value {
	return Value{Dictionary: d, Type: ValueTypeDictionary}
}

func ArrayValue(vs ...Value) Value {
	return Value{Array: vs, Type: ValueTypeArray}
}

func (v Value) IsUndefined() bool {
	return v.Type == ValueTypeUndefined
}

func (v Value) Copy() Value {
	dst := Value{
		Float:  v.Float,
		Int:    v.Int,
		String: v.String,
		Type:   v.Type,
	}
	if v.Dictionary != nil {
		dst.Dictionary = v.Dictionary.Copy()
	}
	if v.Array != nil {
		dst.Array = make([]Value, len(v.Array))
		for idx, a := range v.Array {
			dst.Array[idx] = a.Copy()
		}
	}
	return dst
}

func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case ValueTypeString:
		return v.String == o.String
	case ValueTypeInt:
		return v.Int == o.Int
	case ValueTypeFloat:
		return v.Float == o.Float
	case ValueTypeDictionary:
		return v.Dictionary.Equal(o.Dictionary)
	case ValueTypeArray:
		if len(v.Array) != len(o.Array) {
			return false
		}
		for idx := range v.Array {
			if !v.Array[idx].Equal(o.Array[idx]) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// Ints are converted
func (v Value) ToFloat() (float64, bool) {
	switch v.Type {
	case ValueTypeFloat:
		return v.Float, true
	case ValueTypeInt:
		return float64(v.Int), true
	}
	return 0, false
}

// Floats are truncated
func (v Value) ToInt() (int64, bool) {
	switch v.Type {
	case ValueTypeInt:
		return v.Int, true
	case ValueTypeFloat:
		return int64(v.Float), true
	}
	return 0, false
}

func (v Value) GoString() string {
	switch v.Type {
	case ValueTypeString:
		return fmt.Sprintf("%q", v.String)
	case ValueTypeInt:
		return fmt.Sprintf("%d", v.Int)
	case ValueTypeFloat:
		return fmt.Sprintf("%g", v.Float)
	case ValueTypeDictionary:
		return v.Dictionary.String()
	case ValueTypeArray:
		s := "["
		for idx, a := range v.Array {
			if idx > 0 {
				s += ", "
			}
			s += a.GoString()
		}
		return s + "]"
	default:
		return "undefined"
	}
}

type Dictionary map[string]Value

func (d Dictionary) Copy() Dictionary {
	if d == nil {
		return nil
	}
	dst := make(Dictionary, len(d))
	for k, v := range d {
		dst[k] = v.Copy()
	}
	return dst
}

func (d Dictionary) Equal(o Dictionary) bool {
	if len(d) != len(o) {
		return false
	}
	for k, v := range d {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

func (d Dictionary) Keys() (ks []string) {
	for k := range d {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return
}

func (d Dictionary) String() string {
	s := "{"
	for idx, k := range d.Keys() {
		if idx > 0 {
			s += ", "
		}
		s += k + ": " + d[k].GoString()
	}
	return s + "}"
}

func (d Dictionary) GetString(k string) (string, bool) {
	v, ok := d[k]
	if !ok || v.Type != ValueTypeString {
		return "", false
	}
	return v.String, true
}

func (d Dictionary) GetInt(k string) (int64, bool) {
	v, ok := d[k]
	if !ok {
		return 0, false
	}
	return v.ToInt()
}

func (d Dictionary) GetFloat(k string) (float64, bool) {
	v, ok := d[k]
	if !ok {
		return 0, false
	}
	return v.ToFloat()
}

func (d Dictionary) GetDictionary(k string) (Dictionary, bool) {
	v, ok := d[k]
	if !ok || v.Type != ValueTypeDictionary {
		return nil, false
	}
	return v.Dictionary, true
}

func (d Dictionary) GetArray(k string) ([]Value, bool) {
	v, ok := d[k]
	if !ok || v.Type != ValueTypeArray {
		return nil, false
	}
	return v.Array, true
}

func (d Dictionary) SetString(k, v string) {
	d[k] = StringValue(v)
}

func (d Dictionary) SetInt(k string, v int64) {
	d[k] = IntValue(v)
}

func (d Dictionary) SetFloat(k string, v float64) {
	d[k] = FloatValue(v)
}

func (d Dictionary) SetDictionary(k string, v Dictionary) {
	d[k] = DictionaryValue(v)
}
