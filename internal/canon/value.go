// Package canon provides the deterministic serialization and hashing used for
// every certificate hash in Human Origin. Payloads are held in an open Value
// type (null, bool, number, string, array, object) so that arbitrary diagnostic
// blobs can be hashed identically by the issuing device and the authority.
package canon

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Errors
var (
	ErrNonFinite    = errors.New("canon: NaN and infinite numbers are not representable")
	ErrDuplicateKey = errors.New("canon: duplicate object key")
	ErrTrailingData = errors.New("canon: trailing data after JSON value")
	ErrUnsupported  = errors.New("canon: unsupported value type")
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Member is one key/value pair of an object, kept in insertion order.
type Member struct {
	Key   string
	Value Value
}

// Value is a tagged JSON-like value. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	arr  []Value
	obj  []Member
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int wraps an integer. Integers are the preferred number representation
// because their encoding never drifts between implementations.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float wraps a finite float64.
func Float(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, ErrNonFinite
	}
	return Value{kind: KindFloat, f: f}, nil
}

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Array builds an array value; element order is preserved.
func Array(elems ...Value) Value {
	out := make([]Value, len(elems))
	copy(out, elems)
	return Value{kind: KindArray, arr: out}
}

// Object builds an object from members. A repeated key replaces the earlier
// member in place.
func Object(members ...Member) Value {
	v := Value{kind: KindObject, obj: make([]Member, 0, len(members))}
	for _, m := range members {
		v = v.Set(m.Key, m.Value)
	}
	return v
}

// Kind reports the variant.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean payload.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsInt returns the integer payload. Floats with an exact integer value are
// accepted as well.
func (v Value) AsInt() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindFloat:
		if v.f == math.Trunc(v.f) && math.Abs(v.f) < 1<<53 {
			return int64(v.f), true
		}
	}
	return 0, false
}

// AsFloat returns the numeric payload as float64.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	}
	return 0, false
}

// AsString returns the string payload.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// Elements returns a copy of the array elements.
func (v Value) Elements() []Value {
	if v.kind != KindArray {
		return nil
	}
	out := make([]Value, len(v.arr))
	copy(out, v.arr)
	return out
}

// Members returns a copy of the object members in insertion order.
func (v Value) Members() []Member {
	if v.kind != KindObject {
		return nil
	}
	out := make([]Member, len(v.obj))
	copy(out, v.obj)
	return out
}

// Len returns the number of elements or members.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.arr)
	case KindObject:
		return len(v.obj)
	}
	return 0
}

// Get looks up an object member.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	for _, m := range v.obj {
		if m.Key == key {
			return m.Value, true
		}
	}
	return Value{}, false
}

// Path follows nested object keys.
func (v Value) Path(keys ...string) (Value, bool) {
	cur := v
	for _, k := range keys {
		next, ok := cur.Get(k)
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return cur, true
}

// StringAt is a convenience for Path followed by AsString.
func (v Value) StringAt(keys ...string) string {
	p, ok := v.Path(keys...)
	if !ok {
		return ""
	}
	s, _ := p.AsString()
	return s
}

// Set returns a copy of the object with key set. Existing keys keep their
// position; new keys are appended. Setting on a non-object yields a new
// single-member object.
func (v Value) Set(key string, val Value) Value {
	if v.kind != KindObject {
		return Value{kind: KindObject, obj: []Member{{Key: key, Value: val}}}
	}
	out := make([]Member, len(v.obj), len(v.obj)+1)
	copy(out, v.obj)
	for i := range out {
		if out[i].Key == key {
			out[i].Value = val
			return Value{kind: KindObject, obj: out}
		}
	}
	return Value{kind: KindObject, obj: append(out, Member{Key: key, Value: val})}
}

// Without returns a copy of the object with the given keys removed.
func (v Value) Without(keys ...string) Value {
	if v.kind != KindObject {
		return v
	}
	drop := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		drop[k] = struct{}{}
	}
	out := make([]Member, 0, len(v.obj))
	for _, m := range v.obj {
		if _, ok := drop[m.Key]; !ok {
			out = append(out, m)
		}
	}
	return Value{kind: KindObject, obj: out}
}

// Equal reports structural equality, ignoring object member order.
func (v Value) Equal(o Value) bool {
	return Canonical(v) == Canonical(o)
}

// MarshalJSON encodes the value with object members in insertion order.
func (v Value) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	writeValue(&b, v, false)
	return []byte(b.String()), nil
}

// UnmarshalJSON decodes any JSON document into the value.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Parse decodes a JSON document. Object member order is preserved, integers
// that fit in int64 stay exact and duplicate keys are rejected.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := parseValue(dec)
	if err != nil {
		return Value{}, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return Value{}, ErrTrailingData
	}
	return v, nil
}

func parseValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, fmt.Errorf("canon: parse: %w", err)
	}
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		return parseNumber(t)
	case json.Delim:
		switch t {
		case '[':
			var elems []Value
			for dec.More() {
				e, err := parseValue(dec)
				if err != nil {
					return Value{}, err
				}
				elems = append(elems, e)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, fmt.Errorf("canon: parse: %w", err)
			}
			return Value{kind: KindArray, arr: elems}, nil
		case '{':
			obj := Value{kind: KindObject, obj: []Member{}}
			seen := make(map[string]struct{})
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, fmt.Errorf("canon: parse: %w", err)
				}
				key, _ := keyTok.(string)
				if _, dup := seen[key]; dup {
					return Value{}, fmt.Errorf("%w: %q", ErrDuplicateKey, key)
				}
				seen[key] = struct{}{}
				val, err := parseValue(dec)
				if err != nil {
					return Value{}, err
				}
				obj.obj = append(obj.obj, Member{Key: key, Value: val})
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, fmt.Errorf("canon: parse: %w", err)
			}
			return obj, nil
		}
	}
	return Value{}, fmt.Errorf("%w: token %v", ErrUnsupported, tok)
}

func parseNumber(n json.Number) (Value, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Int(i), nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Value{}, fmt.Errorf("canon: parse number %q: %w", s, err)
	}
	return Float(f)
}

// FromAny converts plain Go data into a Value. Maps are read in key order;
// structs and other marshalable types go through encoding/json so their
// field order is kept.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case *Value:
		if t == nil {
			return Null(), nil
		}
		return *t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint32:
		return Int(int64(t)), nil
	case float32:
		return Float(float64(t))
	case float64:
		return Float(t)
	case json.Number:
		return parseNumber(t)
	case json.RawMessage:
		return Parse(t)
	case []Value:
		return Array(t...), nil
	case []any:
		elems := make([]Value, 0, len(t))
		for _, e := range t {
			ev, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			elems = append(elems, ev)
		}
		return Value{kind: KindArray, arr: elems}, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		obj := Value{kind: KindObject, obj: make([]Member, 0, len(keys))}
		for _, k := range keys {
			mv, err := FromAny(t[k])
			if err != nil {
				return Value{}, err
			}
			obj.obj = append(obj.obj, Member{Key: k, Value: mv})
		}
		return obj, nil
	}

	if rv := reflect.ValueOf(x); rv.Kind() == reflect.Func || rv.Kind() == reflect.Chan {
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupported, x)
	}
	raw, err := json.Marshal(x)
	if err != nil {
		return Value{}, fmt.Errorf("canon: marshal %T: %w", x, err)
	}
	return Parse(raw)
}

// MustFromAny is FromAny for values known to be representable, such as
// literals in tests and fixed protocol structures.
func MustFromAny(x any) Value {
	v, err := FromAny(x)
	if err != nil {
		panic(err)
	}
	return v
}
