package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// TypeKind is the runtime discriminator for a document value, standing in
// for the dynamic-any type of the original implementation.
type TypeKind string

const (
	KindNull   TypeKind = "null"
	KindBool   TypeKind = "bool"
	KindInt    TypeKind = "int"
	KindFloat  TypeKind = "float"
	KindString TypeKind = "string"
	KindList   TypeKind = "list"
	KindMap    TypeKind = "mapping"
)

// Value is a tagged-union document value: scalar, list, or ordered mapping.
// Store never holds a raw Go any — every value that crosses the Get/Set
// boundary is one of these.
type Value struct {
	kind TypeKind
	b    bool
	i    int64
	f    float64
	s    string
	list []Value
	m    *orderedmap.OrderedMap[string, Value]
}

func Null() Value                { return Value{kind: KindNull} }
func Bool(b bool) Value          { return Value{kind: KindBool, b: b} }
func Int(i int64) Value          { return Value{kind: KindInt, i: i} }
func Float(f float64) Value      { return Value{kind: KindFloat, f: f} }
func String(s string) Value      { return Value{kind: KindString, s: s} }
func List(items ...Value) Value  { return Value{kind: KindList, list: items} }
func Map(m *orderedmap.OrderedMap[string, Value]) Value {
	if m == nil {
		m = orderedmap.New[string, Value]()
	}
	return Value{kind: KindMap, m: m}
}

// NewMap returns an empty ordered map suitable for building a Map value.
func NewMap() *orderedmap.OrderedMap[string, Value] {
	return orderedmap.New[string, Value]()
}

func (v Value) Kind() TypeKind { return v.kind }

func (v Value) AsBool() bool   { return v.b }
func (v Value) AsInt() int64   { return v.i }
func (v Value) AsFloat() float64 { return v.f }
func (v Value) AsString() string { return v.s }
func (v Value) AsList() []Value  { return v.list }
func (v Value) AsMap() *orderedmap.OrderedMap[string, Value] { return v.m }

// Equal reports structural equality by comparing the two values' JSON
// encodings. No runtime path uses it.
func (v Value) Equal(other Value) bool {
	vb, err1 := v.MarshalJSON()
	ob, err2 := other.MarshalJSON()
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(vb, ob)
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull, "":
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindInt:
		return json.Marshal(v.i)
	case KindFloat:
		b, err := json.Marshal(v.f)
		if err != nil {
			return nil, err
		}
		// Keep a whole-number float (3 → 3.0) from decoding back as an Int.
		if !bytes.ContainsAny(b, ".eE") {
			b = append(b, ".0"...)
		}
		return b, nil
	case KindString:
		return json.Marshal(v.s)
	case KindList:
		buf := bytes.NewBufferString("[")
		for i, e := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			eb, err := e.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(eb)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case KindMap:
		buf := bytes.NewBufferString("{")
		i := 0
		for pair := v.m.Oldest(); pair != nil; pair = pair.Next() {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(pair.Key)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := pair.Value.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
			i++
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("store: unknown value kind %q", v.kind)
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	val, err := decodeValue(dec)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

// decodeValue reads one JSON value from dec, preserving object key order —
// encoding/json's map[string]any decoding does not, which would break
// deterministic snapshot/restore round-trips.
func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '[':
			items := []Value{}
			for dec.More() {
				v, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				items = append(items, v)
			}
			if _, err := dec.Token(); err != nil { // closing ']'
				return Value{}, err
			}
			return List(items...), nil
		case '{':
			m := orderedmap.New[string, Value]()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Value{}, fmt.Errorf("store: expected string object key, got %v", keyTok)
				}
				v, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				m.Set(key, v)
			}
			if _, err := dec.Token(); err != nil { // closing '}'
				return Value{}, err
			}
			return Map(m), nil
		default:
			return Value{}, fmt.Errorf("store: unexpected delimiter %q", t)
		}
	case bool:
		return Bool(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("store: decode number %q: %w", t.String(), err)
		}
		return Float(f), nil
	case string:
		return String(t), nil
	case nil:
		return Null(), nil
	default:
		return Value{}, fmt.Errorf("store: unsupported json token %T", tok)
	}
}
