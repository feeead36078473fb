// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package portbridge

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// MarkerKey is the reserved property that tags a wire node as a port or a
// binary payload.
const MarkerKey = "$bridge"

// Payload fields of a tagged node.
const (
	fieldID   = "id"
	fieldRef  = "ref"
	fieldData = "data"
)

const markerPort = "port"

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindMap
	KindPort
	KindBinary
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	case KindPort:
		return "port"
	case KindBinary:
		return "binary"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a node of the wire envelope. The zero Value is null.
type Value struct {
	kind    Kind
	boolean bool
	number  float64
	text    string // string value, port channel id or blob reference
	items   []Value
	fields  map[string]Value
	binary  BinaryKind
	data    []byte
}

func Null() Value { return Value{} }

func BoolValue(b bool) Value { return Value{kind: KindBool, boolean: b} }

func NumberValue(n float64) Value { return Value{kind: KindNumber, number: n} }

func StringValue(s string) Value { return Value{kind: KindString, text: s} }

func ArrayValue(items ...Value) Value {
	return Value{kind: KindArray, items: items}
}

func MapValue(fields map[string]Value) Value {
	if fields == nil {
		fields = map[string]Value{}
	}
	return Value{kind: KindMap, fields: fields}
}

// PortValue is a tagged node referring to a forwarded channel.
func PortValue(id string) Value {
	return Value{kind: KindPort, text: id}
}

// BinaryValue is a tagged node carrying bytes inline.
func BinaryValue(kind BinaryKind, data []byte) Value {
	return Value{kind: KindBinary, binary: kind, data: data}
}

// BinaryRefValue is a tagged node carrying a reference to materialized bytes.
func BinaryRefValue(kind BinaryKind, ref string) Value {
	return Value{kind: KindBinary, binary: kind, text: ref}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) Bool() bool { return v.boolean }

func (v Value) Number() float64 { return v.number }

// Str returns the text of a string node.
func (v Value) Str() string { return v.text }

func (v Value) Items() []Value { return v.items }

func (v Value) Fields() map[string]Value { return v.fields }

// PortID returns the channel id of a port node.
func (v Value) PortID() string {
	if v.kind != KindPort {
		return ""
	}
	return v.text
}

// Binary returns the classification of a binary node together with either
// its inline bytes or its blob reference.
func (v Value) Binary() (kind BinaryKind, data []byte, ref string) {
	if v.kind != KindBinary {
		return 0, nil, ""
	}
	return v.binary, v.data, v.text
}

// IsTagged reports whether the node is a port or binary node.
func (v Value) IsTagged() bool {
	return v.kind == KindPort || v.kind == KindBinary
}

// tree converts the node into plain Go values suitable for a JSON or CBOR
// encoder. Inline binary data stays a []byte; the JSON encoder renders it
// as base64 and the CBOR encoder as a byte string.
func (v Value) tree() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.boolean
	case KindNumber:
		return v.number
	case KindString:
		return v.text
	case KindArray:
		out := make([]any, len(v.items))
		for i, item := range v.items {
			out[i] = item.tree()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.fields))
		for key, field := range v.fields {
			out[key] = field.tree()
		}
		return out
	case KindPort:
		return map[string]any{MarkerKey: markerPort, fieldID: v.text}
	case KindBinary:
		if v.data != nil || v.text == "" {
			data := v.data
			if data == nil {
				data = []byte{}
			}
			return map[string]any{MarkerKey: v.binary.String(), fieldData: data}
		}
		return map[string]any{MarkerKey: v.binary.String(), fieldRef: v.text}
	default:
		panic(fmt.Sprintf("portbridge: unknown value kind %d", v.kind))
	}
}

// valueFromTree converts decoded JSON or CBOR data back into a Value,
// recognizing tagged nodes by MarkerKey.
func valueFromTree(t any) (Value, error) {
	switch x := t.(type) {
	case nil:
		return Null(), nil
	case bool:
		return BoolValue(x), nil
	case float64:
		return NumberValue(x), nil
	case float32:
		return NumberValue(float64(x)), nil
	case int64:
		return NumberValue(float64(x)), nil
	case uint64:
		return NumberValue(float64(x)), nil
	case int:
		return NumberValue(float64(x)), nil
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: number %q", ErrMalformedValue, x)
		}
		return NumberValue(n), nil
	case string:
		return StringValue(x), nil
	case []any:
		items := make([]Value, len(x))
		for i, item := range x {
			v, err := valueFromTree(item)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return ArrayValue(items...), nil
	case map[string]any:
		return mapFromTree(x)
	case map[any]any:
		converted := make(map[string]any, len(x))
		for key, field := range x {
			name, ok := key.(string)
			if !ok {
				return Value{}, fmt.Errorf("%w: non-string map key %v", ErrMalformedValue, key)
			}
			converted[name] = field
		}
		return mapFromTree(converted)
	default:
		return Value{}, fmt.Errorf("%w: unexpected %T", ErrMalformedValue, t)
	}
}

func mapFromTree(m map[string]any) (Value, error) {
	marker, tagged := m[MarkerKey]
	if !tagged {
		fields := make(map[string]Value, len(m))
		for key, field := range m {
			v, err := valueFromTree(field)
			if err != nil {
				return Value{}, err
			}
			fields[key] = v
		}
		return MapValue(fields), nil
	}

	name, ok := marker.(string)
	if !ok {
		return Value{}, fmt.Errorf("%w: marker is %T", ErrMalformedValue, marker)
	}
	if name == markerPort {
		id, ok := m[fieldID].(string)
		if !ok || id == "" {
			return Value{}, fmt.Errorf("%w: port node without id", ErrMalformedValue)
		}
		return PortValue(id), nil
	}

	kind, err := ParseBinaryKind(name)
	if err != nil {
		return Value{}, err
	}
	if ref, ok := m[fieldRef].(string); ok {
		return BinaryRefValue(kind, ref), nil
	}
	switch data := m[fieldData].(type) {
	case []byte:
		return BinaryValue(kind, data), nil
	case string:
		decoded, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %s payload: %v", ErrMalformedValue, name, err)
		}
		return BinaryValue(kind, decoded), nil
	default:
		return Value{}, fmt.Errorf("%w: %s node without payload", ErrMalformedValue, name)
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.tree())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var t any
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	decoded, err := valueFromTree(t)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

func (v Value) MarshalCBOR() ([]byte, error) {
	return cborEncMode.Marshal(v.tree())
}

func (v *Value) UnmarshalCBOR(data []byte) error {
	var t any
	if err := cborDecMode.Unmarshal(data, &t); err != nil {
		return err
	}
	decoded, err := valueFromTree(t)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

// String renders the node in a compact diagnostic form.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindPort:
		return "port(" + v.text + ")"
	case KindBinary:
		if v.data != nil {
			return fmt.Sprintf("%s[%d bytes]", v.binary, len(v.data))
		}
		return fmt.Sprintf("%s(%s)", v.binary, v.text)
	case KindMap:
		keys := make([]string, 0, len(v.fields))
		for key := range v.fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		out := "{"
		for i, key := range keys {
			if i > 0 {
				out += " "
			}
			out += key + ":" + v.fields[key].String()
		}
		return out + "}"
	case KindArray:
		out := "["
		for i, item := range v.items {
			if i > 0 {
				out += " "
			}
			out += item.String()
		}
		return out + "]"
	case KindNumber:
		if v.number == math.Trunc(v.number) && math.Abs(v.number) < 1e15 {
			return fmt.Sprintf("%d", int64(v.number))
		}
		return fmt.Sprintf("%g", v.number)
	case KindString:
		return fmt.Sprintf("%q", v.text)
	default:
		return fmt.Sprintf("%v", v.boolean)
	}
}
