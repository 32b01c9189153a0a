// Package jsonval holds schema-free JSON documents exchanged with the
// extraction worker: results, processing details and field schemas.
//
// A Value is a tagged union of null, bool, number, string, list and
// object, backed by structpb.Value so the same document can travel over
// gRPC without conversion.
package jsonval

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Kind identifies which member of the union a Value holds.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindObject:
		return "object"
	default:
		return "null"
	}
}

// Value is an immutable JSON value. The zero Value is null.
type Value struct {
	pb *structpb.Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// From converts a Go value made of maps, slices, strings, numbers and
// bools (the shapes encoding/json produces) into a Value.
func From(v any) (Value, error) {
	if v == nil {
		return Value{}, nil
	}
	if existing, ok := v.(Value); ok {
		return existing, nil
	}
	pb, err := structpb.NewValue(normalize(v))
	if err != nil {
		return Value{}, fmt.Errorf("jsonval: %w", err)
	}
	return Value{pb: pb}, nil
}

// MustFrom is From for literals known to be convertible.
func MustFrom(v any) Value {
	out, err := From(v)
	if err != nil {
		panic(err)
	}
	return out
}

// Object builds an object value from a map.
func Object(m map[string]any) (Value, error) {
	s, err := structpb.NewStruct(normalizeMap(m))
	if err != nil {
		return Value{}, fmt.Errorf("jsonval: %w", err)
	}
	return Value{pb: structpb.NewStructValue(s)}, nil
}

// Parse decodes JSON text. Empty input and the literal null yield the null Value.
func Parse(data []byte) (Value, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return Value{}, nil
	}
	pb := &structpb.Value{}
	if err := protojson.Unmarshal(data, pb); err != nil {
		return Value{}, fmt.Errorf("jsonval: parse: %w", err)
	}
	return Value{pb: pb}, nil
}

// FromProto wraps an existing protobuf value.
func FromProto(pb *structpb.Value) Value {
	if pb == nil {
		return Value{}
	}
	if _, ok := pb.GetKind().(*structpb.Value_NullValue); ok {
		return Value{}
	}
	return Value{pb: pb}
}

// Proto returns the protobuf form; null is encoded as a NullValue.
func (v Value) Proto() *structpb.Value {
	if v.pb == nil {
		return structpb.NewNullValue()
	}
	return v.pb
}

func (v Value) Kind() Kind {
	if v.pb == nil {
		return KindNull
	}
	switch v.pb.GetKind().(type) {
	case *structpb.Value_BoolValue:
		return KindBool
	case *structpb.Value_NumberValue:
		return KindNumber
	case *structpb.Value_StringValue:
		return KindString
	case *structpb.Value_ListValue:
		return KindList
	case *structpb.Value_StructValue:
		return KindObject
	default:
		return KindNull
	}
}

func (v Value) IsNull() bool { return v.Kind() == KindNull }

// Field returns the named member of an object, or null.
func (v Value) Field(name string) Value {
	if v.Kind() != KindObject {
		return Value{}
	}
	return FromProto(v.pb.GetStructValue().GetFields()[name])
}

// Keys returns the member names of an object, sorted.
func (v Value) Keys() []string {
	if v.Kind() != KindObject {
		return nil
	}
	fields := v.pb.GetStructValue().GetFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (v Value) String() (string, bool) {
	if v.Kind() != KindString {
		return "", false
	}
	return v.pb.GetStringValue(), true
}

func (v Value) Number() (float64, bool) {
	if v.Kind() != KindNumber {
		return 0, false
	}
	return v.pb.GetNumberValue(), true
}

func (v Value) Bool() (bool, bool) {
	if v.Kind() != KindBool {
		return false, false
	}
	return v.pb.GetBoolValue(), true
}

// Interface converts back to plain Go values (map[string]any, []any, ...).
func (v Value) Interface() any {
	if v.pb == nil {
		return nil
	}
	return v.pb.AsInterface()
}

// With returns a copy of an object with key set to val. A null receiver is
// treated as an empty object.
func (v Value) With(key string, val any) (Value, error) {
	if v.Kind() != KindObject && !v.IsNull() {
		return Value{}, fmt.Errorf("jsonval: cannot set %q on %s", key, v.Kind())
	}
	m := map[string]any{}
	if obj, ok := v.Interface().(map[string]any); ok {
		m = obj
	}
	m[key] = val
	return Object(m)
}

// MarshalJSON emits compact JSON.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.pb == nil {
		return []byte("null"), nil
	}
	// protojson output is intentionally unstable; re-encode through encoding/json.
	return json.Marshal(v.pb.AsInterface())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// normalize widens integer and typed-map shapes structpb does not accept.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = normalize(t[i])
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case Value:
		return t.Interface()
	default:
		return v
	}
}

func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, val := range m {
		out[k] = normalize(val)
	}
	return out
}
