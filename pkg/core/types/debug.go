package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DebugKind tags the variant held by a DebugValue.
type DebugKind int

const (
	DebugNull DebugKind = iota
	DebugString
	DebugNumber
	DebugBool
	DebugObject
	DebugList
)

// DebugValue is one value of a diagnostic payload.
// Exactly one of the fields is meaningful, selected by Kind.
type DebugValue struct {
	Kind   DebugKind
	Str    string
	Num    float64
	Bool   bool
	Object DebugPayload
	List   []DebugValue
}

func StringValue(s string) DebugValue          { return DebugValue{Kind: DebugString, Str: s} }
func NumberValue(n float64) DebugValue         { return DebugValue{Kind: DebugNumber, Num: n} }
func BoolValue(b bool) DebugValue              { return DebugValue{Kind: DebugBool, Bool: b} }
func ObjectValue(p DebugPayload) DebugValue    { return DebugValue{Kind: DebugObject, Object: p} }
func ListValue(items ...DebugValue) DebugValue { return DebugValue{Kind: DebugList, List: items} }

// String renders the value for display.
func (v DebugValue) String() string {
	switch v.Kind {
	case DebugString:
		return v.Str
	case DebugNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case DebugBool:
		return strconv.FormatBool(v.Bool)
	case DebugObject:
		return v.Object.String()
	case DebugList:
		parts := make([]string, 0, len(v.List))
		for _, item := range v.List {
			parts = append(parts, item.String())
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return "null"
	}
}

// MarshalJSON implements json.Marshaler.
func (v DebugValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case DebugNull:
		return []byte("null"), nil
	case DebugString:
		return json.Marshal(v.Str)
	case DebugNumber:
		return json.Marshal(v.Num)
	case DebugBool:
		return json.Marshal(v.Bool)
	case DebugObject:
		return v.Object.MarshalJSON()
	case DebugList:
		if v.List == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.List)
	default:
		return nil, fmt.Errorf("unknown debug value kind %d", v.Kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *DebugValue) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	decoded, err := decodeDebugValue(dec)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

// DebugField is one key/value entry of a DebugPayload.
type DebugField struct {
	Key   string
	Value DebugValue
}

// DebugPayload is an ordered mapping from string keys to DebugValues.
// Key order follows insertion (or source JSON) order.
type DebugPayload []DebugField

// Get returns the value stored under key.
func (p DebugPayload) Get(key string) (DebugValue, bool) {
	for _, f := range p {
		if f.Key == key {
			return f.Value, true
		}
	}
	return DebugValue{}, false
}

// Set replaces the value under key in place, or appends it.
func (p DebugPayload) Set(key string, value DebugValue) DebugPayload {
	for i := range p {
		if p[i].Key == key {
			p[i].Value = value
			return p
		}
	}
	return append(p, DebugField{Key: key, Value: value})
}

// Keys returns the keys in order.
func (p DebugPayload) Keys() []string {
	out := make([]string, 0, len(p))
	for _, f := range p {
		out = append(out, f.Key)
	}
	return out
}

func (p DebugPayload) String() string {
	parts := make([]string, 0, len(p))
	for _, f := range p {
		parts = append(parts, f.Key+": "+f.Value.String())
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// MarshalJSON implements json.Marshaler, preserving key order.
func (p DebugPayload) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := f.Value.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("marshal debug field %q: %w", f.Key, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler, preserving key order.
func (p *DebugPayload) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeDebugValue(dec)
	if err != nil {
		return err
	}
	switch v.Kind {
	case DebugNull:
		*p = nil
	case DebugObject:
		*p = v.Object
	default:
		return fmt.Errorf("debug payload must be a JSON object")
	}
	return nil
}

func decodeDebugValue(dec *json.Decoder) (DebugValue, error) {
	tok, err := dec.Token()
	if err != nil {
		return DebugValue{}, fmt.Errorf("decode debug value: %w", err)
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			payload := DebugPayload{}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return DebugValue{}, fmt.Errorf("decode debug key: %w", err)
				}
				key, ok := keyTok.(string)
				if !ok {
					return DebugValue{}, fmt.Errorf("decode debug key: unexpected token %v", keyTok)
				}
				val, err := decodeDebugValue(dec)
				if err != nil {
					return DebugValue{}, err
				}
				payload = payload.Set(key, val)
			}
			if _, err := dec.Token(); err != nil {
				return DebugValue{}, fmt.Errorf("decode debug object end: %w", err)
			}
			return ObjectValue(payload), nil
		case '[':
			items := []DebugValue{}
			for dec.More() {
				val, err := decodeDebugValue(dec)
				if err != nil {
					return DebugValue{}, err
				}
				items = append(items, val)
			}
			if _, err := dec.Token(); err != nil {
				return DebugValue{}, fmt.Errorf("decode debug list end: %w", err)
			}
			return ListValue(items...), nil
		default:
			return DebugValue{}, fmt.Errorf("decode debug value: unexpected delimiter %v", t)
		}
	case string:
		return StringValue(t), nil
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return DebugValue{}, fmt.Errorf("decode debug number: %w", err)
		}
		return NumberValue(n), nil
	case bool:
		return BoolValue(t), nil
	case nil:
		return DebugValue{Kind: DebugNull}, nil
	default:
		return DebugValue{}, fmt.Errorf("decode debug value: unexpected token %v", tok)
	}
}
