package record

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
)

// jsonSchema is the envelope form of a schema, the same layout Kafka
// Connect's JSON converter uses: {"type": ..., "optional": ..., "fields": [{"field": ..., ...}]}.
type jsonSchema struct {
	Type     Type         `json:"type"`
	Name     string       `json:"name,omitempty"`
	Optional bool         `json:"optional"`
	Field    string       `json:"field,omitempty"`
	Fields   []jsonSchema `json:"fields,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (s *Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(toJSONSchema(s, ""))
}

func toJSONSchema(s *Schema, field string) jsonSchema {
	js := jsonSchema{Type: s.Type, Name: s.Name, Optional: s.Optional, Field: field}
	for _, f := range s.fields {
		js.Fields = append(js.Fields, toJSONSchema(f.Schema, f.Name))
	}
	return js
}

// DecodeSchema parses a schema envelope. A JSON null yields a nil schema.
func DecodeSchema(data []byte) (*Schema, error) {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil, nil
	}
	var js jsonSchema
	if err := json.Unmarshal(data, &js); err != nil {
		return nil, fmt.Errorf("record: invalid schema: %w", err)
	}
	return fromJSONSchema(js)
}

func fromJSONSchema(js jsonSchema) (*Schema, error) {
	switch {
	case js.Type == TypeStruct:
		b := NewStructBuilder().Name(js.Name)
		if js.Optional {
			b.Optional()
		}
		for _, f := range js.Fields {
			if f.Field == "" {
				return nil, fmt.Errorf("record: struct field without a name")
			}
			fs, err := fromJSONSchema(f)
			if err != nil {
				return nil, fmt.Errorf("record: field %q: %w", f.Field, err)
			}
			b.Field(f.Field, fs)
		}
		return b.Build()
	case js.Type.IsPrimitive(), js.Type == TypeArray, js.Type == TypeMap:
		return &Schema{Type: js.Type, Name: js.Name, Optional: js.Optional}, nil
	}
	return nil, fmt.Errorf("record: unknown schema type %q", js.Type)
}

// DecodeValue decodes data into the Go representation of schema (see
// ValidateValue). Integers are range checked, bytes are base64.
func DecodeValue(schema *Schema, data []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("record: invalid value: %w", err)
	}
	if schema == nil {
		return raw, nil
	}
	return fromJSONValue(schema, raw)
}

func fromJSONValue(schema *Schema, raw interface{}) (interface{}, error) {
	if raw == nil {
		if schema.Optional {
			return nil, nil
		}
		return nil, fmt.Errorf("null for required %s", schema.Type)
	}
	switch schema.Type {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		n, ok := raw.(json.Number)
		if !ok {
			return nil, fmt.Errorf("%s expects a number, got %T", schema.Type, raw)
		}
		i, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", schema.Type, err)
		}
		return narrowInt(schema.Type, i)
	case TypeFloat32, TypeFloat64:
		n, ok := raw.(json.Number)
		if !ok {
			return nil, fmt.Errorf("%s expects a number, got %T", schema.Type, raw)
		}
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", schema.Type, err)
		}
		if schema.Type == TypeFloat32 {
			return float32(f), nil
		}
		return f, nil
	case TypeBoolean:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("boolean expects true or false, got %T", raw)
		}
		return b, nil
	case TypeString:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("string expects a string, got %T", raw)
		}
		return s, nil
	case TypeBytes:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("bytes expects a base64 string, got %T", raw)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("bytes: %w", err)
		}
		return b, nil
	case TypeArray:
		a, ok := raw.([]interface{})
		if !ok {
			return nil, fmt.Errorf("array expects an array, got %T", raw)
		}
		return a, nil
	case TypeMap:
		m, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("map expects an object, got %T", raw)
		}
		return m, nil
	case TypeStruct:
		obj, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("struct expects an object, got %T", raw)
		}
		st, err := NewStruct(schema)
		if err != nil {
			return nil, err
		}
		for _, f := range schema.fields {
			fv, present := obj[f.Name]
			if !present {
				continue
			}
			v, err := fromJSONValue(f.Schema, fv)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", f.Name, err)
			}
			if err := st.Put(f.Name, v); err != nil {
				return nil, err
			}
		}
		return st, nil
	}
	return nil, fmt.Errorf("unknown schema type %q", schema.Type)
}

func narrowInt(t Type, i int64) (interface{}, error) {
	switch t {
	case TypeInt8:
		if i < math.MinInt8 || i > math.MaxInt8 {
			return nil, fmt.Errorf("%d overflows int8", i)
		}
		return int8(i), nil
	case TypeInt16:
		if i < math.MinInt16 || i > math.MaxInt16 {
			return nil, fmt.Errorf("%d overflows int16", i)
		}
		return int16(i), nil
	case TypeInt32:
		if i < math.MinInt32 || i > math.MaxInt32 {
			return nil, fmt.Errorf("%d overflows int32", i)
		}
		return int32(i), nil
	}
	return i, nil
}
