package record

import (
	"fmt"
)

// Struct is a value conforming to a struct schema. Fields that were never
// put read back as nil.
type Struct struct {
	schema *Schema
	values []interface{}
}

// NewStruct creates an empty struct for schema, which must be a struct schema.
func NewStruct(schema *Schema) (*Struct, error) {
	if schema == nil || schema.Type != TypeStruct {
		return nil, fmt.Errorf("record: struct requires a struct schema, got %s", schema)
	}
	return &Struct{
		schema: schema,
		values: make([]interface{}, len(schema.fields)),
	}, nil
}

// Schema returns the struct's schema.
func (s *Struct) Schema() *Schema {
	return s.schema
}

// Put sets a field after checking the Go type matches the field schema.
func (s *Struct) Put(name string, value interface{}) error {
	f, ok := s.schema.Field(name)
	if !ok {
		return fmt.Errorf("record: %q is not a field of %s", name, s.schema)
	}
	if err := ValidateValue(f.Schema, value); err != nil {
		return fmt.Errorf("record: field %q: %w", name, err)
	}
	s.values[f.Index] = value
	return nil
}

// Get returns the field's value and whether the field exists in the schema.
func (s *Struct) Get(name string) (interface{}, bool) {
	f, ok := s.schema.Field(name)
	if !ok {
		return nil, false
	}
	return s.values[f.Index], true
}

// Validate checks that every required field has been set.
func (s *Struct) Validate() error {
	for _, f := range s.schema.fields {
		if s.values[f.Index] == nil && !f.Schema.Optional {
			return fmt.Errorf("record: required field %q is not set", f.Name)
		}
	}
	return nil
}

// ValidateValue checks that value has the Go representation of schema:
// int8..int64, float32/float64, bool, string, []byte, *Struct,
// []interface{} or map[string]interface{}.
func ValidateValue(schema *Schema, value interface{}) error {
	if value == nil {
		if schema.Optional {
			return nil
		}
		return fmt.Errorf("nil value for required %s schema", schema.Type)
	}
	ok := false
	switch schema.Type {
	case TypeInt8:
		_, ok = value.(int8)
	case TypeInt16:
		_, ok = value.(int16)
	case TypeInt32:
		_, ok = value.(int32)
	case TypeInt64:
		_, ok = value.(int64)
	case TypeFloat32:
		_, ok = value.(float32)
	case TypeFloat64:
		_, ok = value.(float64)
	case TypeBoolean:
		_, ok = value.(bool)
	case TypeString:
		_, ok = value.(string)
	case TypeBytes:
		_, ok = value.([]byte)
	case TypeArray:
		_, ok = value.([]interface{})
	case TypeMap:
		_, ok = value.(map[string]interface{})
	case TypeStruct:
		var st *Struct
		st, ok = value.(*Struct)
		if ok && st.schema != schema {
			return fmt.Errorf("struct value has schema %s, want %s", st.schema, schema)
		}
	}
	if !ok {
		return fmt.Errorf("%T is not a valid %s value", value, schema.Type)
	}
	return nil
}
