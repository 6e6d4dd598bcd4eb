// Package record models the externally produced records the sink consumes:
// a schema tree describing the value, structured values, and the record
// envelope carrying topic, partition and offset.
package record

import (
	"fmt"
	"strings"
)

// Type is the kind of an external schema node.
type Type string

const (
	TypeInt8    Type = "int8"
	TypeInt16   Type = "int16"
	TypeInt32   Type = "int32"
	TypeInt64   Type = "int64"
	TypeFloat32 Type = "float32"
	TypeFloat64 Type = "float64"
	TypeBoolean Type = "boolean"
	TypeString  Type = "string"
	TypeBytes   Type = "bytes"
	TypeArray   Type = "array"
	TypeMap     Type = "map"
	TypeStruct  Type = "struct"
)

// IsPrimitive reports whether t is a scalar kind.
func (t Type) IsPrimitive() bool {
	switch t {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64, TypeFloat32, TypeFloat64,
		TypeBoolean, TypeString, TypeBytes:
		return true
	}
	return false
}

// IsInteger reports whether t is one of the signed integer kinds.
func (t Type) IsInteger() bool {
	return t == TypeInt8 || t == TypeInt16 || t == TypeInt32 || t == TypeInt64
}

// IsFloat reports whether t is one of the floating point kinds.
func (t Type) IsFloat() bool {
	return t == TypeFloat32 || t == TypeFloat64
}

// Field is a named member of a struct schema.
type Field struct {
	Name   string
	Index  int
	Schema *Schema
}

// Schema describes the shape of a record value.
type Schema struct {
	Type     Type
	Name     string
	Optional bool
	fields   []Field
}

// Fields returns the struct fields in declaration order.
func (s *Schema) Fields() []Field {
	return s.fields
}

// Field looks a struct field up by name.
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func (s *Schema) String() string {
	if s == nil {
		return "<nil>"
	}
	if s.Type != TypeStruct {
		return string(s.Type)
	}
	parts := make([]string, len(s.fields))
	for i, f := range s.fields {
		parts[i] = f.Name + ":" + f.Schema.String()
	}
	return "struct{" + strings.Join(parts, ",") + "}"
}

func primitive(t Type) *Schema {
	return &Schema{Type: t}
}

// Primitive schema constructors. Each call returns a fresh schema.
func Int8Schema() *Schema    { return primitive(TypeInt8) }
func Int16Schema() *Schema   { return primitive(TypeInt16) }
func Int32Schema() *Schema   { return primitive(TypeInt32) }
func Int64Schema() *Schema   { return primitive(TypeInt64) }
func Float32Schema() *Schema { return primitive(TypeFloat32) }
func Float64Schema() *Schema { return primitive(TypeFloat64) }
func BooleanSchema() *Schema { return primitive(TypeBoolean) }
func StringSchema() *Schema  { return primitive(TypeString) }
func BytesSchema() *Schema   { return primitive(TypeBytes) }

// OptionalOf returns a copy of s marked optional.
func OptionalOf(s *Schema) *Schema {
	cp := *s
	cp.Optional = true
	return &cp
}

// SchemaBuilder assembles struct schemas.
type SchemaBuilder struct {
	schema *Schema
	err    error
}

// NewStructBuilder starts a struct schema.
func NewStructBuilder() *SchemaBuilder {
	return &SchemaBuilder{schema: &Schema{Type: TypeStruct}}
}

// Name sets the schema name.
func (b *SchemaBuilder) Name(name string) *SchemaBuilder {
	b.schema.Name = name
	return b
}

// Optional marks the struct itself optional.
func (b *SchemaBuilder) Optional() *SchemaBuilder {
	b.schema.Optional = true
	return b
}

// Field appends a field. Duplicate names make Build fail.
func (b *SchemaBuilder) Field(name string, schema *Schema) *SchemaBuilder {
	if b.err != nil {
		return b
	}
	if schema == nil {
		b.err = fmt.Errorf("record: field %q has no schema", name)
		return b
	}
	if _, dup := b.schema.Field(name); dup {
		b.err = fmt.Errorf("record: duplicate field %q", name)
		return b
	}
	b.schema.fields = append(b.schema.fields, Field{
		Name:   name,
		Index:  len(b.schema.fields),
		Schema: schema,
	})
	return b
}

// Build returns the schema or the first builder error.
func (b *SchemaBuilder) Build() (*Schema, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.schema, nil
}

// MustBuild is Build for statically known schemas.
func (b *SchemaBuilder) MustBuild() *Schema {
	s, err := b.Build()
	if err != nil {
		panic(err)
	}
	return s
}
