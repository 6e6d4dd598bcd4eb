// Package projector maps table layouts and rows back into the external
// record model, the reverse of the converter.
package projector

import (
	"encoding/json"
	"fmt"

	serrors "github.com/arkilian/sink/internal/errors"
	"github.com/arkilian/sink/pkg/record"
	"github.com/arkilian/sink/pkg/types"
)

// Shape selects the external representation of a row.
type Shape int

const (
	// ShapeStruct projects a row as a struct with one field per column.
	ShapeStruct Shape = iota
	// ShapeString projects a row as a JSON object carried in a string.
	ShapeString
)

func (s Shape) String() string {
	switch s {
	case ShapeStruct:
		return "struct"
	case ShapeString:
		return "string"
	}
	return fmt.Sprintf("shape(%d)", int(s))
}

// ParseShape parses "struct" or "string".
func ParseShape(name string) (Shape, error) {
	switch name {
	case "struct", "":
		return ShapeStruct, nil
	case "string", "json":
		return ShapeString, nil
	}
	return 0, fmt.Errorf("projector: unknown shape %q", name)
}

// Project returns the external schema of a table layout.
func Project(shape Shape, columns []types.Column) (*record.Schema, error) {
	switch shape {
	case ShapeString:
		return record.StringSchema(), nil
	case ShapeStruct:
		b := record.NewStructBuilder()
		for _, c := range columns {
			fs, err := fieldSchema(c)
			if err != nil {
				return nil, err
			}
			b.Field(c.Name, fs)
		}
		s, err := b.Build()
		if err != nil {
			return nil, serrors.NewProjectionError(err.Error())
		}
		return s, nil
	}
	return nil, serrors.NewProjectionError(fmt.Sprintf("unknown shape %s", shape))
}

func fieldSchema(c types.Column) (*record.Schema, error) {
	switch c.Type {
	case types.ValueInt64:
		return record.Int64Schema(), nil
	case types.ValueDouble:
		return record.Float64Schema(), nil
	case types.ValueBlob:
		return record.BytesSchema(), nil
	}
	return nil, serrors.NewProjectionError(
		fmt.Sprintf("column %q of type %s has no external equivalent", c.Name, c.Type)).
		WithDetails(map[string]interface{}{"column": c.Name, "type": c.Type.String()})
}

// RowToStruct fills a struct of schema from values, in field order. Each
// value is projected by its own tag.
func RowToStruct(schema *record.Schema, values []types.Value) (*record.Struct, error) {
	st, err := record.NewStruct(schema)
	if err != nil {
		return nil, serrors.NewProjectionError(err.Error())
	}
	fields := schema.Fields()
	if len(fields) != len(values) {
		return nil, serrors.NewProjectionError(
			fmt.Sprintf("schema has %d fields, row has %d values", len(fields), len(values)))
	}

	for i, f := range fields {
		var v interface{}
		switch values[i].Type() {
		case types.ValueInt64:
			v = values[i].Int64()
		case types.ValueDouble:
			v = values[i].Double()
		case types.ValueBlob:
			v = values[i].Blob()
		default:
			return nil, serrors.NewProjectionError(
				fmt.Sprintf("field %q: %s values cannot be projected", f.Name, values[i].Type())).
				WithDetails(map[string]interface{}{"field": f.Name, "type": values[i].Type().String()})
		}
		if err := st.Put(f.Name, v); err != nil {
			return nil, serrors.NewProjectionError(err.Error())
		}
	}
	return st, nil
}

// RowToMap projects values keyed by column name, dispatching on the column
// type. Nulls become nil and timestamps time.Time.
func RowToMap(columns []types.Column, values []types.Value) (map[string]interface{}, error) {
	return rowToMap(columns, values, func(ts types.Timespec) interface{} { return ts.Time() })
}

// RowToJSON projects values as a JSON object. Blobs are base64 and
// timestamps epoch milliseconds, the encoding the converter accepts.
func RowToJSON(columns []types.Column, values []types.Value) (string, error) {
	m, err := rowToMap(columns, values, func(ts types.Timespec) interface{} { return ts.EpochMillis() })
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", serrors.NewProjectionError(fmt.Sprintf("cannot encode row as JSON: %v", err))
	}
	return string(data), nil
}

func rowToMap(columns []types.Column, values []types.Value, timestamp func(types.Timespec) interface{}) (map[string]interface{}, error) {
	if len(columns) != len(values) {
		return nil, serrors.NewProjectionError(
			fmt.Sprintf("table has %d columns, row has %d values", len(columns), len(values)))
	}

	out := make(map[string]interface{}, len(columns))
	for i, c := range columns {
		v := values[i]
		if v.IsNull() {
			out[c.Name] = nil
			continue
		}
		if v.Type() != c.Type {
			return nil, serrors.NewProjectionError(
				fmt.Sprintf("column %q is %s, value is %s", c.Name, c.Type, v.Type()))
		}
		switch c.Type {
		case types.ValueInt64:
			out[c.Name] = v.Int64()
		case types.ValueDouble:
			out[c.Name] = v.Double()
		case types.ValueBlob:
			out[c.Name] = v.Blob()
		case types.ValueTimestamp:
			out[c.Name] = timestamp(v.Timestamp())
		}
	}
	return out, nil
}

// RowToRecord builds a record carrying row in the shape of schema. The
// record timestamp is the row time in epoch milliseconds.
func RowToRecord(topic string, partition int32, offset int64, schema *record.Schema, columns []types.Column, row types.Row) (*record.SinkRecord, error) {
	if schema == nil {
		return nil, serrors.NewProjectionError("no schema to project into")
	}

	var value interface{}
	switch schema.Type {
	case record.TypeStruct:
		st, err := RowToStruct(schema, row.Values)
		if err != nil {
			return nil, err
		}
		value = st
	case record.TypeString:
		s, err := RowToJSON(columns, row.Values)
		if err != nil {
			return nil, err
		}
		value = s
	default:
		return nil, serrors.NewProjectionError(fmt.Sprintf("cannot project a row into a %s schema", schema.Type))
	}

	return &record.SinkRecord{
		Topic:         topic,
		Partition:     partition,
		Offset:        offset,
		ValueSchema:   schema,
		Value:         value,
		Timestamp:     row.Timestamp.EpochMillis(),
		TimestampType: record.CreateTime,
	}, nil
}
