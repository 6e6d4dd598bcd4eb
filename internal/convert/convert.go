// Package convert turns schema-described external records into typed values
// laid out positionally for a table.
package convert

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	serrors "github.com/arkilian/sink/internal/errors"
	"github.com/arkilian/sink/pkg/record"
	"github.com/arkilian/sink/pkg/types"
)

// Convert maps the record's value onto columns. values[i] is the value for
// columns[i]. The value schema must be a struct, or a string holding a JSON
// object; any other shape is rejected before a single column is looked at.
func Convert(columns []types.Column, r *record.SinkRecord) ([]types.Value, error) {
	src, err := sourceFor(r)
	if err != nil {
		return nil, err
	}

	values := make([]types.Value, len(columns))
	for i, col := range columns {
		v, err := src.value(col)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

// fieldSource reads one column's value out of a record value.
type fieldSource interface {
	value(col types.Column) (types.Value, error)
}

func sourceFor(r *record.SinkRecord) (fieldSource, error) {
	id := r.ID()
	if r.ValueSchema == nil {
		return nil, shapeError(id, "record has no value schema")
	}

	switch r.ValueSchema.Type {
	case record.TypeStruct:
		st, ok := r.Value.(*record.Struct)
		if !ok {
			return nil, shapeError(id, fmt.Sprintf("struct schema with %T value", r.Value))
		}
		return &structSource{id: id, st: st}, nil
	case record.TypeString:
		s, ok := r.Value.(string)
		if !ok {
			return nil, shapeError(id, fmt.Sprintf("string schema with %T value", r.Value))
		}
		obj, err := decodeJSONObject(s)
		if err != nil {
			return nil, shapeError(id, fmt.Sprintf("string value is not a JSON object: %v", err))
		}
		return &jsonSource{id: id, obj: obj}, nil
	}
	return nil, shapeError(id, fmt.Sprintf("only struct values are supported, got %s", r.ValueSchema.Type))
}

func decodeJSONObject(s string) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("null")
	}
	return obj, nil
}

type structSource struct {
	id record.RecordID
	st *record.Struct
}

func (s *structSource) value(col types.Column) (types.Value, error) {
	field, ok := s.st.Schema().Field(col.Name)
	if !ok {
		return types.Value{}, missingError(s.id, col, "no such field in value schema")
	}
	raw, _ := s.st.Get(col.Name)
	if raw == nil {
		if field.Schema.Optional {
			return types.NewNull(), nil
		}
		return types.Value{}, missingError(s.id, col, "required field has no value")
	}

	switch col.Type {
	case types.ValueInt64:
		if i, ok := widenInt(raw); ok && field.Schema.Type.IsInteger() {
			return types.NewInt64(i), nil
		}
	case types.ValueDouble:
		switch f := raw.(type) {
		case float32:
			return types.NewDouble(float64(f)), nil
		case float64:
			return types.NewDouble(f), nil
		}
	case types.ValueBlob:
		switch b := raw.(type) {
		case []byte:
			return types.NewBlob(b), nil
		case string:
			return types.NewSafeString(b), nil
		}
	case types.ValueTimestamp:
		if ms, ok := widenInt(raw); ok && field.Schema.Type == record.TypeInt64 {
			return types.NewTimestamp(types.TimespecFromMillis(ms)), nil
		}
	}
	return types.Value{}, mismatchError(s.id, col, string(field.Schema.Type))
}

func widenInt(raw interface{}) (int64, bool) {
	switch n := raw.(type) {
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

type jsonSource struct {
	id  record.RecordID
	obj map[string]interface{}
}

func (s *jsonSource) value(col types.Column) (types.Value, error) {
	raw, ok := s.obj[col.Name]
	if !ok {
		return types.Value{}, missingError(s.id, col, "no such key in JSON value")
	}
	if raw == nil {
		return types.NewNull(), nil
	}

	switch col.Type {
	case types.ValueInt64, types.ValueTimestamp:
		n, ok := raw.(json.Number)
		if !ok {
			break
		}
		i, err := n.Int64()
		if err != nil {
			return types.Value{}, mismatchError(s.id, col, fmt.Sprintf("number %s", n))
		}
		if col.Type == types.ValueTimestamp {
			return types.NewTimestamp(types.TimespecFromMillis(i)), nil
		}
		return types.NewInt64(i), nil
	case types.ValueDouble:
		n, ok := raw.(json.Number)
		if !ok {
			break
		}
		f, err := n.Float64()
		if err != nil {
			return types.Value{}, mismatchError(s.id, col, fmt.Sprintf("number %s", n))
		}
		return types.NewDouble(f), nil
	case types.ValueBlob:
		str, ok := raw.(string)
		if !ok {
			break
		}
		b, err := base64.StdEncoding.DecodeString(str)
		if err != nil {
			return types.Value{}, mismatchError(s.id, col, "string that is not base64")
		}
		return types.NewBlob(b), nil
	}
	return types.Value{}, mismatchError(s.id, col, fmt.Sprintf("JSON %T", raw))
}

func recordDetails(id record.RecordID) map[string]interface{} {
	return map[string]interface{}{
		"topic":     id.Topic,
		"partition": id.Partition,
		"offset":    id.Offset,
	}
}

func shapeError(id record.RecordID, reason string) error {
	return serrors.NewConversionError(serrors.CodeUnsupportedRecordShape,
		fmt.Sprintf("record %s: %s", id, reason)).WithDetails(recordDetails(id))
}

func missingError(id record.RecordID, col types.Column, reason string) error {
	d := recordDetails(id)
	d["column"] = col.Name
	return serrors.NewConversionError(serrors.CodeMissingField,
		fmt.Sprintf("record %s: column %q: %s", id, col.Name, reason)).WithDetails(d)
}

func mismatchError(id record.RecordID, col types.Column, got string) error {
	d := recordDetails(id)
	d["column"] = col.Name
	d["expected"] = col.Type.String()
	d["actual"] = got
	return serrors.NewConversionError(serrors.CodeFieldTypeMismatch,
		fmt.Sprintf("record %s: column %q expects %s, field is %s", id, col.Name, col.Type, got)).WithDetails(d)
}
