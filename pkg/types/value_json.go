package types

import (
	"encoding/json"
	"fmt"
	"math"
)

// jsonValue is the tagged wire form of a Value. Doubles are carried as
// their IEEE-754 bits so NaN and infinities survive the trip.
type jsonValue struct {
	Type  string    `json:"t"`
	Int   *int64    `json:"i,omitempty"`
	Bits  *uint64   `json:"d,omitempty"`
	Bytes []byte    `json:"b,omitempty"`
	Time  *Timespec `json:"ts,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	jv := jsonValue{Type: v.typ.String()}
	switch v.typ {
	case ValueInt64:
		i := v.i
		jv.Int = &i
	case ValueDouble:
		bits := math.Float64bits(v.d)
		jv.Bits = &bits
	case ValueBlob:
		jv.Bytes = v.b
		if jv.Bytes == nil {
			jv.Bytes = []byte{}
		}
	case ValueTimestamp:
		ts := v.ts
		jv.Time = &ts
	}
	return json.Marshal(jv)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var jv jsonValue
	if err := json.Unmarshal(data, &jv); err != nil {
		return err
	}
	t, err := ParseValueType(jv.Type)
	if err != nil {
		return err
	}
	switch t {
	case ValueNull:
		*v = NewNull()
	case ValueInt64:
		if jv.Int == nil {
			return fmt.Errorf("types: int64 value without payload")
		}
		*v = NewInt64(*jv.Int)
	case ValueDouble:
		if jv.Bits == nil {
			return fmt.Errorf("types: double value without payload")
		}
		*v = NewDouble(math.Float64frombits(*jv.Bits))
	case ValueBlob:
		*v = NewBlob(jv.Bytes)
	case ValueTimestamp:
		if jv.Time == nil {
			return fmt.Errorf("types: timestamp value without payload")
		}
		*v = NewTimestamp(*jv.Time)
	}
	return nil
}
