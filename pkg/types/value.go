package types

import (
	"bytes"
	"fmt"
	"math"
	"time"
)

// ValueType is the tag of a Value. Column types use the same enumeration,
// minus ValueNull.
type ValueType int8

const (
	ValueNull ValueType = iota
	ValueInt64
	ValueDouble
	ValueBlob
	ValueTimestamp
)

var valueTypeNames = map[ValueType]string{
	ValueNull:      "null",
	ValueInt64:     "int64",
	ValueDouble:    "double",
	ValueBlob:      "blob",
	ValueTimestamp: "timestamp",
}

func (t ValueType) String() string {
	if name, ok := valueTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ValueType(%d)", int8(t))
}

// ParseValueType returns the type for a name produced by String.
func ParseValueType(name string) (ValueType, error) {
	for t, n := range valueTypeNames {
		if n == name {
			return t, nil
		}
	}
	return ValueNull, fmt.Errorf("types: unknown value type %q", name)
}

// IsColumnType reports whether t may be used as a column type.
func (t ValueType) IsColumnType() bool {
	return t == ValueInt64 || t == ValueDouble || t == ValueBlob || t == ValueTimestamp
}

// Timespec is a point in time with nanosecond precision.
type Timespec struct {
	Sec  int64 `json:"sec"`
	Nsec int64 `json:"nsec"`
}

// NewTimespec normalizes sec/nsec so that 0 <= Nsec < 1e9.
func NewTimespec(sec, nsec int64) Timespec {
	sec += nsec / int64(time.Second)
	nsec %= int64(time.Second)
	if nsec < 0 {
		nsec += int64(time.Second)
		sec--
	}
	return Timespec{Sec: sec, Nsec: nsec}
}

// TimespecFromTime converts a time.Time.
func TimespecFromTime(t time.Time) Timespec {
	return Timespec{Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
}

// TimespecFromMillis builds a Timespec from milliseconds since the epoch.
func TimespecFromMillis(ms int64) Timespec {
	return NewTimespec(ms/1000, (ms%1000)*int64(time.Millisecond))
}

// Time returns the timespec as a UTC time.Time.
func (ts Timespec) Time() time.Time {
	return time.Unix(ts.Sec, ts.Nsec).UTC()
}

// EpochMillis truncates the timespec to milliseconds since the epoch.
func (ts Timespec) EpochMillis() int64 {
	return ts.Sec*1000 + ts.Nsec/int64(time.Millisecond)
}

// UnixNano returns nanoseconds since the epoch.
func (ts Timespec) UnixNano() int64 {
	return ts.Sec*int64(time.Second) + ts.Nsec
}

// PlusSeconds returns ts shifted by n seconds.
func (ts Timespec) PlusSeconds(n int64) Timespec {
	return Timespec{Sec: ts.Sec + n, Nsec: ts.Nsec}
}

// Compare returns -1, 0 or 1.
func (ts Timespec) Compare(other Timespec) int {
	switch {
	case ts.Sec < other.Sec:
		return -1
	case ts.Sec > other.Sec:
		return 1
	case ts.Nsec < other.Nsec:
		return -1
	case ts.Nsec > other.Nsec:
		return 1
	}
	return 0
}

// Before reports whether ts is strictly earlier than other.
func (ts Timespec) Before(other Timespec) bool {
	return ts.Compare(other) < 0
}

func (ts Timespec) String() string {
	return ts.Time().Format(time.RFC3339Nano)
}

// Value is a single typed cell. Exactly one payload is meaningful, selected
// by the tag. Values are immutable once constructed.
type Value struct {
	typ ValueType
	i   int64
	d   float64
	b   []byte
	ts  Timespec
}

// NewNull returns the null value, valid for any column type.
func NewNull() Value {
	return Value{typ: ValueNull}
}

func NewInt64(v int64) Value {
	return Value{typ: ValueInt64, i: v}
}

func NewDouble(v float64) Value {
	return Value{typ: ValueDouble, d: v}
}

// NewBlob copies b so later changes by the caller are not observed.
func NewBlob(b []byte) Value {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Value{typ: ValueBlob, b: cp}
}

// NewSafeString stores the UTF-8 bytes of s as a blob.
func NewSafeString(s string) Value {
	return Value{typ: ValueBlob, b: []byte(s)}
}

func NewTimestamp(ts Timespec) Value {
	return Value{typ: ValueTimestamp, ts: ts}
}

// Type returns the active tag.
func (v Value) Type() ValueType {
	return v.typ
}

// IsNull reports whether the value is the null value.
func (v Value) IsNull() bool {
	return v.typ == ValueNull
}

// Int64 returns the integer payload. It panics if the tag is not ValueInt64.
func (v Value) Int64() int64 {
	v.mustBe(ValueInt64)
	return v.i
}

// Double returns the float payload. It panics if the tag is not ValueDouble.
func (v Value) Double() float64 {
	v.mustBe(ValueDouble)
	return v.d
}

// Blob returns a copy of the blob payload. It panics if the tag is not ValueBlob.
func (v Value) Blob() []byte {
	v.mustBe(ValueBlob)
	cp := make([]byte, len(v.b))
	copy(cp, v.b)
	return cp
}

// Timestamp returns the time payload. It panics if the tag is not ValueTimestamp.
func (v Value) Timestamp() Timespec {
	v.mustBe(ValueTimestamp)
	return v.ts
}

func (v Value) mustBe(t ValueType) {
	if v.typ != t {
		panic(fmt.Sprintf("types: value is %s, not %s", v.typ, t))
	}
}

// Equal compares tag and payload. NaN doubles compare equal to each other.
func (v Value) Equal(other Value) bool {
	if v.typ != other.typ {
		return false
	}
	switch v.typ {
	case ValueNull:
		return true
	case ValueInt64:
		return v.i == other.i
	case ValueDouble:
		if math.IsNaN(v.d) && math.IsNaN(other.d) {
			return true
		}
		return v.d == other.d
	case ValueBlob:
		return bytes.Equal(v.b, other.b)
	case ValueTimestamp:
		return v.ts == other.ts
	}
	return false
}

func (v Value) String() string {
	switch v.typ {
	case ValueInt64:
		return fmt.Sprintf("int64(%d)", v.i)
	case ValueDouble:
		return fmt.Sprintf("double(%g)", v.d)
	case ValueBlob:
		return fmt.Sprintf("blob(%d bytes)", len(v.b))
	case ValueTimestamp:
		return fmt.Sprintf("timestamp(%s)", v.ts)
	}
	return "null"
}
