package types

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_Accessors(t *testing.T) {
	assert.Equal(t, int64(64), NewInt64(64).Int64())
	assert.Equal(t, 64.0, NewDouble(64.0).Double())
	assert.Equal(t, []byte("hi, dave"), NewSafeString("hi, dave").Blob())
	ts := NewTimespec(1700000000, 5)
	assert.Equal(t, ts, NewTimestamp(ts).Timestamp())
	assert.True(t, NewNull().IsNull())
	assert.Equal(t, ValueNull, NewNull().Type())
}

func TestValue_WrongAccessorPanics(t *testing.T) {
	assert.Panics(t, func() { NewInt64(1).Double() })
	assert.Panics(t, func() { NewDouble(1).Int64() })
	assert.Panics(t, func() { NewNull().Blob() })
	assert.Panics(t, func() { NewSafeString("x").Timestamp() })
}

func TestValue_BlobIsImmutable(t *testing.T) {
	src := []byte{1, 2, 3}
	v := NewBlob(src)
	src[0] = 9
	assert.Equal(t, []byte{1, 2, 3}, v.Blob())

	out := v.Blob()
	out[1] = 9
	assert.Equal(t, []byte{1, 2, 3}, v.Blob())
}

func TestValue_Equal(t *testing.T) {
	assert.True(t, NewInt64(3).Equal(NewInt64(3)))
	assert.False(t, NewInt64(3).Equal(NewDouble(3)))
	assert.True(t, NewDouble(math.NaN()).Equal(NewDouble(math.NaN())))
	assert.True(t, NewBlob(nil).Equal(NewBlob([]byte{})))
	assert.True(t, NewNull().Equal(NewNull()))
}

func TestValue_JSONRoundTrip(t *testing.T) {
	values := []Value{
		NewNull(),
		NewInt64(math.MinInt64),
		NewDouble(math.Inf(-1)),
		NewDouble(0.1),
		NewBlob([]byte{0, 255, 7}),
		NewTimestamp(NewTimespec(1, 999999999)),
	}
	data, err := json.Marshal(values)
	require.NoError(t, err)

	var decoded []Value
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, len(values))
	for i := range values {
		assert.True(t, values[i].Equal(decoded[i]), "value %d: %s != %s", i, values[i], decoded[i])
	}
}

func TestTimespec_Normalize(t *testing.T) {
	assert.Equal(t, Timespec{Sec: 2, Nsec: 500}, NewTimespec(1, int64(time.Second)+500))
	assert.Equal(t, Timespec{Sec: -1, Nsec: 999999999}, NewTimespec(0, -1))
	assert.Equal(t, Timespec{Sec: -2, Nsec: 999000000}, TimespecFromMillis(-1001))
}

func TestTimespec_Millis(t *testing.T) {
	ts := TimespecFromMillis(1700000000123)
	assert.Equal(t, int64(1700000000), ts.Sec)
	assert.Equal(t, int64(123000000), ts.Nsec)
	assert.Equal(t, int64(1700000000123), ts.EpochMillis())
	assert.Equal(t, time.UnixMilli(1700000000123).UTC(), ts.Time())
	assert.True(t, ts.Before(ts.PlusSeconds(1)))
	assert.Equal(t, 0, ts.Compare(TimespecFromTime(ts.Time())))
}

func TestTable_Validation(t *testing.T) {
	_, err := NewTable("", nil)
	assert.Error(t, err)

	_, err = NewTable("t", []Column{{Name: "a", Type: ValueInt64}, {Name: "a", Type: ValueBlob}})
	assert.Error(t, err)

	_, err = NewTable("t", []Column{{Name: "a", Type: ValueNull}})
	assert.Error(t, err)

	tbl, err := NewTable("t", []Column{{Name: "a", Type: ValueInt64}, {Name: "b", Type: ValueDouble}})
	require.NoError(t, err)
	assert.Equal(t, 1, tbl.ColumnIndex("b"))
	assert.Equal(t, -1, tbl.ColumnIndex("z"))
}

func TestTable_Conforms(t *testing.T) {
	tbl, err := NewTable("t", []Column{{Name: "a", Type: ValueInt64}, {Name: "b", Type: ValueBlob}})
	require.NoError(t, err)

	assert.NoError(t, tbl.Conforms([]Value{NewInt64(1), NewSafeString("x")}))
	assert.NoError(t, tbl.Conforms([]Value{NewNull(), NewNull()}))
	assert.Error(t, tbl.Conforms([]Value{NewInt64(1)}))
	assert.Error(t, tbl.Conforms([]Value{NewDouble(1), NewSafeString("x")}))
}

func TestTable_Fingerprint(t *testing.T) {
	a, _ := NewTable("a", []Column{{Name: "x", Type: ValueInt64}, {Name: "y", Type: ValueDouble}})
	b, _ := NewTable("b", []Column{{Name: "x", Type: ValueInt64}, {Name: "y", Type: ValueDouble}})
	c, _ := NewTable("c", []Column{{Name: "y", Type: ValueDouble}, {Name: "x", Type: ValueInt64}})
	d, _ := NewTable("d", []Column{{Name: "x", Type: ValueInt64}, {Name: "y", Type: ValueBlob}})

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), d.Fingerprint())
}
