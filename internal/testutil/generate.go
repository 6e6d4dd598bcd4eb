// Package testutil generates tables, rows and records for tests across the
// sink's packages.
package testutil

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arkilian/sink/pkg/types"
)

// DefaultValueTypes are the column types every external shape can carry.
var DefaultValueTypes = []types.ValueType{types.ValueInt64, types.ValueDouble, types.ValueBlob}

// UniqueAlias returns prefix followed by a random identifier-safe suffix.
func UniqueAlias(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// GenerateColumns returns n uniquely named columns with types drawn from valueTypes.
func GenerateColumns(r *rand.Rand, n int, valueTypes ...types.ValueType) []types.Column {
	if len(valueTypes) == 0 {
		valueTypes = DefaultValueTypes
	}
	cols := make([]types.Column, n)
	for i := range cols {
		cols[i] = types.Column{
			Name: fmt.Sprintf("col%d_%s", i, UniqueAlias("")[:8]),
			Type: valueTypes[r.Intn(len(valueTypes))],
		}
	}
	return cols
}

// GenerateTable wraps GenerateColumns in a table with a unique name.
func GenerateTable(r *rand.Rand, n int, valueTypes ...types.ValueType) *types.Table {
	t, err := types.NewTable(UniqueAlias("tbl_"), GenerateColumns(r, n, valueTypes...))
	if err != nil {
		panic(err)
	}
	return t
}

// GenerateRows returns count rows for columns. Row i is stamped start plus
// i seconds at millisecond precision, so timestamps are unique and increasing.
func GenerateRows(r *rand.Rand, columns []types.Column, count int, start time.Time) []types.Row {
	base := types.TimespecFromMillis(start.UnixMilli())
	rows := make([]types.Row, count)
	for i := range rows {
		values := make([]types.Value, len(columns))
		for j, c := range columns {
			values[j] = RandomValue(r, c.Type)
		}
		rows[i] = types.NewRow(base.PlusSeconds(int64(i)), values)
	}
	return rows
}

// RandomValue returns a random non-null value of type t.
func RandomValue(r *rand.Rand, t types.ValueType) types.Value {
	switch t {
	case types.ValueInt64:
		return types.NewInt64(r.Int63() - r.Int63())
	case types.ValueDouble:
		return types.NewDouble(r.NormFloat64() * 1e6)
	case types.ValueBlob:
		b := make([]byte, 1+r.Intn(32))
		r.Read(b)
		return types.NewBlob(b)
	case types.ValueTimestamp:
		return types.NewTimestamp(types.TimespecFromMillis(r.Int63n(4102444800000)))
	}
	return types.NewNull()
}
