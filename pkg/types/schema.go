package types

import (
	"encoding/binary"
	"fmt"

	"github.com/spaolacci/murmur3"
)

// Column defines a single typed column of a table.
type Column struct {
	// Name is unique within its table
	Name string `json:"name"`

	// Type is one of ValueInt64, ValueDouble, ValueBlob, ValueTimestamp
	Type ValueType `json:"type"`
}

// Table is the ordered column layout of a time-indexed table. The row
// timestamp is implicit and not part of Columns.
type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// NewTable validates the layout and returns a table.
func NewTable(name string, columns []Column) (*Table, error) {
	if name == "" {
		return nil, fmt.Errorf("types: table name is required")
	}
	seen := make(map[string]struct{}, len(columns))
	for i, c := range columns {
		if c.Name == "" {
			return nil, fmt.Errorf("types: table %s: column %d has no name", name, i)
		}
		if !c.Type.IsColumnType() {
			return nil, fmt.Errorf("types: table %s: column %s has invalid type %s", name, c.Name, c.Type)
		}
		if _, dup := seen[c.Name]; dup {
			return nil, fmt.Errorf("types: table %s: duplicate column %s", name, c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	cols := make([]Column, len(columns))
	copy(cols, columns)
	return &Table{Name: name, Columns: cols}, nil
}

// ColumnIndex returns the position of the named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Fingerprint hashes the ordered layout. Two tables with the same column
// names and types in the same order share a fingerprint.
func (t *Table) Fingerprint() uint64 {
	h := murmur3.New64()
	var buf [2]byte
	for _, c := range t.Columns {
		h.Write([]byte(c.Name))
		buf[0] = 0
		buf[1] = byte(c.Type)
		h.Write(buf[:])
	}
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(t.Columns)))
	h.Write(n[:])
	return h.Sum64()
}

// Conforms checks that values match the layout positionally: same arity and
// each non-null value carries its column's type.
func (t *Table) Conforms(values []Value) error {
	if len(values) != len(t.Columns) {
		return fmt.Errorf("table %s expects %d values, got %d", t.Name, len(t.Columns), len(values))
	}
	for i, v := range values {
		if v.IsNull() {
			continue
		}
		if v.Type() != t.Columns[i].Type {
			return fmt.Errorf("table %s column %s expects %s, got %s", t.Name, t.Columns[i].Name, t.Columns[i].Type, v.Type())
		}
	}
	return nil
}

// TableInfo pairs a table with the offset of its append stream inside a
// write session. It is resolved once at start and reused for every record.
type TableInfo struct {
	Table  *Table
	Offset int
}
