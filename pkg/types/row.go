// Package types provides the value model and table layout shared by the
// sink's converter, writer and projector.
package types

// Row is one timestamped, positionally ordered set of values. Values[i]
// belongs to the table's Columns[i].
type Row struct {
	Timestamp Timespec `json:"timestamp"`
	Values    []Value  `json:"values"`
}

// NewRow builds a row. The values slice is not copied.
func NewRow(ts Timespec, values []Value) Row {
	return Row{Timestamp: ts, Values: values}
}
