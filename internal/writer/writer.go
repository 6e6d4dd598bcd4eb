// Package writer turns one external record into one appended row.
package writer

import (
	"context"
	"fmt"

	"github.com/arkilian/sink/internal/convert"
	serrors "github.com/arkilian/sink/internal/errors"
	"github.com/arkilian/sink/internal/resolver"
	"github.com/arkilian/sink/pkg/record"
	"github.com/arkilian/sink/pkg/types"
)

// Appender is the write session a RowWriter appends to.
type Appender interface {
	Append(ctx context.Context, offset int, source record.RecordID, ts types.Timespec, values []types.Value) error
}

// RowWriter converts, timestamps and appends records.
type RowWriter struct {
	resolver resolver.Resolver
}

// New creates a RowWriter using r for event times.
func New(r resolver.Resolver) *RowWriter {
	return &RowWriter{resolver: r}
}

// Write appends rec to the table described by info. Conversion and timestamp
// errors are returned as they are and nothing is appended. Append errors are
// wrapped in a write failure naming the record, unless the appender already
// returned a write failure.
func (w *RowWriter) Write(ctx context.Context, app Appender, info types.TableInfo, rec *record.SinkRecord) error {
	values, err := convert.Convert(info.Table.Columns, rec)
	if err != nil {
		return err
	}

	ts, err := w.resolver.Resolve(rec)
	if err != nil {
		return err
	}

	id := rec.ID()
	if err := app.Append(ctx, info.Offset, id, ts, values); err != nil {
		if serrors.GetCategory(err) == serrors.ErrCategoryWrite {
			return err
		}
		return serrors.NewWriteError(serrors.CodeWriteFailed,
			fmt.Sprintf("record %s: append to %s failed", id, info.Table.Name), err).
			WithDetails(map[string]interface{}{
				"topic":     id.Topic,
				"partition": id.Partition,
				"offset":    id.Offset,
				"table":     info.Table.Name,
			})
	}
	return nil
}
