// Package engine is the storage collaborator of the sink: it owns the
// time-indexed tables and durably inserts batches of rows into them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/arkilian/sink/pkg/types"
)

// Common errors for engine operations.
var (
	ErrTableNotFound  = errors.New("table not found")
	ErrTableExists    = errors.New("table already exists")
	ErrSchemaMismatch = errors.New("schema mismatch")
	ErrRejected       = errors.New("row rejected")
	ErrClosed         = errors.New("engine closed")
)

// IsPermanent reports whether an insert failure is caused by the rows
// themselves. Inserting the same rows again fails the same way.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrSchemaMismatch) || errors.Is(err, ErrRejected)
}

// Engine stores rows in tables.
type Engine interface {
	// CreateTable registers a new table with the given layout.
	CreateTable(ctx context.Context, name string, columns []types.Column) (*types.Table, error)

	// Table returns the layout of an existing table, or ErrTableNotFound.
	Table(ctx context.Context, name string) (*types.Table, error)

	// Insert appends rows to table in order. It returns how many leading rows
	// are durable. When the error is non-nil the durable count is still
	// accurate and the error is usually a *RowError naming the failing row.
	Insert(ctx context.Context, table *types.Table, rows []types.Row) (int, error)

	// Close releases the engine's resources.
	Close() error
}

// RowError reports which row of an Insert batch failed.
type RowError struct {
	Index int
	Err   error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Index, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

// Open returns the engine for a cluster URI: sqlite://<path> or memory://.
func Open(ctx context.Context, uri string) (Engine, error) {
	switch {
	case uri == "memory://" || strings.HasPrefix(uri, "memory://"):
		return NewMemoryEngine(), nil
	case strings.HasPrefix(uri, "sqlite://"):
		path := strings.TrimPrefix(uri, "sqlite://")
		if path == "" {
			return nil, fmt.Errorf("engine: sqlite uri %q has no path", uri)
		}
		return OpenSQLite(ctx, path)
	}
	return nil, fmt.Errorf("engine: unsupported cluster uri %q", uri)
}
