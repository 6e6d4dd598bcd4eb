package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/arkilian/sink/pkg/types"
)

// MemoryEngine keeps tables in memory. Each row is committed on its own,
// so a failed Insert leaves every row before the failing one durable.
type MemoryEngine struct {
	mu     sync.RWMutex
	tables map[string]*memTable
	closed bool
	reject func(table string, index int, row types.Row) error
}

type memTable struct {
	table *types.Table
	rows  []types.Row
}

// NewMemoryEngine creates an empty in-memory engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{tables: make(map[string]*memTable)}
}

// CreateTable implements Engine.
func (m *MemoryEngine) CreateTable(ctx context.Context, name string, columns []types.Column) (*types.Table, error) {
	t, err := types.NewTable(name, columns)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if _, ok := m.tables[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTableExists, name)
	}
	m.tables[name] = &memTable{table: t}
	return t, nil
}

// Table implements Engine.
func (m *MemoryEngine) Table(ctx context.Context, name string) (*types.Table, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	mt, ok := m.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	cp := *mt.table
	return &cp, nil
}

// Insert implements Engine.
func (m *MemoryEngine) Insert(ctx context.Context, table *types.Table, rows []types.Row) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	mt, ok := m.tables[table.Name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrTableNotFound, table.Name)
	}
	if mt.table.Fingerprint() != table.Fingerprint() {
		return 0, &RowError{Index: 0, Err: ErrSchemaMismatch}
	}

	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return i, &RowError{Index: i, Err: err}
		}
		if err := mt.table.Conforms(row.Values); err != nil {
			return i, &RowError{Index: i, Err: fmt.Errorf("%w: %v", ErrSchemaMismatch, err)}
		}
		if m.reject != nil {
			if err := m.reject(table.Name, i, row); err != nil {
				return i, &RowError{Index: i, Err: err}
			}
		}
		mt.rows = append(mt.rows, row)
	}
	return len(rows), nil
}

// SetReject installs a hook consulted before each row is committed. A
// non-nil result fails the insert at that row. nil removes the hook.
func (m *MemoryEngine) SetReject(fn func(table string, index int, row types.Row) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reject = fn
}

// Rows returns a copy of the rows stored in a table.
func (m *MemoryEngine) Rows(name string) []types.Row {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mt, ok := m.tables[name]
	if !ok {
		return nil
	}
	out := make([]types.Row, len(mt.rows))
	copy(out, mt.rows)
	return out
}

// Close implements Engine.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
