package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/arkilian/sink/pkg/types"
)

// timestampColumn holds the row timestamp in nanoseconds since the epoch.
const timestampColumn = "$timestamp"

// SQLiteEngine stores every table as a SQLite table in a single database
// file. Table layouts are kept in a registry table so they survive restarts.
type SQLiteEngine struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteEngine, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("engine: failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: failed to set journal mode: %w", err)
	}

	registrySQL := `
		CREATE TABLE IF NOT EXISTS _sink_tables (
			name TEXT PRIMARY KEY,
			columns TEXT NOT NULL,
			fingerprint INTEGER NOT NULL
		)
	`
	if _, err := db.ExecContext(ctx, registrySQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: failed to create table registry: %w", err)
	}

	return &SQLiteEngine{db: db, path: path}, nil
}

// CreateTable implements Engine.
func (e *SQLiteEngine) CreateTable(ctx context.Context, name string, columns []types.Column) (*types.Table, error) {
	t, err := types.NewTable(name, columns)
	if err != nil {
		return nil, err
	}

	layout, err := json.Marshal(t.Columns)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to encode layout: %w", err)
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, "SELECT name FROM _sink_tables WHERE name = ?", name).Scan(&existing)
	if err == nil {
		return nil, fmt.Errorf("%w: %s", ErrTableExists, name)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("engine: failed to query registry: %w", err)
	}

	defs := []string{quoteIdent(timestampColumn) + " INTEGER NOT NULL"}
	for _, c := range t.Columns {
		defs = append(defs, quoteIdent(c.Name)+" "+sqliteType(c.Type))
	}
	createSQL := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(name), strings.Join(defs, ", "))
	if _, err := tx.ExecContext(ctx, createSQL); err != nil {
		return nil, fmt.Errorf("engine: failed to create table %s: %w", name, err)
	}

	indexSQL := fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
		quoteIdent("idx_"+name+"_timestamp"), quoteIdent(name), quoteIdent(timestampColumn))
	if _, err := tx.ExecContext(ctx, indexSQL); err != nil {
		return nil, fmt.Errorf("engine: failed to index table %s: %w", name, err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO _sink_tables (name, columns, fingerprint) VALUES (?, ?, ?)",
		name, string(layout), int64(t.Fingerprint())); err != nil {
		return nil, fmt.Errorf("engine: failed to register table %s: %w", name, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("engine: failed to commit table %s: %w", name, err)
	}
	return t, nil
}

// Table implements Engine.
func (e *SQLiteEngine) Table(ctx context.Context, name string) (*types.Table, error) {
	t, _, err := e.lookup(ctx, name)
	return t, err
}

func (e *SQLiteEngine) lookup(ctx context.Context, name string) (*types.Table, uint64, error) {
	var layout string
	var fingerprint int64
	err := e.db.QueryRowContext(ctx,
		"SELECT columns, fingerprint FROM _sink_tables WHERE name = ?", name).Scan(&layout, &fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("engine: failed to query registry: %w", err)
	}

	var columns []types.Column
	if err := json.Unmarshal([]byte(layout), &columns); err != nil {
		return nil, 0, fmt.Errorf("engine: corrupt layout for table %s: %w", name, err)
	}
	t, err := types.NewTable(name, columns)
	if err != nil {
		return nil, 0, fmt.Errorf("engine: corrupt layout for table %s: %w", name, err)
	}
	return t, uint64(fingerprint), nil
}

// Insert implements Engine. The batch is written in one transaction, so on
// failure no row of the batch is durable.
func (e *SQLiteEngine) Insert(ctx context.Context, table *types.Table, rows []types.Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	_, fingerprint, err := e.lookup(ctx, table.Name)
	if err != nil {
		return 0, err
	}
	if fingerprint != table.Fingerprint() {
		return 0, &RowError{Index: 0, Err: fmt.Errorf("%w: table %s changed since it was resolved", ErrSchemaMismatch, table.Name)}
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("engine: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	names := []string{quoteIdent(timestampColumn)}
	marks := []string{"?"}
	for _, c := range table.Columns {
		names = append(names, quoteIdent(c.Name))
		marks = append(marks, "?")
	}
	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table.Name), strings.Join(names, ", "), strings.Join(marks, ", "))

	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return 0, fmt.Errorf("engine: failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	args := make([]interface{}, len(table.Columns)+1)
	for i, row := range rows {
		if err := table.Conforms(row.Values); err != nil {
			return 0, &RowError{Index: i, Err: fmt.Errorf("%w: %v", ErrSchemaMismatch, err)}
		}
		args[0] = row.Timestamp.UnixNano()
		for j, v := range row.Values {
			args[j+1] = sqlArg(v)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, &RowError{Index: i, Err: classifyExec(err)}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, &RowError{Index: 0, Err: fmt.Errorf("commit: %w", err)}
	}
	return len(rows), nil
}

// classifyExec marks errors SQLite raises for the row's content as
// rejections.
func classifyExec(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrConstraint, sqlite3.ErrMismatch, sqlite3.ErrTooBig, sqlite3.ErrRange:
			return fmt.Errorf("%w: %v", ErrRejected, err)
		}
	}
	return err
}

// Rows reads a table back in insertion order.
func (e *SQLiteEngine) Rows(ctx context.Context, name string) ([]types.Row, error) {
	t, err := e.Table(ctx, name)
	if err != nil {
		return nil, err
	}

	names := []string{quoteIdent(timestampColumn)}
	for _, c := range t.Columns {
		names = append(names, quoteIdent(c.Name))
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY rowid", strings.Join(names, ", "), quoteIdent(name))
	rs, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to read table %s: %w", name, err)
	}
	defer rs.Close()

	var out []types.Row
	for rs.Next() {
		var ns int64
		cells := make([]interface{}, len(t.Columns))
		dest := []interface{}{&ns}
		for i := range cells {
			dest = append(dest, &cells[i])
		}
		if err := rs.Scan(dest...); err != nil {
			return nil, fmt.Errorf("engine: failed to scan row: %w", err)
		}
		values := make([]types.Value, len(t.Columns))
		for i, c := range t.Columns {
			values[i] = fromSQL(c.Type, cells[i])
		}
		out = append(out, types.NewRow(types.NewTimespec(0, ns), values))
	}
	return out, rs.Err()
}

// Close implements Engine.
func (e *SQLiteEngine) Close() error {
	return e.db.Close()
}

func sqliteType(t types.ValueType) string {
	switch t {
	case types.ValueInt64, types.ValueTimestamp:
		return "INTEGER"
	case types.ValueDouble:
		return "REAL"
	}
	return "BLOB"
}

func sqlArg(v types.Value) interface{} {
	switch v.Type() {
	case types.ValueInt64:
		return v.Int64()
	case types.ValueDouble:
		return v.Double()
	case types.ValueBlob:
		return v.Blob()
	case types.ValueTimestamp:
		return v.Timestamp().UnixNano()
	}
	return nil
}

func fromSQL(t types.ValueType, cell interface{}) types.Value {
	if cell == nil {
		return types.NewNull()
	}
	switch t {
	case types.ValueInt64:
		if i, ok := cell.(int64); ok {
			return types.NewInt64(i)
		}
	case types.ValueDouble:
		switch f := cell.(type) {
		case float64:
			return types.NewDouble(f)
		case int64:
			return types.NewDouble(float64(f))
		}
	case types.ValueBlob:
		switch b := cell.(type) {
		case []byte:
			return types.NewBlob(b)
		case string:
			return types.NewSafeString(b)
		}
	case types.ValueTimestamp:
		if ns, ok := cell.(int64); ok {
			return types.NewTimestamp(types.NewTimespec(0, ns))
		}
	}
	return types.NewNull()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
