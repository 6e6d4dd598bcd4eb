package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/sink/internal/testutil"
	"github.com/arkilian/sink/pkg/types"
)

var testColumns = []types.Column{
	{Name: "a", Type: types.ValueInt64},
	{Name: "b", Type: types.ValueDouble},
	{Name: "c", Type: types.ValueBlob},
}

func engines(t *testing.T) map[string]Engine {
	t.Helper()
	ctx := context.Background()
	lite, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "sink.db"))
	require.NoError(t, err)
	t.Cleanup(func() { lite.Close() })
	return map[string]Engine{
		"memory": NewMemoryEngine(),
		"sqlite": lite,
	}
}

func TestEngine_CreateAndLookup(t *testing.T) {
	ctx := context.Background()
	for name, e := range engines(t) {
		t.Run(name, func(t *testing.T) {
			created, err := e.CreateTable(ctx, "events", testColumns)
			require.NoError(t, err)

			got, err := e.Table(ctx, "events")
			require.NoError(t, err)
			assert.Equal(t, created.Columns, got.Columns)
			assert.Equal(t, created.Fingerprint(), got.Fingerprint())

			_, err = e.CreateTable(ctx, "events", testColumns)
			assert.True(t, errors.Is(err, ErrTableExists))

			_, err = e.Table(ctx, "missing")
			assert.True(t, errors.Is(err, ErrTableNotFound))
		})
	}
}

func TestEngine_InsertValidatesRows(t *testing.T) {
	ctx := context.Background()
	for name, e := range engines(t) {
		t.Run(name, func(t *testing.T) {
			table, err := e.CreateTable(ctx, "events", testColumns)
			require.NoError(t, err)

			ts := types.TimespecFromMillis(1000)
			good := types.NewRow(ts, []types.Value{types.NewInt64(1), types.NewDouble(1), types.NewSafeString("x")})
			bad := types.NewRow(ts, []types.Value{types.NewDouble(1), types.NewDouble(1), types.NewSafeString("x")})

			n, err := e.Insert(ctx, table, []types.Row{good, bad})
			require.Error(t, err)
			var rowErr *RowError
			require.True(t, errors.As(err, &rowErr))
			assert.Equal(t, 1, rowErr.Index)
			assert.True(t, errors.Is(err, ErrSchemaMismatch))
			assert.LessOrEqual(t, n, 1)
		})
	}
}

func TestEngine_InsertRejectsStaleTable(t *testing.T) {
	ctx := context.Background()
	for name, e := range engines(t) {
		t.Run(name, func(t *testing.T) {
			_, err := e.CreateTable(ctx, "events", testColumns)
			require.NoError(t, err)

			stale, err := types.NewTable("events", testColumns[:2])
			require.NoError(t, err)
			row := types.NewRow(types.TimespecFromMillis(1), []types.Value{types.NewInt64(1), types.NewDouble(2)})
			n, err := e.Insert(ctx, stale, []types.Row{row})
			assert.Equal(t, 0, n)
			assert.True(t, errors.Is(err, ErrSchemaMismatch))
		})
	}
}

func TestSQLiteEngine_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sink.db")
	e, err := OpenSQLite(ctx, path)
	require.NoError(t, err)

	cols := append(append([]types.Column{}, testColumns...), types.Column{Name: "d", Type: types.ValueTimestamp})
	table, err := e.CreateTable(ctx, "events", cols)
	require.NoError(t, err)

	ts := types.NewTimespec(1700000000, 123456789)
	rows := []types.Row{
		types.NewRow(ts, []types.Value{types.NewInt64(64), types.NewDouble(64.0), types.NewSafeString("hi, dave"), types.NewTimestamp(ts)}),
		types.NewRow(ts.PlusSeconds(1), []types.Value{types.NewNull(), types.NewDouble(-1.5), types.NewBlob([]byte{0, 1, 2}), types.NewNull()}),
	}
	n, err := e.Insert(ctx, table, rows)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, e.Close())

	reopened, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Rows(ctx, "events")
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i := range rows {
		assert.Equal(t, rows[i].Timestamp, got[i].Timestamp, "row %d", i)
		require.Len(t, got[i].Values, len(rows[i].Values))
		for j := range rows[i].Values {
			assert.True(t, rows[i].Values[j].Equal(got[i].Values[j]), "row %d col %d: %s != %s", i, j, rows[i].Values[j], got[i].Values[j])
		}
	}
}

func TestSQLiteEngine_FailedBatchIsNotDurable(t *testing.T) {
	ctx := context.Background()
	e, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "sink.db"))
	require.NoError(t, err)
	defer e.Close()

	table, err := e.CreateTable(ctx, "events", testColumns)
	require.NoError(t, err)

	rows := testutil.GenerateRows(rand.New(rand.NewSource(1)), testColumns, 5, time.Unix(1700000000, 0))
	rows[3].Values = rows[3].Values[:1]

	n, err := e.Insert(ctx, table, rows)
	require.Error(t, err)
	assert.Equal(t, 0, n)

	got, err := e.Rows(ctx, "events")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryEngine_RejectHook(t *testing.T) {
	ctx := context.Background()
	e := NewMemoryEngine()
	table, err := e.CreateTable(ctx, "events", testColumns)
	require.NoError(t, err)

	boom := errors.New("disk full")
	e.SetReject(func(_ string, index int, _ types.Row) error {
		if index == 2 {
			return boom
		}
		return nil
	})

	rows := testutil.GenerateRows(rand.New(rand.NewSource(2)), testColumns, 5, time.Unix(1700000000, 0))
	n, err := e.Insert(ctx, table, rows)
	assert.Equal(t, 2, n)
	assert.True(t, errors.Is(err, boom))
	assert.Len(t, e.Rows("events"), 2)

	e.SetReject(nil)
	n, err = e.Insert(ctx, table, rows[2:])
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, rows, e.Rows("events"))
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"schema mismatch", &RowError{Index: 1, Err: ErrSchemaMismatch}, true},
		{"rejected", &RowError{Index: 0, Err: fmt.Errorf("%w: bad value", ErrRejected)}, true},
		{"constraint", classifyExec(sqlite3.Error{Code: sqlite3.ErrConstraint}), true},
		{"busy", classifyExec(sqlite3.Error{Code: sqlite3.ErrBusy}), false},
		{"io", &RowError{Index: 2, Err: errors.New("disk full")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPermanent(tt.err))
		})
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	e, err := Open(ctx, "memory://")
	require.NoError(t, err)
	assert.IsType(t, &MemoryEngine{}, e)

	e, err = Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "x.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLiteEngine{}, e)
	require.NoError(t, e.Close())

	_, err = Open(ctx, "sqlite://")
	assert.Error(t, err)
	_, err = Open(ctx, "postgres://localhost")
	assert.Error(t, err)
}
