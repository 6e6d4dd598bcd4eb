package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/sink/internal/engine"
	serrors "github.com/arkilian/sink/internal/errors"
	"github.com/arkilian/sink/internal/journal"
	"github.com/arkilian/sink/internal/testutil"
	"github.com/arkilian/sink/pkg/record"
	"github.com/arkilian/sink/pkg/types"
)

var columns = []types.Column{
	{Name: "a", Type: types.ValueInt64},
	{Name: "b", Type: types.ValueDouble},
	{Name: "c", Type: types.ValueBlob},
}

func setup(t *testing.T, opts Options, tables ...string) (*engine.MemoryEngine, *Session) {
	t.Helper()
	ctx := context.Background()
	eng := engine.NewMemoryEngine()
	for _, name := range tables {
		_, err := eng.CreateTable(ctx, name, columns)
		require.NoError(t, err)
	}
	s, err := Open(ctx, eng, tables, opts)
	require.NoError(t, err)
	return eng, s
}

func source(off int64) record.RecordID {
	return record.RecordID{Topic: "events", Partition: 0, Offset: off}
}

func appendRows(t *testing.T, s *Session, offset int, rows []types.Row) {
	t.Helper()
	for i, r := range rows {
		require.NoError(t, s.Append(context.Background(), offset, source(int64(i)), r.Timestamp, r.Values))
	}
}

func testRows(n int) []types.Row {
	return testutil.GenerateRows(rand.New(rand.NewSource(7)), columns, n, time.Unix(1700000000, 0))
}

func TestOpen_AssignsOffsets(t *testing.T) {
	_, s := setup(t, Options{}, "events", "metrics")

	off, err := s.Offset("metrics")
	require.NoError(t, err)
	assert.Equal(t, 1, off)

	info, err := s.TableInfo("events")
	require.NoError(t, err)
	assert.Equal(t, 0, info.Offset)
	assert.Equal(t, columns, info.Table.Columns)
	assert.Len(t, s.Tables(), 2)
	assert.NotEmpty(t, s.ID())

	_, err = s.Offset("missing")
	assert.True(t, errors.Is(err, serrors.ErrTableNotFound))
}

func TestOpen_UnknownTable(t *testing.T) {
	eng := engine.NewMemoryEngine()
	_, err := Open(context.Background(), eng, []string{"nope"}, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, serrors.ErrTableNotFound))
}

func TestAppend_Validation(t *testing.T) {
	_, s := setup(t, Options{}, "events")
	ctx := context.Background()
	ts := types.TimespecFromMillis(1)

	tests := []struct {
		name   string
		offset int
		values []types.Value
	}{
		{"short row", 0, []types.Value{types.NewInt64(1)}},
		{"wrong tag", 0, []types.Value{types.NewDouble(1), types.NewDouble(1), types.NewSafeString("x")}},
		{"bad offset", 3, []types.Value{types.NewInt64(1), types.NewDouble(1), types.NewSafeString("x")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Append(ctx, tt.offset, source(1), ts, tt.values)
			require.Error(t, err)
			assert.True(t, errors.Is(err, serrors.ErrWriteFailure))
			assert.False(t, serrors.IsRetryable(err))
		})
	}
	assert.Equal(t, 0, s.Pending())

	require.NoError(t, s.Append(ctx, 0, source(1), ts, []types.Value{types.NewNull(), types.NewNull(), types.NewNull()}))
	assert.Equal(t, 1, s.Pending())
}

func TestFlush_WritesInOrder(t *testing.T) {
	eng, s := setup(t, Options{}, "events", "metrics")
	rows := testRows(10)

	appendRows(t, s, 0, rows[:5])
	appendRows(t, s, 1, rows[5:])
	assert.Equal(t, 10, s.Pending())
	assert.Empty(t, eng.Rows("events"))

	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, rows[:5], eng.Rows("events"))
	assert.Equal(t, rows[5:], eng.Rows("metrics"))
}

func TestAppend_FlushSize(t *testing.T) {
	eng, s := setup(t, Options{FlushSize: 3}, "events")
	rows := testRows(4)

	appendRows(t, s, 0, rows[:2])
	assert.Empty(t, eng.Rows("events"))
	appendRows(t, s, 0, rows[2:3])
	assert.Len(t, eng.Rows("events"), 3)
	appendRows(t, s, 0, rows[3:])
	assert.Equal(t, 1, s.Pending())
}

func TestFlush_FailureOnThirdOfFive(t *testing.T) {
	eng, s := setup(t, Options{}, "events")
	rows := testRows(5)
	appendRows(t, s, 0, rows)

	boom := errors.New("disk full")
	eng.SetReject(func(_ string, index int, _ types.Row) error {
		if index == 2 {
			return boom
		}
		return nil
	})

	err := s.Flush(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, serrors.ErrFlushFailure))
	assert.False(t, errors.Is(err, serrors.ErrWriteFailure))
	assert.True(t, serrors.IsRetryable(err))
	assert.True(t, errors.Is(err, boom))

	var fe *FlushError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "events", fe.Table)
	assert.Equal(t, 2, fe.Position)
	assert.Equal(t, source(2), fe.Record)
	assert.Equal(t, 3, fe.Affected)
	assert.Equal(t, 2, fe.Durable)

	details := serrors.GetDetails(err)
	assert.Equal(t, 2, details["position"])

	assert.Equal(t, rows[:2], eng.Rows("events"))
	assert.Equal(t, 3, s.Pending())

	eng.SetReject(nil)
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, rows, eng.Rows("events"))
	assert.Equal(t, 0, s.Pending())
}

func TestDiscardPending(t *testing.T) {
	eng, s := setup(t, Options{}, "events")
	appendRows(t, s, 0, testRows(4))

	assert.Equal(t, 4, s.DiscardPending())
	assert.Equal(t, 0, s.Pending())
	require.NoError(t, s.Flush(context.Background()))
	assert.Empty(t, eng.Rows("events"))
}

func TestRun_AutoFlush(t *testing.T) {
	eng, s := setup(t, Options{FlushInterval: 5 * time.Millisecond}, "events")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	appendRows(t, s, 0, testRows(2))
	require.Eventually(t, func() bool { return len(eng.Rows("events")) == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close(context.Background()))
}

func TestRun_BackgroundFailureSurfaces(t *testing.T) {
	eng, s := setup(t, Options{FlushInterval: 5 * time.Millisecond}, "events")
	boom := errors.New("engine unavailable")
	eng.SetReject(func(string, int, types.Row) error { return boom })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	rows := testRows(2)
	appendRows(t, s, 0, rows[:1])
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.bgErr != nil
	}, 2*time.Second, 5*time.Millisecond)

	err := s.Append(context.Background(), 0, source(1), rows[1].Timestamp, rows[1].Values)
	assert.True(t, errors.Is(err, serrors.ErrFlushFailure))
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, 1, s.Pending())

	cancel()
	eng.SetReject(nil)
	require.NoError(t, s.Close(context.Background()))
	assert.Len(t, eng.Rows("events"), 1)
}

func TestClose_FlushesRemaining(t *testing.T) {
	eng, s := setup(t, Options{}, "events")
	rows := testRows(3)
	appendRows(t, s, 0, rows)

	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, rows, eng.Rows("events"))
	require.NoError(t, s.Close(context.Background()))

	err := s.Append(context.Background(), 0, source(9), rows[0].Timestamp, rows[0].Values)
	assert.True(t, errors.Is(err, serrors.ErrWriteFailure))
}

func TestClose_JournalsLostRows(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	j, err := journal.Open(dir, 1<<20)
	require.NoError(t, err)
	defer j.Close()

	eng, s := setup(t, Options{Journal: j}, "events")
	rows := testRows(5)
	appendRows(t, s, 0, rows)
	eng.SetReject(func(_ string, index int, _ types.Row) error {
		if index == 3 {
			return errors.New("disk full")
		}
		return nil
	})

	err = s.Close(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, serrors.ErrRowsLost))
	assert.Equal(t, 2, serrors.GetDetails(err)["journaled"])
	assert.Len(t, eng.Rows("events"), 3)

	var replayed []*journal.Entry
	n, err := j.Replay(context.Background(), func(_ context.Context, entries []*journal.Entry) error {
		replayed = append(replayed, entries...)
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, replayed, 2)
	assert.Equal(t, "events", replayed[0].Table)
	assert.Equal(t, source(3), replayed[0].Source)
	assert.Equal(t, rows[3].Timestamp, replayed[0].Timestamp)
}

func TestFlush_FailingTableDoesNotHoldBackOthers(t *testing.T) {
	eng, s := setup(t, Options{}, "clicks", "events")
	rows := testRows(3)
	appendRows(t, s, 0, rows[:1])
	appendRows(t, s, 1, rows[1:])

	eng.SetReject(func(table string, _ int, _ types.Row) error {
		if table == "clicks" {
			return fmt.Errorf("%w: bad click", engine.ErrRejected)
		}
		return nil
	})

	for i := 0; i < 2; i++ {
		err := s.Flush(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, serrors.ErrFlushFailure))
		assert.False(t, serrors.IsRetryable(err), "a rejected row fails the same way every time")
		assert.Equal(t, []string{"clicks"}, serrors.GetDetails(err)["tables"])
	}
	assert.Equal(t, rows[1:], eng.Rows("events"))
	assert.Equal(t, 1, s.Pending())

	n, err := s.DiscardTable("clicks")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, s.Pending())
	require.NoError(t, s.Flush(context.Background()))
	assert.Empty(t, eng.Rows("clicks"))

	_, err = s.DiscardTable("missing")
	assert.True(t, errors.Is(err, serrors.ErrTableNotFound))
}

func TestFlush_ReportsEveryFailedTable(t *testing.T) {
	eng, s := setup(t, Options{}, "clicks", "events", "metrics")
	rows := testRows(6)
	appendRows(t, s, 0, rows[:2])
	appendRows(t, s, 1, rows[2:4])
	appendRows(t, s, 2, rows[4:])

	busy := errors.New("disk busy")
	eng.SetReject(func(table string, index int, _ types.Row) error {
		switch {
		case table == "clicks" && index == 1:
			return fmt.Errorf("%w: bad click", engine.ErrRejected)
		case table == "metrics":
			return busy
		}
		return nil
	})

	err := s.Flush(context.Background())
	require.Error(t, err)
	assert.True(t, serrors.IsRetryable(err), "the busy table may succeed on retry")
	assert.True(t, errors.Is(err, busy))
	assert.True(t, errors.Is(err, engine.ErrRejected))

	failures := Failures(err)
	require.Len(t, failures, 2)
	assert.Equal(t, "clicks", failures[0].Table)
	assert.Equal(t, 1, failures[0].Position)
	assert.Equal(t, 1, failures[0].Affected)
	assert.Equal(t, "metrics", failures[1].Table)
	assert.Equal(t, 0, failures[1].Durable)
	assert.Equal(t, 2, failures[1].Affected)

	details := serrors.GetDetails(err)
	assert.Equal(t, "clicks", details["table"])
	assert.Equal(t, []string{"clicks", "metrics"}, details["tables"])

	assert.Equal(t, rows[:1], eng.Rows("clicks"))
	assert.Equal(t, rows[2:4], eng.Rows("events"))
	assert.Equal(t, 3, s.Pending())
	assert.Nil(t, Failures(errors.New("other")))
}

func TestAppend_FlushSizeFailureKeepsRow(t *testing.T) {
	eng, s := setup(t, Options{FlushSize: 2}, "events")
	rows := testRows(2)
	eng.SetReject(func(string, int, types.Row) error { return errors.New("offline") })

	appendRows(t, s, 0, rows)
	assert.Equal(t, 2, s.Pending())
	assert.Empty(t, eng.Rows("events"))

	err := s.Flush(context.Background())
	assert.True(t, errors.Is(err, serrors.ErrFlushFailure))
	assert.Equal(t, 2, s.Pending())

	eng.SetReject(nil)
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, rows, eng.Rows("events"))
}
