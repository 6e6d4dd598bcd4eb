package writer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/sink/internal/engine"
	serrors "github.com/arkilian/sink/internal/errors"
	"github.com/arkilian/sink/internal/resolver"
	"github.com/arkilian/sink/internal/session"
	"github.com/arkilian/sink/pkg/record"
	"github.com/arkilian/sink/pkg/types"
)

var abcColumns = []types.Column{
	{Name: "a", Type: types.ValueInt64},
	{Name: "b", Type: types.ValueDouble},
	{Name: "c", Type: types.ValueBlob},
}

var abcSchema = record.NewStructBuilder().
	Field("a", record.Int64Schema()).
	Field("b", record.Float64Schema()).
	Field("c", record.StringSchema()).
	MustBuild()

func abcRecord(t *testing.T, offset int64, a int64, b float64, c string) *record.SinkRecord {
	t.Helper()
	st, err := record.NewStruct(abcSchema)
	require.NoError(t, err)
	require.NoError(t, st.Put("a", a))
	require.NoError(t, st.Put("b", b))
	require.NoError(t, st.Put("c", c))
	return &record.SinkRecord{
		Topic:         "events",
		Partition:     1,
		Offset:        offset,
		ValueSchema:   abcSchema,
		Value:         st,
		Timestamp:     1700000000000 + offset,
		TimestampType: record.CreateTime,
	}
}

type appended struct {
	offset int
	source record.RecordID
	ts     types.Timespec
	values []types.Value
}

type recordingAppender struct {
	rows []appended
	err  error
}

func (a *recordingAppender) Append(_ context.Context, offset int, source record.RecordID, ts types.Timespec, values []types.Value) error {
	if a.err != nil {
		return a.err
	}
	a.rows = append(a.rows, appended{offset, source, ts, values})
	return nil
}

func abcInfo(t *testing.T) types.TableInfo {
	t.Helper()
	table, err := types.NewTable("events", abcColumns)
	require.NoError(t, err)
	return types.TableInfo{Table: table, Offset: 4}
}

func TestWrite_AppendsConvertedRow(t *testing.T) {
	app := &recordingAppender{}
	w := New(resolver.IngestionTime{})

	require.NoError(t, w.Write(context.Background(), app, abcInfo(t), abcRecord(t, 7, 64, 64.0, "hi, dave")))
	require.Len(t, app.rows, 1)

	got := app.rows[0]
	assert.Equal(t, 4, got.offset)
	assert.Equal(t, record.RecordID{Topic: "events", Partition: 1, Offset: 7}, got.source)
	assert.Equal(t, types.TimespecFromMillis(1700000000007), got.ts)
	assert.True(t, types.NewInt64(64).Equal(got.values[0]))
	assert.True(t, types.NewDouble(64.0).Equal(got.values[1]))
	assert.True(t, types.NewSafeString("hi, dave").Equal(got.values[2]))
}

func TestWrite_ConversionErrorPassesThrough(t *testing.T) {
	app := &recordingAppender{}
	w := New(resolver.IngestionTime{})

	rec := &record.SinkRecord{Topic: "events", ValueSchema: record.Int64Schema(), Value: int64(1), Timestamp: 1, TimestampType: record.CreateTime}
	err := w.Write(context.Background(), app, abcInfo(t), rec)
	assert.True(t, errors.Is(err, serrors.ErrUnsupportedRecordShape))
	assert.Empty(t, app.rows)
}

func TestWrite_ResolutionErrorPassesThrough(t *testing.T) {
	app := &recordingAppender{}
	w := New(resolver.FieldExtractor{Field: "when"})

	err := w.Write(context.Background(), app, abcInfo(t), abcRecord(t, 1, 1, 1, "x"))
	assert.True(t, errors.Is(err, serrors.ErrTimestampResolution))
	assert.Empty(t, app.rows)
}

func TestWrite_AppendErrorIsWrapped(t *testing.T) {
	boom := errors.New("stream gone")
	app := &recordingAppender{err: boom}
	w := New(resolver.IngestionTime{})

	err := w.Write(context.Background(), app, abcInfo(t), abcRecord(t, 3, 1, 1, "x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, serrors.ErrWriteFailure))
	assert.True(t, errors.Is(err, boom))
	details := serrors.GetDetails(err)
	assert.Equal(t, int64(3), details["offset"])
	assert.Equal(t, "events", details["table"])
}

func TestWrite_FailureOnThirdOfFiveThroughSession(t *testing.T) {
	ctx := context.Background()
	eng := engine.NewMemoryEngine()
	_, err := eng.CreateTable(ctx, "events", abcColumns)
	require.NoError(t, err)

	s, err := session.Open(ctx, eng, []string{"events"}, session.Options{FlushSize: 5})
	require.NoError(t, err)
	info, err := s.TableInfo("events")
	require.NoError(t, err)

	boom := errors.New("disk full")
	eng.SetReject(func(_ string, index int, _ types.Row) error {
		if index == 2 {
			return boom
		}
		return nil
	})

	w := New(resolver.IngestionTime{})
	for i := int64(0); i < 4; i++ {
		require.NoError(t, w.Write(ctx, s, info, abcRecord(t, i, i, float64(i), fmt.Sprint(i))))
	}
	err = w.Write(ctx, s, info, abcRecord(t, 4, 4, 4, "4"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, serrors.ErrFlushFailure))

	var fe *session.FlushError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 2, fe.Position)
	assert.Equal(t, int64(2), fe.Record.Offset)
	assert.Equal(t, 3, fe.Affected)
	assert.Len(t, eng.Rows("events"), 2)
}
