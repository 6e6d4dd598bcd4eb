package journal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/sink/pkg/record"
	"github.com/arkilian/sink/pkg/types"
)

func testEntry(i int) *Entry {
	return &Entry{
		Table:     "events",
		Source:    record.RecordID{Topic: "events", Partition: 0, Offset: int64(i)},
		Timestamp: types.TimespecFromMillis(1700000000000 + int64(i)),
		Values: []types.Value{
			types.NewInt64(int64(i)),
			types.NewDouble(float64(i) / 2),
			types.NewSafeString(fmt.Sprintf("row-%d", i)),
			types.NewNull(),
		},
		Reason: "shutdown",
	}
}

func TestJournal_AppendAndRead(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, 64*1024*1024)
	require.NoError(t, err)
	defer j.Close()

	for i := 0; i < 3; i++ {
		seq, err := j.Append(testEntry(i))
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), seq)
	}

	entries, err := ReadSegment(filepath.Join(dir, "journal_0000000000000000.log"))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		want := testEntry(i)
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.Equal(t, want.Source, e.Source)
		assert.Equal(t, want.Timestamp, e.Timestamp)
		require.Len(t, e.Values, len(want.Values))
		for k := range want.Values {
			assert.True(t, want.Values[k].Equal(e.Values[k]), "entry %d value %d", i, k)
		}
		assert.Equal(t, want.Timestamp, e.Row().Timestamp)
	}
}

func TestJournal_SegmentRotation(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, 1024)
	require.NoError(t, err)
	defer j.Close()

	for i := 0; i < 50; i++ {
		_, err := j.Append(testEntry(i))
		require.NoError(t, err)
	}

	sealed, err := j.Sealed()
	require.NoError(t, err)
	assert.NotEmpty(t, sealed)

	var total int
	for _, p := range append(sealed, j.segmentPath(j.segmentID)) {
		entries, err := ReadSegment(p)
		require.NoError(t, err)
		total += len(entries)
	}
	assert.Equal(t, 50, total)
}

func TestJournal_ChecksumMismatchSkipsEntry(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, 64*1024*1024)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := j.Append(testEntry(i))
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())

	path := filepath.Join(dir, "journal_0000000000000000.log")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Corrupt the first payload byte of the first frame.
	data[frameHeader] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	entries, err := ReadSegment(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(2), entries[0].Seq)
}

func TestJournal_TruncatedTail(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, 64*1024*1024)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := j.Append(testEntry(i))
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())

	path := filepath.Join(dir, "journal_0000000000000000.log")
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	entries, err := ReadSegment(path)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestJournal_ConcurrentAppend(t *testing.T) {
	j, err := Open(t.TempDir(), 64*1024*1024)
	require.NoError(t, err)
	defer j.Close()

	var wg sync.WaitGroup
	seqs := make(chan uint64, 100)
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				seq, err := j.Append(testEntry(g*10 + i))
				assert.NoError(t, err)
				seqs <- seq
			}
		}(g)
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool)
	for s := range seqs {
		assert.False(t, seen[s], "duplicate seq %d", s)
		seen[s] = true
	}
	assert.Len(t, seen, 100)
}

func TestJournal_ReopenContinuesSequence(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, 64*1024*1024)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := j.Append(testEntry(i))
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())

	_, err = j.Append(testEntry(9))
	assert.True(t, errors.Is(err, ErrClosed))

	j, err = Open(dir, 64*1024*1024)
	require.NoError(t, err)
	defer j.Close()
	seq, err := j.Append(testEntry(5))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), seq)
}

func TestJournal_Replay(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	j, err := Open(dir, 1024)
	require.NoError(t, err)
	defer j.Close()

	for i := 0; i < 20; i++ {
		_, err := j.Append(testEntry(i))
		require.NoError(t, err)
	}

	var got []int64
	var archived []string
	n, err := j.Replay(ctx,
		func(_ context.Context, entries []*Entry) error {
			for _, e := range entries {
				got = append(got, e.Source.Offset)
			}
			return nil
		},
		func(_ context.Context, path string) error {
			archived = append(archived, filepath.Base(path))
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	require.Len(t, got, 20)
	for i, off := range got {
		assert.Equal(t, int64(i), off)
	}
	assert.NotEmpty(t, archived)

	sealed, err := j.Sealed()
	require.NoError(t, err)
	assert.Empty(t, sealed)
}

func TestJournal_ReplayStopsOnFailure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	j, err := Open(dir, 64*1024*1024)
	require.NoError(t, err)
	defer j.Close()

	_, err = j.Append(testEntry(0))
	require.NoError(t, err)

	boom := errors.New("engine down")
	n, err := j.Replay(ctx, func(context.Context, []*Entry) error { return boom }, nil)
	assert.Equal(t, 0, n)
	assert.True(t, errors.Is(err, boom))

	sealed, err := j.Sealed()
	require.NoError(t, err)
	assert.Len(t, sealed, 1)

	n, err = j.Replay(ctx, func(context.Context, []*Entry) error { return nil }, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestJournal_Import(t *testing.T) {
	ctx := context.Background()

	other, err := Open(t.TempDir(), 64*1024*1024)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := other.Append(testEntry(100 + i))
		require.NoError(t, err)
	}
	require.NoError(t, other.Close())
	foreign := other.segmentPath(0)

	j, err := Open(t.TempDir(), 64*1024*1024)
	require.NoError(t, err)
	defer j.Close()
	_, err = j.Append(testEntry(1))
	require.NoError(t, err)

	require.NoError(t, j.Import(foreign))
	_, err = j.Append(testEntry(2))
	require.NoError(t, err)

	var offsets []int64
	_, err = j.Replay(ctx, func(_ context.Context, entries []*Entry) error {
		for _, e := range entries {
			offsets = append(offsets, e.Source.Offset)
		}
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 100, 101, 102, 2}, offsets)
}
