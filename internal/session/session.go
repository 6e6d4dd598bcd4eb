// Package session implements the write session the row writer appends to:
// one ordered append stream per table, buffered and flushed through the
// storage engine.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arkilian/sink/internal/engine"
	serrors "github.com/arkilian/sink/internal/errors"
	"github.com/arkilian/sink/internal/journal"
	"github.com/arkilian/sink/internal/logging"
	"github.com/arkilian/sink/pkg/record"
	"github.com/arkilian/sink/pkg/types"
)

// Options tunes buffering.
type Options struct {
	// FlushSize flushes once this many rows are buffered across all tables.
	// Zero disables size-triggered flushes.
	FlushSize int

	// FlushInterval is the Run loop period. Zero disables the loop.
	FlushInterval time.Duration

	// Journal receives rows that Close could not write. Optional.
	Journal *journal.Journal
}

// FlushError describes the first row of one table a flush could not make
// durable.
type FlushError struct {
	Table    string
	Position int
	Record   record.RecordID
	Affected int
	Durable  int
	Err      error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("table %s: row %d (record %s) not written, %d rows affected, %d durable: %v",
		e.Table, e.Position, e.Record, e.Affected, e.Durable, e.Err)
}

func (e *FlushError) Unwrap() error {
	return e.Err
}

type pendingRow struct {
	source record.RecordID
	row    types.Row
}

type stream struct {
	info    types.TableInfo
	pending []pendingRow
}

// Session owns the append streams of one task.
type Session struct {
	id     string
	engine engine.Engine
	opts   Options
	log    zerolog.Logger

	streams []*stream
	byName  map[string]int

	mu       sync.Mutex
	buffered int
	bgErr    error
	closed   bool
	stop     chan struct{}
	loopDone chan struct{}
}

// Open resolves every named table once and assigns it an append stream.
// Names may repeat; a repeated name shares the stream of its first use.
func Open(ctx context.Context, eng engine.Engine, tables []string, opts Options) (*Session, error) {
	s := &Session{
		id:     uuid.NewString(),
		engine: eng,
		opts:   opts,
		byName: make(map[string]int),
		stop:   make(chan struct{}),
	}
	s.log = logging.Component("session").With().Str("session", s.id).Logger()

	for _, name := range tables {
		if _, ok := s.byName[name]; ok {
			continue
		}
		t, err := eng.Table(ctx, name)
		if err != nil {
			if errors.Is(err, engine.ErrTableNotFound) {
				return nil, serrors.NewConfigError(serrors.CodeTableNotFound,
					fmt.Sprintf("table %q does not exist", name), err)
			}
			return nil, fmt.Errorf("session: failed to resolve table %q: %w", name, err)
		}
		offset := len(s.streams)
		s.streams = append(s.streams, &stream{info: types.TableInfo{Table: t, Offset: offset}})
		s.byName[name] = offset
	}

	s.log.Debug().Int("tables", len(s.streams)).Msg("opened session")
	return s, nil
}

// ID identifies the session in logs.
func (s *Session) ID() string {
	return s.id
}

// Offset returns the append stream offset of a table.
func (s *Session) Offset(name string) (int, error) {
	info, err := s.TableInfo(name)
	if err != nil {
		return 0, err
	}
	return info.Offset, nil
}

// TableInfo returns the cached layout and offset of a table.
func (s *Session) TableInfo(name string) (types.TableInfo, error) {
	i, ok := s.byName[name]
	if !ok {
		return types.TableInfo{}, serrors.NewConfigError(serrors.CodeTableNotFound,
			fmt.Sprintf("table %q is not part of this session", name), nil)
	}
	return s.streams[i].info, nil
}

// Tables lists the session's tables in offset order.
func (s *Session) Tables() []types.TableInfo {
	out := make([]types.TableInfo, len(s.streams))
	for i, st := range s.streams {
		out[i] = st.info
	}
	return out
}

// Append validates a row against the layout of the table at offset and
// buffers it. A pending background flush failure is returned instead, and
// the row is not buffered. Reaching FlushSize flushes; a failure of that
// flush is kept for the next Append or Flush, the row itself stays buffered.
func (s *Session) Append(ctx context.Context, offset int, source record.RecordID, ts types.Timespec, values []types.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return serrors.NewWriteError(serrors.CodeWriteFailed, "session is closed", nil)
	}
	if err := s.bgErr; err != nil {
		s.bgErr = nil
		return err
	}
	if offset < 0 || offset >= len(s.streams) {
		return serrors.NewWriteError(serrors.CodeWriteFailed,
			fmt.Sprintf("record %s: invalid table offset %d", source, offset), nil)
	}

	st := s.streams[offset]
	if err := st.info.Table.Conforms(values); err != nil {
		return serrors.NewWriteError(serrors.CodeWriteFailed,
			fmt.Sprintf("record %s: row does not match table %s", source, st.info.Table.Name), err)
	}

	st.pending = append(st.pending, pendingRow{source: source, row: types.NewRow(ts, values)})
	s.buffered++

	if s.opts.FlushSize > 0 && s.buffered >= s.opts.FlushSize {
		if err := s.flushLocked(ctx); err != nil {
			s.bgErr = err
		}
	}
	return nil
}

// Flush writes every buffered row. If a background flush failed since the
// last call, that failure is returned first and the rows stay buffered.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.bgErr; err != nil {
		s.bgErr = nil
		return err
	}
	return s.flushLocked(ctx)
}

// flushLocked inserts the pending rows of every stream. A table that fails
// keeps its rows from the failing one on and does not hold back the others.
func (s *Session) flushLocked(ctx context.Context) error {
	if s.buffered == 0 {
		return nil
	}
	start := time.Now()
	var written int
	var failures []*FlushError

	for _, st := range s.streams {
		if len(st.pending) == 0 {
			continue
		}

		rows := make([]types.Row, len(st.pending))
		for i, p := range st.pending {
			rows[i] = p.row
		}

		durable, err := s.engine.Insert(ctx, st.info.Table, rows)
		if durable > len(rows) {
			durable = len(rows)
		}
		if durable > 0 {
			st.pending = st.pending[durable:]
			s.buffered -= durable
			written += durable
		}
		if err != nil {
			fe := &FlushError{
				Table:    st.info.Table.Name,
				Position: durable,
				Affected: len(st.pending),
				Durable:  durable,
				Err:      err,
			}
			if len(st.pending) > 0 {
				fe.Record = st.pending[0].source
			}
			s.log.Error().Err(err).
				Str("table", fe.Table).
				Int("position", fe.Position).
				Str("record", fe.Record.String()).
				Int("affected", fe.Affected).
				Bool("permanent", engine.IsPermanent(err)).
				Msg("flush failed")
			failures = append(failures, fe)
			continue
		}
		st.pending = nil
	}

	s.log.Debug().Int("rows", written).Int("failed_tables", len(failures)).Dur("elapsed", time.Since(start)).Msg("flushed")
	if len(failures) == 0 {
		return nil
	}
	return flushFailure(failures)
}

// flushFailure reports the first failing row of every failed table. The
// error is retryable while at least one of them failed for a reason other
// than the row itself.
func flushFailure(failures []*FlushError) error {
	first := failures[0]
	tables := make([]string, len(failures))
	causes := make([]error, len(failures))
	retryable := false
	for i, fe := range failures {
		tables[i] = fe.Table
		causes[i] = fe
		if !engine.IsPermanent(fe.Err) {
			retryable = true
		}
	}

	msg := fmt.Sprintf("flush of table %s failed at row %d", first.Table, first.Position)
	if len(failures) > 1 {
		msg = fmt.Sprintf("flush of %d tables failed, first %s at row %d", len(failures), first.Table, first.Position)
	}
	se := serrors.NewWriteError(serrors.CodeFlushFailed, msg, errors.Join(causes...)).
		WithDetails(map[string]interface{}{
			"table":    first.Table,
			"position": first.Position,
			"record":   first.Record.String(),
			"affected": first.Affected,
			"durable":  first.Durable,
			"tables":   tables,
		})
	se.Retryable = retryable
	return se
}

// Failures returns the per-table flush failures carried by err, in stream
// order.
func Failures(err error) []*FlushError {
	var se *serrors.SinkError
	if !errors.As(err, &se) || se.Code != serrors.CodeFlushFailed {
		return nil
	}
	joined, ok := se.Cause.(interface{ Unwrap() []error })
	if !ok {
		return nil
	}
	var out []*FlushError
	for _, e := range joined.Unwrap() {
		var fe *FlushError
		if errors.As(e, &fe) {
			out = append(out, fe)
		}
	}
	return out
}

// Pending returns the number of buffered rows.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered
}

// DiscardPending drops every buffered row and returns how many were dropped.
func (s *Session) DiscardPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.buffered
	for _, st := range s.streams {
		st.pending = nil
	}
	s.buffered = 0
	if n > 0 {
		s.log.Warn().Int("rows", n).Msg("discarded pending rows")
	}
	return n
}

// DiscardTable drops the buffered rows of one table, which after a failed
// flush are the rows from the failing one on. It returns how many were
// dropped.
func (s *Session) DiscardTable(name string) (int, error) {
	i, ok := s.byName[name]
	if !ok {
		return 0, serrors.NewConfigError(serrors.CodeTableNotFound,
			fmt.Sprintf("table %q is not part of this session", name), nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.streams[i]
	n := len(st.pending)
	st.pending = nil
	s.buffered -= n
	if n > 0 {
		s.log.Warn().Str("table", name).Int("rows", n).Msg("discarded pending rows")
	}
	return n, nil
}

// Run flushes every FlushInterval until ctx is done or the session is
// closed. Failures are kept and returned by the next Append or Flush.
func (s *Session) Run(ctx context.Context) {
	if s.opts.FlushInterval <= 0 {
		return
	}

	s.mu.Lock()
	if s.closed || s.loopDone != nil {
		s.mu.Unlock()
		return
	}
	done := make(chan struct{})
	s.loopDone = done
	s.mu.Unlock()
	defer close(done)

	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			if !s.closed {
				if err := s.flushLocked(ctx); err != nil {
					s.bgErr = err
				}
			}
			s.mu.Unlock()
		}
	}
}

// Close stops the Run loop, waits for a flush in progress and flushes what
// remains. Rows that still cannot be written go to the journal, if any, and
// are reported with a RowsLost error.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stop)
	done := s.loopDone
	s.mu.Unlock()

	if done != nil {
		<-done
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	flushErr := s.flushLocked(ctx)
	if flushErr == nil {
		s.bgErr = nil
		s.log.Debug().Msg("closed session")
		return nil
	}

	lost := s.buffered
	journaled := s.journalLocked(flushErr)
	for _, st := range s.streams {
		st.pending = nil
	}
	s.buffered = 0

	s.log.Error().Err(flushErr).Int("rows", lost).Int("journaled", journaled).Msg("rows lost on close")
	return serrors.NewWriteError(serrors.CodeRowsLost,
		fmt.Sprintf("%d rows could not be written, %d saved to the journal", lost, journaled), flushErr).
		WithDetails(map[string]interface{}{
			"rows":      lost,
			"journaled": journaled,
		})
}

func (s *Session) journalLocked(cause error) int {
	if s.opts.Journal == nil {
		return 0
	}
	var n int
	for _, st := range s.streams {
		for _, p := range st.pending {
			entry := &journal.Entry{
				Table:     st.info.Table.Name,
				Source:    p.source,
				Timestamp: p.row.Timestamp,
				Values:    p.row.Values,
				Reason:    cause.Error(),
			}
			if _, err := s.opts.Journal.Append(entry); err != nil {
				s.log.Error().Err(err).Str("record", p.source.String()).Msg("failed to journal row")
				continue
			}
			n++
		}
	}
	return n
}
