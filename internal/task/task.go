// Package task runs one sink task: it maps topics to tables, owns the write
// session and delivers record batches to it.
package task

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/UltimateTournament/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/arkilian/sink/internal/config"
	"github.com/arkilian/sink/internal/engine"
	serrors "github.com/arkilian/sink/internal/errors"
	"github.com/arkilian/sink/internal/journal"
	"github.com/arkilian/sink/internal/logging"
	"github.com/arkilian/sink/internal/observability"
	"github.com/arkilian/sink/internal/resolver"
	"github.com/arkilian/sink/internal/session"
	"github.com/arkilian/sink/internal/storage"
	"github.com/arkilian/sink/internal/writer"
	"github.com/arkilian/sink/pkg/record"
	"github.com/arkilian/sink/pkg/types"
)

// Version of the sink.
const Version = "1.0.0"

// Option configures a Task.
type Option func(*Task)

// WithEngine makes the task use eng instead of opening the cluster URI.
// The task does not close an engine it did not open.
func WithEngine(eng engine.Engine) Option {
	return func(t *Task) { t.engine = eng }
}

// WithArchive sets the object storage replayed journal segments are
// archived to, overriding the archive configuration.
func WithArchive(store storage.ObjectStorage) Option {
	return func(t *Task) { t.archiveStore = store }
}

// Task is one sink task.
type Task struct {
	cfg *config.Config
	log zerolog.Logger

	mu           sync.Mutex
	started      bool
	stopped      bool
	engine       engine.Engine
	ownsEngine   bool
	archiveStore storage.ObjectStorage
	archiver     *storage.Archiver
	journal      *journal.Journal
	session      *session.Session
	writer       *writer.RowWriter
	topics       map[string]types.TableInfo
	offsets      map[record.TopicPartition]int64
	stats        *observability.WriteStats
	cancelLoop   context.CancelFunc
}

// New creates a task for cfg. cfg should already be resolved and validated.
func New(cfg *config.Config, opts ...Option) *Task {
	t := &Task{
		cfg:     cfg,
		log:     logging.Component("task"),
		offsets: make(map[record.TopicPartition]int64),
		stats:   observability.NewWriteStats(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Version returns the sink version.
func (t *Task) Version() string {
	return Version
}

// Start resolves every mapped table, opens the write session, replays the
// lost-row journal and starts the auto-flush loop. A task starts once.
// Everything acquired is released again when Start fails.
func (t *Task) Start(ctx context.Context) (err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return serrors.NewInternalError("task already started", nil)
	}

	mapping, err := config.ParseTables(t.cfg.Tables)
	if err != nil {
		return serrors.NewConfigError(serrors.CodeInvalidConfig, "invalid table mapping", err)
	}
	res, err := resolver.FromConfig(t.cfg.Timestamp)
	if err != nil {
		return serrors.NewConfigError(serrors.CodeInvalidConfig, "invalid timestamp resolver", err)
	}

	defer func() {
		if err != nil {
			t.releaseLocked(ctx)
		}
	}()

	if t.engine == nil {
		eng, err := engine.Open(ctx, t.cfg.ClusterURI)
		if err != nil {
			return serrors.NewConfigError(serrors.CodeInvalidConfig, "cannot open storage engine", err)
		}
		t.engine = eng
		t.ownsEngine = true
	}

	if t.archiveStore == nil {
		store, err := storage.FromConfig(ctx, t.cfg.Archive)
		if err != nil {
			return serrors.NewConfigError(serrors.CodeInvalidConfig, "cannot open archive", err)
		}
		t.archiveStore = store
	}
	if t.archiveStore != nil {
		prefix := t.cfg.Archive.S3.Prefix
		if prefix == "" {
			prefix = "journal"
		}
		t.archiver = storage.NewArchiver(t.archiveStore, prefix)
	}

	if t.cfg.Journal.Dir != "" {
		j, err := journal.Open(t.cfg.Journal.Dir, t.cfg.Journal.MaxSegmentSize)
		if err != nil {
			return err
		}
		t.journal = j
	}

	tables := uniqueTables(mapping)
	s, err := session.Open(ctx, t.engine, tables, session.Options{
		FlushSize:     t.cfg.Writer.FlushSize,
		FlushInterval: t.cfg.Writer.FlushInterval,
		Journal:       t.journal,
	})
	if err != nil {
		return err
	}
	t.session = s

	t.topics = make(map[string]types.TableInfo, len(mapping))
	for topic, table := range mapping {
		info, err := s.TableInfo(table)
		if err != nil {
			return err
		}
		t.topics[topic] = info
	}
	t.writer = writer.New(res)

	if err := t.recoverLocked(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t.cancelLoop = cancel
	go s.Run(loopCtx)

	t.started = true
	t.log.Info().
		Str("session", s.ID()).
		Strs("tables", tables).
		Str("cluster_uri", t.cfg.ClusterURI).
		Msg("task started")
	return nil
}

func uniqueTables(mapping map[string]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, table := range mapping {
		if !seen[table] {
			seen[table] = true
			out = append(out, table)
		}
	}
	sort.Strings(out)
	return out
}

// recoverLocked restores archived segments when asked to and replays the
// journal. Replayed segments are archived before they are deleted.
func (t *Task) recoverLocked(ctx context.Context) error {
	if t.journal == nil {
		return nil
	}

	if t.cfg.Archive.Restore && t.archiver != nil {
		staging := filepath.Join(t.journal.Dir(), "restore")
		restored, err := t.archiver.Restore(ctx, staging, 4)
		if err != nil {
			return fmt.Errorf("task: failed to restore archived journal: %w", err)
		}
		for _, p := range restored {
			if err := t.journal.Import(p); err != nil {
				return err
			}
		}
		if len(restored) > 0 {
			t.log.Info().Int("segments", len(restored)).Msg("restored archived journal segments")
		}
	}

	var done journal.DoneFunc
	if t.archiver != nil {
		done = func(ctx context.Context, path string) error {
			objectPath, err := t.archiver.Archive(ctx, path)
			if err != nil {
				return err
			}
			t.log.Debug().Str("segment", filepath.Base(path)).Str("object", objectPath).Msg("archived journal segment")
			return nil
		}
	}

	if _, err := t.journal.Replay(ctx, t.applyJournal, done); err != nil {
		// The failed segment stays in the journal; its rows must not be
		// journaled a second time when the session closes.
		if n := t.session.DiscardPending(); n > 0 {
			t.log.Warn().Int("rows", n).Msg("dropped rows of an unfinished replay")
		}
		return err
	}
	return nil
}

// applyJournal re-appends journaled rows. Rows of tables in the session go
// through it; rows of tables no longer mapped are inserted directly.
func (t *Task) applyJournal(ctx context.Context, entries []*journal.Entry) error {
	direct := make(map[string][]types.Row)
	var order []string

	for _, e := range entries {
		info, err := t.session.TableInfo(e.Table)
		if err != nil {
			if _, ok := direct[e.Table]; !ok {
				order = append(order, e.Table)
			}
			direct[e.Table] = append(direct[e.Table], e.Row())
			continue
		}
		if err := t.session.Append(ctx, info.Offset, e.Source, e.Timestamp, e.Values); err != nil {
			return err
		}
	}
	if err := t.session.Flush(ctx); err != nil {
		return err
	}

	for _, name := range order {
		table, err := t.engine.Table(ctx, name)
		if err != nil {
			return err
		}
		rows := direct[name]
		if n, err := t.engine.Insert(ctx, table, rows); err != nil {
			return fmt.Errorf("task: replayed %d of %d rows into %s: %w", n, len(rows), name, err)
		}
	}
	return nil
}

// Put converts and appends records in order. It stops at the first record
// that fails; records before it stay appended.
func (t *Task) Put(ctx context.Context, records []*record.SinkRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.runningLocked(); err != nil {
		return err
	}

	for i, rec := range records {
		info, ok := t.topics[rec.Topic]
		if !ok {
			return serrors.NewConfigError(serrors.CodeUnknownTopic,
				fmt.Sprintf("record %s: topic %q is not mapped to a table", rec.ID(), rec.Topic), nil).
				WithDetails(map[string]interface{}{"topic": rec.Topic, "index": i})
		}
		if err := t.writer.Write(ctx, t.session, info, rec); err != nil {
			t.stats.RecordFailure(info.Table.Name, serrors.GetCode(err))
			return err
		}
		t.stats.RecordAppend(info.Table.Name)
		tp := rec.ID().TopicPartition()
		if off, ok := t.offsets[tp]; !ok || rec.Offset > off {
			t.offsets[tp] = rec.Offset
		}
	}
	return nil
}

// Flush makes every appended record durable, retrying retryable failures
// with exponential backoff up to the configured number of retries. It
// returns, per topic partition, the next offset to consume: everything
// below it is stored. A table that fails keeps its rows from the failing
// one on; the caller either flushes again or drops them with Discard.
func (t *Task) Flush(ctx context.Context) (map[record.TopicPartition]int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.runningLocked(); err != nil {
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(t.cfg.Writer.MaxRetries)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := t.session.Flush(ctx)
		if err == nil {
			return nil
		}
		if !serrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		t.log.Warn().Err(err).Int("attempt", attempt).Msg("flush failed, retrying")
		return err
	}, policy)
	if err != nil {
		failures := session.Failures(err)
		for _, fe := range failures {
			t.stats.RecordFailure(fe.Table, serrors.GetCode(err))
		}
		if len(failures) == 0 {
			if table, ok := serrors.GetDetails(err)["table"].(string); ok {
				t.stats.RecordFailure(table, serrors.GetCode(err))
			}
		}
		return nil, err
	}

	committable := make(map[record.TopicPartition]int64, len(t.offsets))
	for tp, off := range t.offsets {
		committable[tp] = off + 1
	}
	return committable, nil
}

// Discard drops the buffered rows of the table topic is written to, which
// after a failed Flush are the rows from its failing one on. Topics sharing
// that table lose their buffered rows too. Offsets of dropped records are
// committed by the next successful Flush.
func (t *Task) Discard(topic string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.runningLocked(); err != nil {
		return 0, err
	}
	info, ok := t.topics[topic]
	if !ok {
		return 0, serrors.NewConfigError(serrors.CodeUnknownTopic,
			fmt.Sprintf("topic %q is not mapped to a table", topic), nil)
	}
	n, err := t.session.DiscardTable(info.Table.Name)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		t.stats.RecordDiscard(info.Table.Name, n)
		t.log.Warn().Str("topic", topic).Str("table", info.Table.Name).Int("rows", n).Msg("discarded buffered rows")
	}
	return n, nil
}

// Table returns the table a topic is written to.
func (t *Task) Table(topic string) (types.TableInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.runningLocked(); err != nil {
		return types.TableInfo{}, err
	}
	info, ok := t.topics[topic]
	if !ok {
		return types.TableInfo{}, serrors.NewConfigError(serrors.CodeUnknownTopic,
			fmt.Sprintf("topic %q is not mapped to a table", topic), nil)
	}
	return info, nil
}

// Topics lists the mapped topics in order.
func (t *Task) Topics() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.topics))
	for topic := range t.topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// Stats returns the per-table write counters.
func (t *Task) Stats() []observability.TableStats {
	return t.stats.Snapshot()
}

// Running reports whether the task is started and not stopped.
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started && !t.stopped
}

// Pending returns the number of rows buffered in the session.
func (t *Task) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return 0
	}
	return t.session.Pending()
}

func (t *Task) runningLocked() error {
	if !t.started {
		return serrors.NewInternalError("task is not started", nil)
	}
	if t.stopped {
		return serrors.NewInternalError("task is stopped", nil)
	}
	return nil
}

// Stop closes the session, flushing what it can, then the journal and the
// engine. Stopping twice is a no-op.
func (t *Task) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started || t.stopped {
		return nil
	}
	t.stopped = true
	err := t.releaseLocked(ctx)
	if err != nil {
		t.log.Error().Err(err).Msg("task stopped with errors")
	} else {
		t.log.Info().Msg("task stopped")
	}
	return err
}

func (t *Task) releaseLocked(ctx context.Context) error {
	var errs []error
	if t.cancelLoop != nil {
		t.cancelLoop()
		t.cancelLoop = nil
	}
	if t.session != nil {
		if err := t.session.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		t.session = nil
	}
	if t.journal != nil {
		if err := t.journal.Close(); err != nil {
			errs = append(errs, err)
		}
		t.journal = nil
	}
	if t.engine != nil && t.ownsEngine {
		if err := t.engine.Close(); err != nil {
			errs = append(errs, err)
		}
		t.engine = nil
		t.ownsEngine = false
	}
	return errors.Join(errs...)
}
