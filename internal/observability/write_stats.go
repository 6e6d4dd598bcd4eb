// Package observability tracks per-table write activity of a sink task.
package observability

import (
	"sort"
	"sync"
	"time"
)

// WriteStats counts appended and rejected records per table.
type WriteStats struct {
	mu     sync.RWMutex
	tables map[string]*TableStats
	now    func() time.Time
}

// TableStats holds the counters of one table.
type TableStats struct {
	Table     string         `json:"table"`
	Appended  int64          `json:"appended"`
	Discarded int64          `json:"discarded,omitempty"`
	Failures  map[string]int `json:"failures,omitempty"` // error code → count
	LastSeen  time.Time      `json:"last_seen"`
}

// NewWriteStats creates an empty tracker.
func NewWriteStats() *WriteStats {
	return &WriteStats{
		tables: make(map[string]*TableStats),
		now:    time.Now,
	}
}

func (w *WriteStats) entry(table string) *TableStats {
	stats, exists := w.tables[table]
	if !exists {
		stats = &TableStats{
			Table:    table,
			Failures: make(map[string]int),
		}
		w.tables[table] = stats
	}
	stats.LastSeen = w.now()
	return stats
}

// RecordAppend counts one record appended to table.
func (w *WriteStats) RecordAppend(table string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entry(table).Appended++
}

// RecordFailure counts one failure with the given error code against table.
func (w *WriteStats) RecordFailure(table, code string) {
	if code == "" {
		code = "UNKNOWN"
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entry(table).Failures[code]++
}

// RecordDiscard counts n buffered rows of table dropped without being
// written.
func (w *WriteStats) RecordDiscard(table string, n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entry(table).Discarded += int64(n)
}

// Snapshot returns a copy of every table's counters, ordered by table name.
func (w *WriteStats) Snapshot() []TableStats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]TableStats, 0, len(w.tables))
	for _, s := range w.tables {
		cp := *s
		cp.Failures = make(map[string]int, len(s.Failures))
		for code, n := range s.Failures {
			cp.Failures[code] = n
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Table < out[j].Table
	})
	return out
}

// Prune drops tables not seen within window.
func (w *WriteStats) Prune(window time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	threshold := w.now().Add(-window)
	for table, stats := range w.tables {
		if stats.LastSeen.Before(threshold) {
			delete(w.tables, table)
		}
	}
}
