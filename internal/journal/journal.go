// Package journal persists rows the sink accepted but could not make durable
// before shutdown, so the next task start can replay them.
//
// Segments are append-only files of frames laid out as
// [length:4][crc32:4][payload:length], all little endian, where payload is a
// snappy-compressed JSON Entry.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/golang/snappy"

	"github.com/arkilian/sink/internal/logging"
	"github.com/arkilian/sink/pkg/record"
	"github.com/arkilian/sink/pkg/types"
)

const (
	segmentPrefix = "journal_"
	segmentSuffix = ".log"
	frameHeader   = 8
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("journal closed")

var logger = logging.Component("journal")

// Entry is one lost row.
type Entry struct {
	Seq       uint64          `json:"seq"`
	Table     string          `json:"table"`
	Source    record.RecordID `json:"source"`
	Timestamp types.Timespec  `json:"timestamp"`
	Values    []types.Value   `json:"values"`
	Reason    string          `json:"reason,omitempty"`
}

// Row rebuilds the stored row.
func (e *Entry) Row() types.Row {
	return types.NewRow(e.Timestamp, e.Values)
}

// Journal appends entries to rotating segment files in a directory.
type Journal struct {
	dir        string
	maxSegSize int64

	mu        sync.Mutex
	segment   *os.File
	segmentID uint64
	offset    int64
	seq       uint64
}

// Open opens the journal in dir, creating the directory if needed. Appends
// continue the newest existing segment.
func Open(dir string, maxSegSize int64) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("journal: failed to create directory: %w", err)
	}

	j := &Journal{
		dir:        dir,
		maxSegSize: maxSegSize,
	}

	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	if n := len(segments); n > 0 {
		j.segmentID, _ = parseSegmentID(filepath.Base(segments[n-1]))
	}
	for i := len(segments) - 1; i >= 0; i-- {
		entries, err := ReadSegment(segments[i])
		if err == nil && len(entries) > 0 {
			j.seq = entries[len(entries)-1].Seq
			break
		}
	}

	if err := j.openSegment(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) segmentPath(id uint64) string {
	return filepath.Join(j.dir, fmt.Sprintf("%s%016x%s", segmentPrefix, id, segmentSuffix))
}

func (j *Journal) openSegment() error {
	file, err := os.OpenFile(j.segmentPath(j.segmentID), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("journal: failed to open segment: %w", err)
	}
	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return fmt.Errorf("journal: failed to seek segment: %w", err)
	}
	j.segment = file
	j.offset = offset
	return nil
}

// Append writes entry durably and returns its sequence number.
func (j *Journal) Append(entry *Entry) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.segment == nil {
		return 0, ErrClosed
	}

	j.seq++
	entry.Seq = j.seq

	raw, err := json.Marshal(entry)
	if err != nil {
		j.seq--
		return 0, fmt.Errorf("journal: failed to encode entry: %w", err)
	}
	payload := snappy.Encode(nil, raw)

	frame := make([]byte, frameHeader+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload))
	copy(frame[frameHeader:], payload)

	if _, err := j.segment.Write(frame); err != nil {
		return 0, fmt.Errorf("journal: failed to write entry: %w", err)
	}
	if err := j.segment.Sync(); err != nil {
		return 0, fmt.Errorf("journal: failed to fsync: %w", err)
	}
	j.offset += int64(len(frame))

	if j.offset >= j.maxSegSize {
		if err := j.rotate(); err != nil {
			return 0, err
		}
	}
	return entry.Seq, nil
}

// Rotate seals the active segment and starts a new one. An empty active
// segment is reused.
func (j *Journal) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.segment == nil {
		return ErrClosed
	}
	if j.offset == 0 {
		return nil
	}
	return j.rotate()
}

func (j *Journal) rotate() error {
	if err := j.segment.Close(); err != nil {
		return fmt.Errorf("journal: failed to close segment: %w", err)
	}
	j.segmentID++
	return j.openSegment()
}

// Import moves a segment file written elsewhere into the journal as the
// newest sealed segment, so the next Replay picks it up.
func (j *Journal) Import(path string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.segment == nil {
		return ErrClosed
	}

	activeEmpty := j.offset == 0
	if err := j.segment.Close(); err != nil {
		return fmt.Errorf("journal: failed to close segment: %w", err)
	}
	if activeEmpty {
		os.Remove(j.segmentPath(j.segmentID))
	} else {
		j.segmentID++
	}

	if err := os.Rename(path, j.segmentPath(j.segmentID)); err != nil {
		j.openSegment()
		return fmt.Errorf("journal: failed to import %s: %w", filepath.Base(path), err)
	}
	j.segmentID++
	return j.openSegment()
}

// Sealed lists the segments no longer written to, oldest first.
func (j *Journal) Sealed() ([]string, error) {
	j.mu.Lock()
	active := j.segmentPath(j.segmentID)
	j.mu.Unlock()

	all, err := listSegments(j.dir)
	if err != nil {
		return nil, err
	}
	sealed := all[:0]
	for _, p := range all {
		if p != active {
			sealed = append(sealed, p)
		}
	}
	return sealed, nil
}

// Remove deletes a sealed segment.
func (j *Journal) Remove(path string) error {
	j.mu.Lock()
	active := j.segmentPath(j.segmentID)
	j.mu.Unlock()
	if path == active {
		return fmt.Errorf("journal: refusing to remove active segment %s", filepath.Base(path))
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("journal: failed to remove segment: %w", err)
	}
	return nil
}

// Dir returns the journal directory.
func (j *Journal) Dir() string {
	return j.dir
}

// Close fsyncs and closes the active segment.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.segment == nil {
		return nil
	}
	if err := j.segment.Sync(); err != nil {
		return fmt.Errorf("journal: failed to fsync on close: %w", err)
	}
	if err := j.segment.Close(); err != nil {
		return fmt.Errorf("journal: failed to close segment: %w", err)
	}
	j.segment = nil
	return nil
}

// ReadSegment reads every intact entry of a segment. Frames whose checksum
// does not match are skipped; a truncated trailing frame ends the read.
func ReadSegment(path string) ([]*Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("journal: failed to open segment: %w", err)
	}
	defer file.Close()

	var entries []*Entry
	var offset int64
	header := make([]byte, frameHeader)
	for {
		if _, err := io.ReadFull(file, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, fmt.Errorf("journal: failed to read frame header: %w", err)
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		crc := binary.LittleEndian.Uint32(header[4:8])

		payload := make([]byte, length)
		if _, err := io.ReadFull(file, payload); err != nil {
			logger.Warn().Str("segment", path).Int64("offset", offset).Msg("truncated journal frame")
			break
		}
		frameStart := offset
		offset += int64(frameHeader) + int64(length)

		if crc32.ChecksumIEEE(payload) != crc {
			logger.Warn().Str("segment", path).Int64("offset", frameStart).Msg("journal checksum mismatch, skipping entry")
			continue
		}
		raw, err := snappy.Decode(nil, payload)
		if err != nil {
			logger.Warn().Err(err).Str("segment", path).Int64("offset", frameStart).Msg("undecodable journal entry")
			continue
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			logger.Warn().Err(err).Str("segment", path).Int64("offset", frameStart).Msg("malformed journal entry")
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

func listSegments(dir string) ([]string, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("journal: failed to read directory: %w", err)
	}
	var out []string
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		if _, ok := parseSegmentID(f.Name()); ok {
			out = append(out, filepath.Join(dir, f.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func parseSegmentID(name string) (uint64, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	hex := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
	if len(hex) != 16 {
		return 0, false
	}
	var id uint64
	if _, err := fmt.Sscanf(hex, "%016x", &id); err != nil {
		return 0, false
	}
	return id, true
}
