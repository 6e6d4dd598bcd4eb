package journal

import (
	"context"
	"fmt"
	"time"
)

// ApplyFunc re-delivers the entries of one segment. Entries arrive in the
// order they were appended.
type ApplyFunc func(ctx context.Context, entries []*Entry) error

// DoneFunc is called with a segment path once its entries were applied,
// before the segment is deleted. Archiving hooks in here.
type DoneFunc func(ctx context.Context, path string) error

// Replay seals the active segment and re-delivers every sealed segment,
// oldest first. A segment is deleted only after apply and done both succeed;
// replay stops at the first segment that fails so nothing is reordered.
// It returns the number of entries applied.
func (j *Journal) Replay(ctx context.Context, apply ApplyFunc, done DoneFunc) (int, error) {
	start := time.Now()

	if err := j.Rotate(); err != nil {
		return 0, err
	}
	segments, err := j.Sealed()
	if err != nil {
		return 0, err
	}

	var replayed int
	for _, path := range segments {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}

		entries, err := ReadSegment(path)
		if err != nil {
			return replayed, err
		}
		if len(entries) > 0 {
			if err := apply(ctx, entries); err != nil {
				return replayed, fmt.Errorf("journal: replay of %s failed: %w", path, err)
			}
			replayed += len(entries)
			if done != nil {
				if err := done(ctx, path); err != nil {
					return replayed, fmt.Errorf("journal: archive of %s failed: %w", path, err)
				}
			}
		}
		if err := j.Remove(path); err != nil {
			return replayed, err
		}
	}

	if replayed > 0 {
		logger.Info().
			Int("entries", replayed).
			Int("segments", len(segments)).
			Dur("elapsed", time.Since(start)).
			Msg("replayed journal")
	}
	return replayed, nil
}
