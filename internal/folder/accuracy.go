package folder

import (
	"context"

	"github.com/nhle/mailsync/internal/loop"
	"github.com/nhle/mailsync/internal/model"
)

// Accuracy ranges are kept newest first and never overlap. A range is
// half-open: [StartTS, EndTS).

// firstRangeOverlapping returns the index of the newest range overlapping
// [startTS, endTS) and the range itself, or the insertion index and nil.
// An endTS of zero is unbounded.
func firstRangeOverlapping(
	ranges []model.AccuracyRange,
	startTS, endTS int64,
) (int, *model.AccuracyRange) {
	for i := range ranges {
		r := &ranges[i]
		if startTS > r.EndTS {
			return i, nil
		}
		if endTS == 0 || endTS > r.StartTS {
			return i, r
		}
	}
	return len(ranges), nil
}

// lastRangeOverlapping returns the index of the oldest range overlapping
// [startTS, endTS), or the insertion index and nil.
func lastRangeOverlapping(
	ranges []model.AccuracyRange,
	startTS, endTS int64,
) (int, *model.AccuracyRange) {
	for i := len(ranges) - 1; i >= 0; i-- {
		r := &ranges[i]
		if endTS <= r.StartTS {
			return i + 1, nil
		}
		if startTS < r.EndTS {
			return i, r
		}
	}
	return 0, nil
}

// mergeRange records that [startTS, endTS) was synced with provenance fs,
// splitting the partially covered ranges at either end and merging with
// neighbours that carry identical provenance.
func mergeRange(
	ranges []model.AccuracyRange,
	startTS, endTS int64,
	fs model.FullSync,
) []model.AccuracyRange {
	newIdx, newer := firstRangeOverlapping(ranges, startTS, endTS)
	oldIdx, older := lastRangeOverlapping(ranges, startTS, endTS)

	delCount := oldIdx - newIdx
	if older != nil {
		delCount++
	}

	var insertions []model.AccuracyRange
	if newer != nil && newer.EndTS > endTS {
		if newer.FullSync == fs {
			endTS = newer.EndTS
		} else {
			insertions = append(insertions, model.AccuracyRange{StartTS: endTS, EndTS: newer.EndTS, FullSync: newer.FullSync})
		}
	}
	insertions = append(insertions, model.AccuracyRange{StartTS: startTS, EndTS: endTS, FullSync: fs})
	if older != nil && older.StartTS < startTS {
		if older.FullSync == fs {
			insertions[len(insertions)-1].StartTS = older.StartTS
		} else {
			insertions = append(insertions, model.AccuracyRange{StartTS: older.StartTS, EndTS: startTS, FullSync: older.FullSync})
		}
	}

	oldAdjust := 0
	if older != nil {
		oldAdjust = 1
	}
	if newIdx > 0 {
		n := ranges[newIdx-1]
		if insertions[0].EndTS == n.StartTS && n.FullSync == fs {
			insertions[0].EndTS = n.EndTS
			newIdx--
			delCount++
		}
	}
	if j := oldIdx + oldAdjust; j < len(ranges) {
		n := ranges[j]
		last := &insertions[len(insertions)-1]
		if last.StartTS == n.EndTS && n.FullSync == fs {
			last.StartTS = n.StartTS
			delCount++
		}
	}

	out := make([]model.AccuracyRange, 0, len(ranges)-delCount+len(insertions))
	out = append(out, ranges[:newIdx]...)
	out = append(out, insertions...)
	out = append(out, ranges[newIdx+delCount:]...)
	return out
}

// staleCoverage returns the part of [startTS, endTS) not covered by ranges
// refreshed at or after cutoff, trimmed from both ends, or ok=false when
// the whole interval is fresh. endTS must be concrete.
func staleCoverage(
	ranges []model.AccuracyRange,
	startTS, endTS, cutoff int64,
) (int64, int64, bool) {
	newIdx, newer := firstRangeOverlapping(ranges, startTS, endTS)
	if newer == nil {
		return startTS, endTS, true
	}
	oldIdx, _ := lastRangeOverlapping(ranges, startTS, endTS)

	resStart, resEnd := startTS, endTS
	for i := newIdx; i <= oldIdx && i < len(ranges); i++ {
		r := ranges[i]
		if r.EndTS < resEnd || r.FullSync.UpdatedAt < cutoff {
			break
		}
		if r.StartTS <= resStart {
			return 0, 0, false
		}
		resEnd = r.StartTS
	}
	for i := oldIdx; i >= 0 && i < len(ranges); i-- {
		r := ranges[i]
		if r.StartTS > resStart || r.FullSync.UpdatedAt < cutoff {
			break
		}
		resStart = r.EndTS
	}
	return resStart, resEnd, true
}

func (s *Storage) markSyncedRange(startTS, endTS int64, fs model.FullSync) {
	s.accuracy = mergeRange(s.accuracy, startTS, endTS, fs)
	s.meta.LastSyncedAt = fs.UpdatedAt
}

// markSyncedToDawnOfTime stretches the oldest range back to oldestTS.
func (s *Storage) markSyncedToDawnOfTime(oldestTS, now int64) {
	if n := len(s.accuracy); n > 0 {
		s.accuracy[n-1].StartTS = oldestTS
	}
	s.meta.SyncedToDawnOfTime = true
	s.meta.LastSyncedAt = now
	for _, sl := range s.slices {
		sl.updateFlags()
	}
}

// clearSyncedToDawnOfTime pulls the oldest range forward to newOldestTS, or
// drops it when that would leave it empty.
func (s *Storage) clearSyncedToDawnOfTime(newOldestTS int64) {
	s.meta.SyncedToDawnOfTime = false
	n := len(s.accuracy)
	if n == 0 {
		return
	}
	if last := &s.accuracy[n-1]; last.EndTS > newOldestTS {
		last.StartTS = newOldestTS
	} else {
		s.log.Warn().Int64("startTS", last.StartTS).Int64("endTS", last.EndTS).Msg("accuracy range suspect")
		s.accuracy = s.accuracy[:n-1]
	}
	for _, sl := range s.slices {
		sl.updateFlags()
	}
}

// MarkSyncedRange records that [startTS, endTS) mirrors the server as of
// updatedAt with the given modseq.
func (s *Storage) MarkSyncedRange(
	ctx context.Context,
	startTS, endTS int64,
	modseq uint64,
	updatedAt int64,
) error {
	return loop.Do(ctx, s.loop, func(done func(error)) {
		fs := model.FullSync{HighestModseq: modseq, UpdatedAt: updatedAt}
		mark := func() {
			s.markSyncedRange(startTS, endTS, fs)
			done(nil)
		}
		if !s.p.deferIfLoading(mark) {
			mark()
		}
	})
}

// MarkSyncedToDawnOfTime records that nothing older than oldestTS exists on
// the server.
func (s *Storage) MarkSyncedToDawnOfTime(ctx context.Context, oldestTS, now int64) error {
	return loop.Do(ctx, s.loop, func(done func(error)) {
		s.markSyncedToDawnOfTime(oldestTS, now)
		done(nil)
	})
}

// ClearSyncedToDawnOfTime drops the dawn-of-time marker, keeping coverage
// back to newOldestTS.
func (s *Storage) ClearSyncedToDawnOfTime(ctx context.Context, newOldestTS int64) error {
	return loop.Do(ctx, s.loop, func(done func(error)) {
		s.clearSyncedToDawnOfTime(newOldestTS)
		done(nil)
	})
}

// AccuracyRanges returns a copy of the folder's accuracy ranges, newest
// first.
func (s *Storage) AccuracyRanges(ctx context.Context) ([]model.AccuracyRange, error) {
	return loop.Call(ctx, s.loop, func(resolve func([]model.AccuracyRange)) {
		resolve(append([]model.AccuracyRange(nil), s.accuracy...))
	})
}

// CheckAccuracyCoverageNeedingRefresh returns the smallest sub-range of
// [startTS, endTS) not refreshed since cutoff, or ok=false when all of it
// is fresh.
func (s *Storage) CheckAccuracyCoverageNeedingRefresh(
	ctx context.Context,
	startTS, endTS, cutoff int64,
) (start, end int64, ok bool, err error) {
	type result struct {
		start, end int64
		ok         bool
	}
	r, err := loop.Call(ctx, s.loop, func(resolve func(result)) {
		a, b, ok := staleCoverage(s.accuracy, startTS, endTS, cutoff)
		resolve(result{a, b, ok})
	})
	return r.start, r.end, r.ok, err
}
