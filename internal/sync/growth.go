package sync

import (
	"context"
	"time"

	"github.com/nhle/mailsync/internal/folder"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/pool"
)

var _ folder.Driver = (*Engine)(nil)

// stepCaps bounds how far a window may grow after empty steps, keyed by
// how many days in the past the window already is.
var stepCaps = []struct {
	withinDays int
	maxStep    int
}{
	{180, 14},
	{365, 30},
	{730, 60},
	{1095, 90},
	{1825, 120},
	{3650, 365},
}

const maxStepCap = 730

// grownStep scales step after an empty result, clamped by the cap for
// windows daysInPast days old.
func grownStep(step, daysInPast int) int {
	next := int(float64(step)*GrowthFactor + 0.999)
	limit := maxStepCap
	for _, c := range stepCaps {
		if daysInPast < c.withinDays {
			limit = c.maxStep
			break
		}
	}
	return min(next, limit)
}

// coveredBack walks from ts back through contiguous accuracy ranges and
// returns the oldest point known to be in sync. Growth resumes there
// rather than re-fetching what is already accurate.
func coveredBack(ranges []model.AccuracyRange, ts int64) int64 {
	anchor := ts
	for _, r := range ranges {
		if r.EndTS < anchor {
			break
		}
		if r.StartTS < anchor {
			anchor = r.StartTS
		}
	}
	return anchor
}

// GrowSync syncs backwards in time from the slice's oldest header until
// the slice has the headers it wants or the folder runs out of history.
func (e *Engine) GrowSync(ctx context.Context, sl *folder.Slice) error {
	lease, err := e.pool.Acquire(ctx, e.st.ID(), e.path)
	if err != nil {
		return err
	}
	err = e.grow(ctx, lease, sl)
	e.done(ctx, lease, err)
	return err
}

func (e *Engine) grow(ctx context.Context, lease *pool.Lease, sl *folder.Slice) error {
	if err := e.st.BeginSync(ctx, sl); err != nil {
		return err
	}
	defer func() {
		_ = e.st.EndSync(context.WithoutCancel(ctx), sl)
	}()
	if err := sl.SetStatus(ctx, folder.StatusSynchronizing, true); err != nil {
		return err
	}

	v, err := sl.View(ctx)
	if err != nil {
		return err
	}
	ranges, err := e.st.AccuracyRanges(ctx)
	if err != nil {
		return err
	}
	// Windows are whole days, so growth starts after the oldest header's
	// day and re-checks the rest of it.
	anchor := e.tomorrow()
	if len(v.Headers) > 0 {
		anchor = dayFloor(v.StartTS) + model.MillisPerDay
	}
	anchor = coveredBack(ranges, anchor)

	dayStep := InitialSyncDays
	var boundary int64
	hasBoundary := false
	for {
		if anchor <= OldestSyncTS {
			if err := e.st.MarkSyncedToDawnOfTime(ctx, OldestSyncTS, model.Millis(e.now())); err != nil {
				return err
			}
			break
		}

		startTS := max(daysBefore(anchor, dayStep), OldestSyncTS)
		res, err := e.syncDateRange(ctx, lease, startTS, anchor, e.threshold)
		if err != nil {
			return err
		}
		if res.Bisected {
			dayStep = res.DayStep
			boundary, hasBoundary = startTS, true
			continue
		}

		if _, err := sl.AbsorbRange(ctx, startTS, anchor); err != nil {
			return err
		}
		anchor = startTS

		dawn, err := e.reachedDawn(ctx, lease, anchor)
		if err != nil {
			return err
		}
		if dawn {
			break
		}

		v, err := sl.View(ctx)
		if err != nil {
			return err
		}
		if len(v.Headers) >= v.Desired {
			break
		}

		if res.Seen() || (hasBoundary && anchor > boundary) {
			continue
		}
		hasBoundary = false
		daysInPast := int((dayFloor(model.Millis(e.now())) - anchor) / model.MillisPerDay)
		dayStep = grownStep(dayStep, daysInPast)
	}

	return sl.SetStatus(ctx, folder.StatusSynced, false)
}

// reachedDawn marks the folder synced to the dawn of time when storage
// holds as many messages as the server and sync has passed the oldest of
// them.
func (e *Engine) reachedDawn(
	ctx context.Context,
	lease *pool.Lease,
	syncedThrough int64,
) (bool, error) {
	status := lease.Status()
	if status == nil {
		return false, nil
	}
	stats, err := e.st.Stats(ctx)
	if err != nil {
		return false, err
	}
	if int(status.NumMessages) != stats.Messages {
		return false, nil
	}
	if status.NumMessages > 0 && syncedThrough > stats.OldestTS {
		return false, nil
	}
	e.log.Debug().Int("messages", stats.Messages).Msg("synced to dawn of time")
	return true, e.st.MarkSyncedToDawnOfTime(ctx, OldestSyncTS, model.Millis(e.now()))
}

// envelope returns the day-aligned window a refresh of v covers.
func (e *Engine) envelope(v folder.View) (int64, int64) {
	start := dayFloor(v.StartTS)
	end := dayFloor(v.EndTS) + model.MillisPerDay
	if v.OpenEnd {
		end = e.tomorrow()
	}
	return start, end
}

// Refresh re-syncs the slice's envelope, extended to the present when its
// newest edge is open. A slice with no headers yet grows instead.
func (e *Engine) Refresh(ctx context.Context, sl *folder.Slice) error {
	v, err := sl.View(ctx)
	if err != nil {
		return err
	}
	if len(v.Headers) == 0 {
		return e.GrowSync(ctx, sl)
	}
	start, end := e.envelope(v)
	return e.refresh(ctx, sl, start, end)
}

// RefreshIfStale refreshes only the part of the slice's envelope not
// synced within maxAge. It reports whether anything was refreshed.
func (e *Engine) RefreshIfStale(
	ctx context.Context,
	sl *folder.Slice,
	maxAge time.Duration,
) (bool, error) {
	v, err := sl.View(ctx)
	if err != nil {
		return false, err
	}
	if len(v.Headers) == 0 {
		return true, e.GrowSync(ctx, sl)
	}
	start, end := e.envelope(v)
	cutoff := model.Millis(e.now().Add(-maxAge))
	start, end, stale, err := e.st.CheckAccuracyCoverageNeedingRefresh(ctx, start, end, cutoff)
	if err != nil || !stale {
		return false, err
	}
	return true, e.refresh(ctx, sl, start, end)
}

func (e *Engine) refresh(ctx context.Context, sl *folder.Slice, start, end int64) error {
	if err := sl.SetStatus(ctx, folder.StatusSynchronizing, true); err != nil {
		return err
	}
	lease, err := e.pool.Acquire(ctx, e.st.ID(), e.path)
	if err != nil {
		return err
	}
	err = e.refreshRange(ctx, lease, start, end)
	e.done(ctx, lease, err)
	if err != nil {
		return err
	}
	return sl.SetStatus(ctx, folder.StatusSynced, false)
}

// refreshRange covers [start, end) newest first, splitting it only when a
// window holds more than TooManyMessages.
func (e *Engine) refreshRange(ctx context.Context, lease *pool.Lease, start, end int64) error {
	for end > start {
		cur := start
		for {
			res, err := e.syncDateRange(ctx, lease, cur, end, TooManyMessages)
			if err != nil {
				return err
			}
			if !res.Bisected {
				break
			}
			cur = res.StartTS
		}
		end = cur
	}
	return nil
}
