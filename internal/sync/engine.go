// Package sync mirrors a server folder into local folder storage one
// date window at a time, growing the window backwards until a slice has
// the headers it asked for.
package sync

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailsync/internal/folder"
	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/pool"
	"github.com/nhle/mailsync/internal/protocol"
)

const (
	// InitialSyncDays is the first window a growth sync asks for.
	InitialSyncDays = 3

	// BisectThreshold is how many server matches a window may have before
	// it is shrunk instead of fetched.
	BisectThreshold = 50

	// TooManyMessages is the bisection threshold for refreshes, which
	// re-check flags on headers already stored and so tolerate more.
	TooManyMessages = 2000

	// GrowthFactor scales the window after a step that found nothing.
	GrowthFactor = 1.6

	// InitialFillSize is how many headers a new slice asks for.
	InitialFillSize = 15

	fetchBatch   = 50
	snippetRunes = 100
)

// OldestSyncDate is the floor growth never syncs past.
var OldestSyncDate = time.Date(1990, time.January, 1, 0, 0, 0, 0, time.UTC)

// OldestSyncTS is OldestSyncDate in millis.
var OldestSyncTS = model.Millis(OldestSyncDate)

// StepResult describes one sync step.
type StepResult struct {
	// StartTS and EndTS are the window actually handled. After a bisection
	// they are the narrowed window, which has not been synced yet.
	StartTS, EndTS int64
	Bisected       bool
	DayStep        int

	ServerCount int
	New         int
	Changed     int
	Deleted     int
	Unchanged   int
}

// Seen reports whether the step found anything new or changed.
func (r StepResult) Seen() bool { return r.New+r.Changed > 0 }

// Options tune an Engine.
type Options struct {
	Log zerolog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
	// BisectThreshold defaults to BisectThreshold.
	BisectThreshold int
	// MovedOut reports server UIDs that queued operations have moved out
	// of a folder locally. They are not fetched back.
	MovedOut func(folderID string) map[model.UID]bool
}

// Engine syncs one folder.
type Engine struct {
	st        *folder.Storage
	pool      *pool.Pool
	path      string
	log       zerolog.Logger
	now       func() time.Time
	threshold int
	movedOut  func(folderID string) map[model.UID]bool
}

// New creates an engine for the folder st, reached on the server at path.
func New(st *folder.Storage, p *pool.Pool, path string, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BisectThreshold <= 0 {
		opts.BisectThreshold = BisectThreshold
	}
	if opts.MovedOut == nil {
		opts.MovedOut = func(string) map[model.UID]bool { return nil }
	}
	return &Engine{
		st:        st,
		pool:      p,
		path:      path,
		log:       opts.Log.With().Str("folder", st.ID()).Logger(),
		now:       opts.Now,
		threshold: opts.BisectThreshold,
		movedOut:  opts.MovedOut,
	}
}

// Storage returns the folder the engine writes to.
func (e *Engine) Storage() *folder.Storage { return e.st }

func dayFloor(ts int64) int64 {
	return ts - ((ts%model.MillisPerDay)+model.MillisPerDay)%model.MillisPerDay
}

func daysBefore(ts int64, days int) int64 {
	return ts - int64(days)*model.MillisPerDay
}

// tomorrow is the exclusive end of a window reaching the present.
func (e *Engine) tomorrow() int64 {
	return dayFloor(model.Millis(e.now())) + model.MillisPerDay
}

// bisectDays picks a narrower window assuming messages spread evenly over
// days. It always shrinks by at least a day.
func bisectDays(days, count, threshold int) int {
	if days > 1000 {
		days = 30
	}
	step := int(math.Ceil(float64(days) * float64(threshold) / float64(count)))
	if step > days-1 {
		step = days - 1
	}
	if step < 1 {
		step = 1
	}
	return step
}

// SyncDateRange runs one step over [startTS, endTS) on a leased
// connection. An endTS of zero reaches the present.
func (e *Engine) SyncDateRange(ctx context.Context, startTS, endTS int64) (StepResult, error) {
	lease, err := e.pool.Acquire(ctx, e.st.ID(), e.path)
	if err != nil {
		return StepResult{}, err
	}
	res, err := e.syncDateRange(ctx, lease, startTS, endTS, e.threshold)
	e.done(ctx, lease, err)
	return res, err
}

// done returns a lease, dropping the connection when the step failed on
// the wire.
func (e *Engine) done(ctx context.Context, lease *pool.Lease, err error) {
	if err != nil && ctx.Err() == nil {
		lease.Discard()
		return
	}
	lease.Release(context.WithoutCancel(ctx))
}

func (e *Engine) syncDateRange(
	ctx context.Context,
	lease *pool.Lease,
	startTS, endTS int64,
	limit int,
) (res StepResult, err error) {
	release, err := e.st.Exclusive(ctx)
	if err != nil {
		return StepResult{StartTS: startTS, EndTS: endTS}, err
	}
	defer release()

	began := time.Now()
	defer func() {
		result := "ok"
		switch {
		case err != nil:
			result = "error"
		case res.Bisected:
			result = "bisect"
		}
		metrics.SyncSteps.WithLabelValues(result).Observe(time.Since(began).Seconds())
	}()

	res = StepResult{StartTS: startTS, EndTS: endTS}
	conn := lease.Conn()
	effEnd := endTS
	if effEnd == 0 {
		effEnd = e.tomorrow()
	}

	criteria := protocol.SearchCriteria{NotDeleted: true}
	if startTS > 0 {
		criteria.Since = model.FromMillis(startTS)
	}
	if endTS != 0 {
		criteria.Before = model.FromMillis(endTS)
	}

	var serverUIDs []model.UID
	var local []model.HeaderInfo
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		uids, err := conn.Search(gctx, criteria)
		if err != nil {
			return fmt.Errorf("searching %s: %w", e.path, err)
		}
		serverUIDs = uids
		return nil
	})
	g.Go(func() error {
		hs, err := e.st.MessagesInDateRange(gctx, startTS, endTS, 0)
		if err != nil {
			return fmt.Errorf("reading stored headers: %w", err)
		}
		local = hs
		return nil
	})
	if err := g.Wait(); err != nil {
		return res, err
	}
	res.ServerCount = len(serverUIDs)

	days := int((effEnd - startTS) / model.MillisPerDay)
	if limit > 0 && len(serverUIDs) > limit && days > 1 {
		res.Bisected = true
		res.DayStep = bisectDays(days, len(serverUIDs), limit)
		res.StartTS = daysBefore(effEnd, res.DayStep)
		e.log.Debug().
			Int("count", len(serverUIDs)).
			Int("days", days).
			Int("dayStep", res.DayStep).
			Msg("bisecting sync window")
		return res, nil
	}

	onServer := make(map[model.UID]bool, len(serverUIDs))
	for _, uid := range serverUIDs {
		onServer[uid] = true
	}

	known := make(map[model.UID]model.HeaderInfo, len(local))
	for _, h := range local {
		if h.SrvID == 0 {
			continue
		}
		if !onServer[h.SrvID] {
			if _, err := e.st.DeleteMessage(ctx, h.Date, h.ID); err != nil {
				return res, err
			}
			res.Deleted++
			continue
		}
		known[h.SrvID] = h
	}

	movedOut := e.movedOut(e.st.ID())
	var fresh, stale []model.UID
	for _, uid := range serverUIDs {
		if _, ok := known[uid]; ok {
			stale = append(stale, uid)
		} else if !movedOut[uid] {
			fresh = append(fresh, uid)
		}
	}

	for i := 0; i < len(fresh); i += fetchBatch {
		batch := fresh[i:min(i+fetchBatch, len(fresh))]
		n, err := e.fetchNew(ctx, conn, batch)
		res.New += n
		if err != nil {
			return res, err
		}
	}

	if len(stale) > 0 {
		changed, err := e.refreshFlags(ctx, conn, stale, known)
		if err != nil {
			return res, err
		}
		res.Changed = changed
		res.Unchanged = len(stale) - changed
	}

	var modseq uint64
	if st := lease.Status(); st != nil {
		modseq = st.HighestModSeq
	}
	if err := e.st.MarkSyncedRange(ctx, startTS, effEnd, modseq, model.Millis(e.now())); err != nil {
		return res, err
	}
	if err := e.st.Flush(ctx); err != nil {
		e.log.Error().Err(err).Msg("checkpoint after sync step")
	}

	metrics.SyncMessages.WithLabelValues("new").Add(float64(res.New))
	metrics.SyncMessages.WithLabelValues("updated").Add(float64(res.Changed))
	metrics.SyncMessages.WithLabelValues("deleted").Add(float64(res.Deleted))
	e.log.Debug().
		Int64("startTS", startTS).
		Int64("endTS", effEnd).
		Int("new", res.New).
		Int("changed", res.Changed).
		Int("deleted", res.Deleted).
		Msg("sync step done")
	return res, nil
}

// fetchNew downloads and stores messages the folder has never seen.
func (e *Engine) fetchNew(
	ctx context.Context,
	conn protocol.Connection,
	uids []model.UID,
) (int, error) {
	summaries, err := conn.FetchSummaries(ctx, uids)
	if err != nil {
		return 0, fmt.Errorf("fetching summaries: %w", err)
	}

	added := 0
	for _, sum := range summaries {
		plan := planParts(sum.Structure)

		var texts []string
		if paths := plan.bodyPaths(); len(paths) > 0 {
			raw, err := conn.FetchParts(ctx, sum.UID, paths)
			if err != nil {
				return added, fmt.Errorf("fetching parts of UID %d: %w", sum.UID, err)
			}
			for _, p := range plan.body {
				data, ok := raw[p.Path]
				if !ok {
					continue
				}
				text, err := decodePart(p, data)
				if err != nil {
					e.log.Warn().Err(err).Uint32("uid", uint32(sum.UID)).Str("part", p.Path).Msg("decoding part")
				}
				if text != "" {
					texts = append(texts, text)
				}
			}
		}
		bodyText := strings.Join(texts, "\n")

		h := model.HeaderInfo{
			SrvID:          sum.UID,
			Author:         sum.From,
			Date:           model.Millis(sum.InternalDate),
			Flags:          sum.Flags,
			HasAttachments: len(plan.attachments) > 0,
			Subject:        sum.Subject,
			Snippet:        protocol.Snippet(bodyText, snippetRunes),
		}
		body := &model.BodyInfo{
			Size:        sum.Size,
			To:          sum.To,
			CC:          sum.CC,
			BCC:         sum.BCC,
			ReplyTo:     sum.ReplyTo,
			Attachments: plan.attachments,
			BodyText:    bodyText,
		}
		if _, err := e.st.AddMessage(ctx, h, body); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// refreshFlags compares server flags for known messages and updates the
// ones that differ. It returns how many changed.
func (e *Engine) refreshFlags(
	ctx context.Context,
	conn protocol.Connection,
	uids []model.UID,
	known map[model.UID]model.HeaderInfo,
) (int, error) {
	flags, err := conn.FetchFlags(ctx, uids)
	if err != nil {
		return 0, fmt.Errorf("fetching flags: %w", err)
	}

	changed := 0
	for _, uid := range uids {
		got, ok := flags[uid]
		if !ok {
			continue
		}
		h := known[uid]
		want := model.NormalizeFlags(got)
		if model.EqualFlags(h.Flags, want) {
			continue
		}
		ok, err := e.st.UpdateMessageHeader(ctx, h.Date, h.ID, folder.MutateHeader(func(h *model.HeaderInfo) bool {
			if model.EqualFlags(h.Flags, want) {
				return false
			}
			h.Flags = want
			return true
		}))
		if err != nil {
			return changed, err
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}
