package sync

import (
	gosync "sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/folder"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/pool"
	"github.com/nhle/mailsync/internal/protocol"
	"github.com/nhle/mailsync/internal/protocol/fake"
	"github.com/nhle/mailsync/internal/testutil"
)

var testNow = time.Date(2024, time.June, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	srv *fake.Server
	st  *folder.Storage
	eng *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	srv := fake.NewServer()
	meta := model.FolderMeta{ID: "acct/0", AccountID: "acct", Path: "INBOX", Type: model.FolderTypeInbox}
	st, err := folder.Open(testutil.Context(t), testutil.NewLoop(t), testutil.NewTestStore(t), meta, folder.Options{Log: zerolog.Nop()})
	require.NoError(t, err)

	p := pool.New(protocol.DialerFunc(srv.Dial), pool.Options{Log: zerolog.Nop()})
	t.Cleanup(func() { _ = p.Close() })

	eng := New(st, p, "INBOX", Options{
		Log: zerolog.Nop(),
		Now: func() time.Time { return testNow },
	})
	return &fixture{srv: srv, st: st, eng: eng}
}

func daysAgo(d int) time.Time {
	return testNow.AddDate(0, 0, -d)
}

func (f *fixture) add(date time.Time, subject string, flags ...string) model.UID {
	return f.srv.Add("INBOX", fake.Message{
		Date:    date,
		Subject: subject,
		From:    model.Address{Name: "Alice", Address: "alice@example.com"},
		Text:    "body of " + subject,
		Flags:   flags,
	})
}

type recorder struct {
	mu       gosync.Mutex
	splices  int
	updates  []int
	statuses []folder.Status
}

func (r *recorder) OnSplice(int, int, []model.HeaderInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.splices++
}

func (r *recorder) OnUpdate(index int, _ model.HeaderInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, index)
}

func (r *recorder) OnStatus(s folder.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.splices, r.updates, r.statuses = 0, nil, nil
}

func TestInitialSyncGrowsUntilSliceIsFull(t *testing.T) {
	ctx := testutil.Context(t)
	f := newFixture(t)
	for d := 1; d <= 5; d++ {
		f.add(daysAgo(d), "day")
	}

	rec := &recorder{}
	sl, err := f.st.OpenSlice(ctx, rec, 5, f.eng)
	require.NoError(t, err)
	require.NoError(t, f.eng.GrowSync(ctx, sl))

	v, err := sl.View(ctx)
	require.NoError(t, err)
	require.Len(t, v.Headers, 5)
	assert.Equal(t, folder.StatusSynced, v.Status)
	for i := 1; i < len(v.Headers); i++ {
		assert.Greater(t, v.Headers[i-1].Date, v.Headers[i].Date)
	}
	assert.Equal(t, model.Millis(daysAgo(1)), v.Headers[0].Date)
	assert.GreaterOrEqual(t, f.srv.Calls("search"), 2, "a 3-day window cannot hold all five")

	rec.mu.Lock()
	assert.Equal(t, []folder.Status{folder.StatusSynchronizing, folder.StatusSynced}, rec.statuses)
	rec.mu.Unlock()
}

func TestInitialSyncOfEmptyFolderReachesDawn(t *testing.T) {
	ctx := testutil.Context(t)
	f := newFixture(t)

	sl, err := f.st.OpenSlice(ctx, nil, InitialFillSize, f.eng)
	require.NoError(t, err)
	require.NoError(t, f.eng.GrowSync(ctx, sl))

	meta, err := f.st.Meta(ctx)
	require.NoError(t, err)
	assert.True(t, meta.SyncedToDawnOfTime)

	v, err := sl.View(ctx)
	require.NoError(t, err)
	assert.Empty(t, v.Headers)
	assert.True(t, v.OpenStart)
	assert.Equal(t, folder.StatusSynced, v.Status)
}

func TestBisectionShrinksWindowBeforeFetching(t *testing.T) {
	ctx := testutil.Context(t)
	f := newFixture(t)

	end := f.eng.tomorrow()
	start := daysBefore(end, 30)
	spacing := 30 * 24 * time.Hour / 200
	for i := 0; i < 200; i++ {
		f.add(model.FromMillis(end).Add(-time.Minute-time.Duration(i)*spacing), "dense")
	}

	res, err := f.eng.SyncDateRange(ctx, start, end)
	require.NoError(t, err)
	assert.True(t, res.Bisected)
	assert.Equal(t, 200, res.ServerCount)
	assert.Equal(t, 8, res.DayStep)
	assert.Equal(t, daysBefore(end, 8), res.StartTS)
	assert.Equal(t, end, res.EndTS)
	assert.Zero(t, f.srv.Calls("fetch_summaries"))

	stats, err := f.st.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Messages)

	ranges, err := f.st.AccuracyRanges(ctx)
	require.NoError(t, err)
	assert.Empty(t, ranges)
}

func TestGrowSyncThroughDenseFolder(t *testing.T) {
	ctx := testutil.Context(t)
	f := newFixture(t)
	for i := 0; i < 120; i++ {
		f.add(testNow.Add(-time.Duration(i)*3*time.Hour), "dense")
	}

	sl, err := f.st.OpenSlice(ctx, nil, 20, f.eng)
	require.NoError(t, err)
	require.NoError(t, f.eng.GrowSync(ctx, sl))

	v, err := sl.View(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(v.Headers), 20)
	assert.Less(t, f.srv.Calls("fetch_summaries"), 120/fetchBatch+3)
}

func TestFlagChangeUpdatesOnlyThatHeader(t *testing.T) {
	ctx := testutil.Context(t)
	f := newFixture(t)
	uid := f.add(daysAgo(1), "watched")
	f.add(daysAgo(2), "other")

	end := f.eng.tomorrow()
	start := daysBefore(end, 7)
	_, err := f.eng.SyncDateRange(ctx, start, end)
	require.NoError(t, err)

	rec := &recorder{}
	sl, err := f.st.OpenSlice(ctx, rec, 10, f.eng)
	require.NoError(t, err)
	_, err = sl.FillFromStorage(ctx)
	require.NoError(t, err)
	rec.reset()

	f.srv.SetFlags("INBOX", uid, []string{model.FlagSeen})
	res, err := f.eng.SyncDateRange(ctx, start, end)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Changed)
	assert.Equal(t, 1, res.Unchanged)
	assert.Zero(t, res.New)
	assert.Zero(t, res.Deleted)

	rec.mu.Lock()
	assert.Equal(t, []int{0}, rec.updates)
	assert.Zero(t, rec.splices)
	rec.mu.Unlock()

	v, err := sl.View(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{model.FlagSeen}, v.Headers[0].Flags)

	meta, err := f.st.Meta(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.UnreadCount)
}

func TestResyncOfUnchangedWindowIsQuiet(t *testing.T) {
	ctx := testutil.Context(t)
	f := newFixture(t)
	for d := 0; d < 10; d++ {
		f.add(daysAgo(d), "steady", model.FlagSeen)
	}

	end := f.eng.tomorrow()
	start := daysBefore(end, 14)
	first, err := f.eng.SyncDateRange(ctx, start, end)
	require.NoError(t, err)
	assert.Equal(t, 10, first.New)

	rec := &recorder{}
	sl, err := f.st.OpenSlice(ctx, rec, 20, f.eng)
	require.NoError(t, err)
	_, err = sl.FillFromStorage(ctx)
	require.NoError(t, err)
	before, err := f.st.MessagesInDateRange(ctx, 0, 0, 0)
	require.NoError(t, err)
	rec.reset()

	second, err := f.eng.SyncDateRange(ctx, start, end)
	require.NoError(t, err)
	assert.Equal(t, StepResult{StartTS: start, EndTS: end, ServerCount: 10, Unchanged: 10}, second)

	after, err := f.st.MessagesInDateRange(ctx, 0, 0, 0)
	require.NoError(t, err)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("headers changed on re-sync (-before +after):\n%s", diff)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Zero(t, rec.splices)
	assert.Empty(t, rec.updates)
}

func TestMissingServerMessageIsDeletedLocally(t *testing.T) {
	ctx := testutil.Context(t)
	f := newFixture(t)
	f.add(daysAgo(1), "keep")
	gone := f.add(daysAgo(2), "gone")

	end := f.eng.tomorrow()
	start := daysBefore(end, 7)
	_, err := f.eng.SyncDateRange(ctx, start, end)
	require.NoError(t, err)

	hs, err := f.st.MessagesInDateRange(ctx, start, end, 0)
	require.NoError(t, err)
	require.Len(t, hs, 2)
	victim := hs[1]
	require.Equal(t, gone, victim.SrvID)

	// A local placeholder has no server UID and must survive.
	placeholder, err := f.st.AddMessage(ctx, model.HeaderInfo{Date: model.Millis(daysAgo(3)), Subject: "draft"}, nil)
	require.NoError(t, err)

	f.srv.Remove("INBOX", gone)
	res, err := f.eng.SyncDateRange(ctx, start, end)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)

	h, err := f.st.Header(ctx, victim.Date, victim.ID)
	require.NoError(t, err)
	assert.Nil(t, h)
	b, err := f.st.MessageBody(ctx, victim.Date, victim.ID)
	require.NoError(t, err)
	assert.Nil(t, b)

	h, err = f.st.Header(ctx, placeholder.Date, placeholder.ID)
	require.NoError(t, err)
	assert.NotNil(t, h)
}

func TestNewMessageCarriesBodyAndAttachments(t *testing.T) {
	ctx := testutil.Context(t)
	f := newFixture(t)
	f.srv.Add("INBOX", fake.Message{
		Date:    daysAgo(1),
		Subject: "report",
		From:    model.Address{Address: "bob@example.com"},
		To:      []model.Address{{Address: "me@example.com"}},
		Text:    "See   the attached\nreport.",
		Attachments: []fake.Attachment{
			{Name: "report.pdf", Type: "application/pdf", Data: make([]byte, 570)},
		},
	})

	end := f.eng.tomorrow()
	_, err := f.eng.SyncDateRange(ctx, daysBefore(end, 3), end)
	require.NoError(t, err)

	hs, err := f.st.MessagesInDateRange(ctx, 0, 0, 0)
	require.NoError(t, err)
	require.Len(t, hs, 1)
	h := hs[0]
	assert.True(t, h.HasAttachments)
	assert.Equal(t, "See the attached report.", h.Snippet)
	assert.Equal(t, "bob@example.com", h.Author.Address)

	b, err := f.st.MessageBody(ctx, h.Date, h.ID)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "See   the attached\nreport.", b.BodyText)
	require.Len(t, b.Attachments, 1)
	assert.Equal(t, "report.pdf", b.Attachments[0].Name)
	assert.Equal(t, "2", b.Attachments[0].Part)
	assert.Equal(t, int64(760*57/78), b.Attachments[0].SizeEstimate)
	assert.Equal(t, []model.Address{{Address: "me@example.com"}}, b.To)
}

func TestRefreshPicksUpNewMail(t *testing.T) {
	ctx := testutil.Context(t)
	f := newFixture(t)
	for d := 1; d <= 3; d++ {
		f.add(daysAgo(d), "old")
	}

	sl, err := f.st.OpenSlice(ctx, nil, 3, f.eng)
	require.NoError(t, err)
	require.NoError(t, f.eng.GrowSync(ctx, sl))

	f.add(testNow.Add(-time.Hour), "fresh")
	searches := f.srv.Calls("search")
	require.NoError(t, sl.Refresh(ctx))
	assert.Equal(t, searches+1, f.srv.Calls("search"), "refresh is a single step")

	v, err := sl.View(ctx)
	require.NoError(t, err)
	require.Len(t, v.Headers, 4)
	assert.Equal(t, "fresh", v.Headers[0].Subject)
	assert.Equal(t, folder.StatusSynced, v.Status)
}

func TestRefreshIfStaleSkipsFreshCoverage(t *testing.T) {
	ctx := testutil.Context(t)
	f := newFixture(t)
	f.add(daysAgo(1), "one")

	sl, err := f.st.OpenSlice(ctx, nil, 1, f.eng)
	require.NoError(t, err)
	require.NoError(t, f.eng.GrowSync(ctx, sl))

	searches := f.srv.Calls("search")
	refreshed, err := f.eng.RefreshIfStale(ctx, sl, time.Hour)
	require.NoError(t, err)
	assert.False(t, refreshed)
	assert.Equal(t, searches, f.srv.Calls("search"))
}

func TestBisectDays(t *testing.T) {
	tests := []struct {
		name                   string
		days, count, threshold int
		want                   int
	}{
		{"thirty days of two hundred", 30, 200, 50, 8},
		{"dawn of time treated as a month", 12000, 200, 50, 8},
		{"always shrinks", 10, 51, 50, 9},
		{"never below a day", 2, 5000, 50, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, bisectDays(tt.days, tt.count, tt.threshold))
		})
	}
}

func TestGrownStepRespectsCaps(t *testing.T) {
	assert.Equal(t, 5, grownStep(3, 0))
	assert.Equal(t, 14, grownStep(13, 10))
	assert.Equal(t, 30, grownStep(25, 200))
	assert.Equal(t, 365, grownStep(300, 2000))
	assert.Equal(t, 730, grownStep(700, 5000))
}

func TestCoveredBack(t *testing.T) {
	ranges := []model.AccuracyRange{
		{StartTS: 80, EndTS: 100},
		{StartTS: 50, EndTS: 80},
		{StartTS: 10, EndTS: 40},
	}
	assert.Equal(t, int64(50), coveredBack(ranges, 100))
	assert.Equal(t, int64(50), coveredBack(ranges, 90))
	assert.Equal(t, int64(45), coveredBack(ranges, 45))
	assert.Equal(t, int64(10), coveredBack(ranges, 30))
}

func TestSyncStepWaitsForExclusiveHolder(t *testing.T) {
	ctx := testutil.Context(t)
	f := newFixture(t)
	f.add(daysAgo(1), "held")

	release, err := f.st.Exclusive(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.eng.SyncDateRange(ctx, 0, 0)
		done <- err
	}()
	assert.Never(t, func() bool { return len(done) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	hs, err := f.st.MessagesInDateRange(ctx, 0, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, hs)

	release()
	require.NoError(t, <-done)
	hs, err = f.st.MessagesInDateRange(ctx, 0, 0, 0)
	require.NoError(t, err)
	assert.Len(t, hs, 1)
}

func TestGrowFromStoredHeaderCoversRestOfItsDay(t *testing.T) {
	ctx := testutil.Context(t)
	f := newFixture(t)
	noon := daysAgo(2)
	f.add(noon.Add(-4*time.Hour), "morning")
	uid := f.add(noon, "noon")

	// Known locally, but with no accuracy range around it.
	_, err := f.st.AddMessage(ctx, model.HeaderInfo{SrvID: uid, Date: model.Millis(noon), Subject: "noon"}, nil)
	require.NoError(t, err)

	sl, err := f.st.OpenSlice(ctx, nil, 2, f.eng)
	require.NoError(t, err)
	require.NoError(t, f.eng.GrowSync(ctx, sl))

	v, err := sl.View(ctx)
	require.NoError(t, err)
	require.Len(t, v.Headers, 2)
	assert.Equal(t, "noon", v.Headers[0].Subject)
	assert.Equal(t, "morning", v.Headers[1].Subject)
}
