package folder

import (
	gosync "sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/testutil"
)

type splice struct {
	index, howMany int
	added          []model.HeaderInfo
}

// recorder is a Consumer that remembers what it was told.
type recorder struct {
	mu       gosync.Mutex
	splices  []splice
	updates  []int
	statuses []Status
}

func (r *recorder) OnSplice(index, howMany int, added []model.HeaderInfo, _ bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.splices = append(r.splices, splice{index, howMany, added})
}

func (r *recorder) OnUpdate(index int, _ model.HeaderInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, index)
}

func (r *recorder) OnStatus(status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *recorder) spliceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.splices)
}

func TestSliceFillAndLiveUpdates(t *testing.T) {
	ctx := testutil.Context(t)
	s := openTestStorage(t, testutil.NewTestStore(t))
	for d := int64(10); d <= 50; d += 10 {
		addHeader(t, s, d, "m")
	}

	rec := &recorder{}
	sl, err := s.OpenSlice(ctx, rec, 3, nil)
	require.NoError(t, err)

	n, err := sl.FillFromStorage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	v, err := sl.View(ctx)
	require.NoError(t, err)
	require.Len(t, v.Headers, 3)
	assert.Equal(t, int64(50), v.EndTS)
	assert.Equal(t, int64(30), v.StartTS)
	assert.True(t, v.OpenEnd)

	// Newer than everything: the slice reaches the newest header, so it
	// takes it at the top.
	newest := addHeader(t, s, 60, "new")
	v, err = sl.View(ctx)
	require.NoError(t, err)
	require.Len(t, v.Headers, 4)
	assert.Equal(t, newest.ID, v.Headers[0].ID)

	// Older than a full slice: ignored.
	addHeader(t, s, 5, "old")
	v, err = sl.View(ctx)
	require.NoError(t, err)
	assert.Len(t, v.Headers, 4)

	_, err = s.UpdateMessageHeader(ctx, newest.Date, newest.ID, MutateHeader(func(h *model.HeaderInfo) bool {
		return h.AddFlag(model.FlagFlagged)
	}))
	require.NoError(t, err)

	_, err = s.DeleteMessage(ctx, newest.Date, newest.ID)
	require.NoError(t, err)
	v, err = sl.View(ctx)
	require.NoError(t, err)
	require.Len(t, v.Headers, 3)
	assert.Equal(t, int64(50), v.EndTS)

	rec.mu.Lock()
	assert.Equal(t, []int{0}, rec.updates)
	last := rec.splices[len(rec.splices)-1]
	rec.mu.Unlock()
	assert.Equal(t, splice{index: 0, howMany: 1}, last)
}

func TestEmptiedSliceDropsItsEnvelope(t *testing.T) {
	ctx := testutil.Context(t)
	s := openTestStorage(t, testutil.NewTestStore(t))
	a := addHeader(t, s, 10, "a")
	b := addHeader(t, s, 20, "b")

	sl, err := s.OpenSlice(ctx, nil, 2, nil)
	require.NoError(t, err)
	_, err = sl.FillFromStorage(ctx)
	require.NoError(t, err)

	for _, h := range []model.HeaderInfo{a, b} {
		_, err = s.DeleteMessage(ctx, h.Date, h.ID)
		require.NoError(t, err)
	}
	v, err := sl.View(ctx)
	require.NoError(t, err)
	assert.Empty(t, v.Headers)
	assert.Zero(t, v.StartTS)
	assert.Zero(t, v.EndTS)
	assert.True(t, v.OpenEnd)

	// Newer than the old envelope, yet still delivered.
	c := addHeader(t, s, 30, "c")
	v, err = sl.View(ctx)
	require.NoError(t, err)
	require.Len(t, v.Headers, 1)
	assert.Equal(t, c.ID, v.Headers[0].ID)
	assert.Equal(t, int64(30), v.StartTS)
	assert.Equal(t, int64(30), v.EndTS)
}

func TestSliceGrowFromStorage(t *testing.T) {
	ctx := testutil.Context(t)
	s := openTestStorage(t, testutil.NewTestStore(t))
	for d := int64(1); d <= 20; d++ {
		addHeader(t, s, d, "m")
	}

	sl, err := s.OpenSlice(ctx, nil, 5, nil)
	require.NoError(t, err)
	_, err = sl.FillFromStorage(ctx)
	require.NoError(t, err)

	require.NoError(t, sl.Grow(ctx, 5))
	v, err := sl.View(ctx)
	require.NoError(t, err)
	require.Len(t, v.Headers, 10)
	assert.Equal(t, int64(11), v.StartTS)
	assertNewestFirst(t, v.Headers)

	// Storage runs dry and there is no driver to go further back.
	err = sl.Grow(ctx, 20)
	assert.ErrorIs(t, err, ErrNoDriver)
	v, err = sl.View(ctx)
	require.NoError(t, err)
	assert.Len(t, v.Headers, 20)
}

func TestSyncSliceSeesEveryHeader(t *testing.T) {
	ctx := testutil.Context(t)
	s := openTestStorage(t, testutil.NewTestStore(t))

	rec := &recorder{}
	sl, err := s.OpenSlice(ctx, rec, 15, nil)
	require.NoError(t, err)
	require.NoError(t, s.BeginSync(ctx, sl))

	for _, d := range []int64{30, 10, 50, 20, 40} {
		addHeader(t, s, d, "m")
	}
	require.NoError(t, s.EndSync(ctx, sl))

	v, err := sl.View(ctx)
	require.NoError(t, err)
	require.Len(t, v.Headers, 5)
	assertNewestFirst(t, v.Headers)
	assert.Equal(t, int64(10), v.StartTS)
	assert.Equal(t, int64(50), v.EndTS)
	assert.Equal(t, 5, rec.spliceCount())
}

func TestClosedSliceGetsNothing(t *testing.T) {
	ctx := testutil.Context(t)
	s := openTestStorage(t, testutil.NewTestStore(t))

	rec := &recorder{}
	sl, err := s.OpenSlice(ctx, rec, 10, nil)
	require.NoError(t, err)
	require.NoError(t, sl.SetStatus(ctx, StatusSynced, false))
	require.NoError(t, sl.Close(ctx))

	addHeader(t, s, 10, "m")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.splices)
	assert.Equal(t, []Status{StatusSynced, StatusClosed}, rec.statuses)
}
