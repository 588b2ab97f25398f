package blockstore

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
)

func header(date int64, id model.UID) model.HeaderInfo {
	return model.HeaderInfo{ID: id, Date: date, Subject: "s"}
}

func assertSorted(t *testing.T, items []model.HeaderInfo) {
	t.Helper()
	for i := 1; i < len(items); i++ {
		prev := Headers{}.Key(items[i-1])
		cur := Headers{}.Key(items[i])
		require.Truef(t, prev.Compare(cur) > 0, "item %d (%v) not older than item %d (%v)", i, cur, i-1, prev)
	}
}

func TestKeyCompare(t *testing.T) {
	assert.Equal(t, 1, Key{Date: 2, UID: 1}.Compare(Key{Date: 1, UID: 9}))
	assert.Equal(t, -1, Key{Date: 1, UID: 1}.Compare(Key{Date: 1, UID: 2}))
	assert.Equal(t, 0, Key{Date: 5, UID: 5}.Compare(Key{Date: 5, UID: 5}))
}

func TestBlockInsertKeepsOrder(t *testing.T) {
	var b HeaderBlock
	e := &Entry{}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		// Few distinct dates so UID tie-breaking is exercised.
		b.Insert(Headers{}, e, header(int64(rng.Intn(20)), model.UID(i+1)))
	}

	assertSorted(t, b.Items)
	assert.Equal(t, 200, e.Count)
	assert.Equal(t, 200*HeaderEstSize, e.EstSize)
	for i := range b.Items {
		assert.Equal(t, b.Items[i].ID, b.UIDs[i])
	}
}

func TestBlockRemoveNarrowsEdges(t *testing.T) {
	var b HeaderBlock
	e := &Entry{StartTS: 10, StartUID: 1, EndTS: 30, EndUID: 3}
	b.Insert(Headers{}, e, header(30, 3))
	b.Insert(Headers{}, e, header(20, 2))
	b.Insert(Headers{}, e, header(10, 1))

	empty := b.RemoveAt(Headers{}, e, 0)
	assert.False(t, empty)
	assert.Equal(t, Key{Date: 20, UID: 2}, e.End())

	empty = b.RemoveAt(Headers{}, e, 1)
	assert.False(t, empty)
	assert.Equal(t, Key{Date: 20, UID: 2}, e.Start())

	empty = b.RemoveAt(Headers{}, e, 0)
	assert.True(t, empty)
	assert.Equal(t, 0, e.Count)
	assert.Equal(t, 0, e.EstSize)
}

func TestSplitHeaders(t *testing.T) {
	lim := DefaultLimits()
	var b HeaderBlock
	e := &Entry{StartTS: 0, EndTS: 1000}
	n := lim.MaxBlockSize/HeaderEstSize + 1
	for i := 0; i < n; i++ {
		b.Insert(Headers{}, e, header(int64(i), model.UID(i+1)))
	}
	require.GreaterOrEqual(t, e.EstSize, lim.MaxBlockSize)
	original := append([]model.HeaderInfo(nil), b.Items...)

	older, olderBlock := Split[model.HeaderInfo](Headers{}, e, &b, lim.EqualPart, 7)

	assert.Less(t, e.EstSize, lim.MaxBlockSize)
	assert.Less(t, older.EstSize, lim.MaxBlockSize)
	assert.Equal(t, 7, older.ID)
	assert.Equal(t, n, e.Count+older.Count)
	assert.Equal(t, (lim.EqualPart+HeaderEstSize-1)/HeaderEstSize, e.Count)

	joined := append(append([]model.HeaderInfo(nil), b.Items...), olderBlock.Items...)
	if diff := cmp.Diff(original, joined); diff != "" {
		t.Fatalf("split changed contents (-want +got):\n%s", diff)
	}

	assert.Equal(t, Key{Date: 1000}, e.End())
	assert.Equal(t, Headers{}.Key(b.Items[len(b.Items)-1]), e.Start())
	assert.Equal(t, Headers{}.Key(olderBlock.Items[0]), older.End())
	assert.Equal(t, Key{Date: 0}, older.Start())
}

func TestSplitBodiesKeepsOneEach(t *testing.T) {
	var b BodyBlock
	e := &Entry{}
	b.Insert(Bodies{}, e, model.BodyInfo{ID: 2, Date: 2, Size: 200 * 1024})
	b.Insert(Bodies{}, e, model.BodyInfo{ID: 1, Date: 1, Size: 200 * 1024})

	older, olderBlock := Split[model.BodyInfo](Bodies{}, e, &b, DefaultLimits().SmallPart, 1)

	assert.Equal(t, 1, e.Count)
	assert.Equal(t, 1, older.Count)
	assert.Equal(t, model.UID(2), b.Items[0].ID)
	assert.Equal(t, model.UID(1), olderBlock.Items[0].ID)
}

func TestEdgeBiasedTarget(t *testing.T) {
	lim := DefaultLimits()
	assert.Equal(t, lim.SmallPart, EdgeBiasedTarget(0, 3, lim))
	assert.Equal(t, lim.EqualPart, EdgeBiasedTarget(1, 3, lim))
	assert.Equal(t, lim.LargePart, EdgeBiasedTarget(2, 3, lim))
	assert.Equal(t, lim.SmallPart, EdgeBiasedTarget(0, 1, lim))
}
