package blockstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(id int, start, end int64, est int) *Entry {
	return &Entry{ID: id, StartTS: start, EndTS: end, Count: 1, EstSize: est}
}

func TestLocate(t *testing.T) {
	d := Directory{Entries: []*Entry{
		entry(0, 300, 400, 10),
		entry(1, 100, 200, 10),
	}}

	i, e := d.Locate(Key{Date: 350})
	assert.Equal(t, 0, i)
	assert.Same(t, d.Entries[0], e)

	i, e = d.Locate(Key{Date: 250})
	assert.Equal(t, 1, i)
	assert.Nil(t, e)

	i, e = d.Locate(Key{Date: 500})
	assert.Equal(t, 0, i)
	assert.Nil(t, e)

	i, e = d.Locate(Key{Date: 50})
	assert.Equal(t, 2, i)
	assert.Nil(t, e)

	// Same date, UID beyond the recorded end key.
	i, e = d.Locate(Key{Date: 400, UID: 9})
	assert.Equal(t, 0, i)
	assert.Nil(t, e)
}

func TestTargetCreatesFirstEntry(t *testing.T) {
	var d Directory
	idx, e, created := d.Target(Key{Date: 5, UID: 1}, HeaderEstSize, DefaultLimits())
	require.True(t, created)
	assert.Equal(t, 0, idx)
	assert.Equal(t, Key{Date: 5, UID: 1}, e.Start())
	assert.Equal(t, Key{Date: 5, UID: 1}, e.End())
	assert.Equal(t, 1, d.NextID)
}

func TestTargetPrefersOlderNeighborWithRoom(t *testing.T) {
	d := Directory{Entries: []*Entry{
		entry(0, 300, 400, 10),
		entry(1, 100, 200, 10),
	}}
	idx, e, _ := d.Target(Key{Date: 250}, HeaderEstSize, DefaultLimits())
	assert.Equal(t, 1, idx)
	assert.Equal(t, int64(250), e.EndTS)
	assert.Equal(t, int64(100), e.StartTS)
}

func TestTargetFallsBackToNewerNeighbor(t *testing.T) {
	lim := DefaultLimits()
	d := Directory{Entries: []*Entry{
		entry(0, 300, 400, 10),
		entry(1, 100, 200, lim.MaxBlockSize),
	}}
	idx, e, _ := d.Target(Key{Date: 250}, HeaderEstSize, lim)
	assert.Equal(t, 0, idx)
	assert.Equal(t, int64(250), e.StartTS)
}

func TestTargetBothFullPicksByPosition(t *testing.T) {
	lim := DefaultLimits()
	full := lim.MaxBlockSize

	// Newer than everything: only the newest block is adjacent.
	d := Directory{Entries: []*Entry{entry(0, 300, 400, full), entry(1, 100, 200, full)}}
	idx, e, _ := d.Target(Key{Date: 500}, HeaderEstSize, lim)
	assert.Equal(t, 0, idx)
	assert.Equal(t, int64(500), e.EndTS)

	// Older than everything.
	d = Directory{Entries: []*Entry{entry(0, 300, 400, full), entry(1, 100, 200, full)}}
	idx, e, _ = d.Target(Key{Date: 50}, HeaderEstSize, lim)
	assert.Equal(t, 1, idx)
	assert.Equal(t, int64(50), e.StartTS)

	// A gap in the newer half of a long directory goes to the newer block.
	d = Directory{Entries: []*Entry{
		entry(0, 900, 1000, full),
		entry(1, 700, 800, full),
		entry(2, 500, 600, full),
		entry(3, 300, 400, full),
		entry(4, 100, 200, full),
	}}
	idx, e, _ = d.Target(Key{Date: 850}, HeaderEstSize, lim)
	assert.Equal(t, 0, idx)
	assert.Equal(t, int64(850), e.StartTS)

	// A gap in the older half goes to the older block.
	idx, e, _ = d.Target(Key{Date: 250}, HeaderEstSize, lim)
	assert.Equal(t, 4, idx)
	assert.Equal(t, int64(250), e.EndTS)
}

func TestFirstOverlapping(t *testing.T) {
	d := Directory{Entries: []*Entry{
		entry(0, 300, 400, 10),
		entry(1, 100, 200, 10),
	}}
	assert.Equal(t, 0, d.FirstOverlapping(0, 0))
	assert.Equal(t, 1, d.FirstOverlapping(0, 300))
	assert.Equal(t, 1, d.FirstOverlapping(150, 250))
	assert.Equal(t, 2, d.FirstOverlapping(201, 300))
	assert.Equal(t, 2, d.FirstOverlapping(0, 100))
}
