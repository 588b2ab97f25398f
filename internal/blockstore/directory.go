// Package blockstore holds the in-memory structures behind folder storage:
// sorted blocks of headers or bodies and the always-resident directory that
// describes them. Nothing here does I/O.
package blockstore

import (
	"sort"

	"github.com/nhle/mailsync/internal/model"
)

// Key orders messages. A larger date is newer; on equal dates the larger
// UID is newer.
type Key struct {
	Date int64
	UID  model.UID
}

// Compare returns a positive number when k is newer than o, negative when
// older and zero when equal.
func (k Key) Compare(o Key) int {
	switch {
	case k.Date > o.Date:
		return 1
	case k.Date < o.Date:
		return -1
	case k.UID > o.UID:
		return 1
	case k.UID < o.UID:
		return -1
	}
	return 0
}

// Limits bounds block sizes. Sizes are estimates in bytes.
type Limits struct {
	MaxBlockSize int
	SmallPart    int
	EqualPart    int
	LargePart    int
}

// DefaultLimits returns the stock block size limits.
func DefaultLimits() Limits {
	return Limits{
		MaxBlockSize: 96 * 1024,
		SmallPart:    32 * 1024,
		EqualPart:    48 * 1024,
		LargePart:    64 * 1024,
	}
}

// Entry describes one block: its id, the key range it covers, how many
// items it holds and their estimated size.
type Entry struct {
	ID       int       `json:"blockId"`
	StartTS  int64     `json:"startTS"`
	StartUID model.UID `json:"startUID"`
	EndTS    int64     `json:"endTS"`
	EndUID   model.UID `json:"endUID"`
	Count    int       `json:"count"`
	EstSize  int       `json:"estSize"`
}

// Start is the oldest key the block covers.
func (e *Entry) Start() Key { return Key{Date: e.StartTS, UID: e.StartUID} }

// End is the newest key the block covers.
func (e *Entry) End() Key { return Key{Date: e.EndTS, UID: e.EndUID} }

func (e *Entry) setStart(k Key) { e.StartTS, e.StartUID = k.Date, k.UID }

func (e *Entry) setEnd(k Key) { e.EndTS, e.EndUID = k.Date, k.UID }

// Contains reports whether k falls inside the block's key range.
func (e *Entry) Contains(k Key) bool {
	return k.Compare(e.Start()) >= 0 && k.Compare(e.End()) <= 0
}

// OverlapsDates reports whether the block may hold messages dated in
// [startTS, endTS). An endTS of zero means unbounded.
func (e *Entry) OverlapsDates(startTS, endTS int64) bool {
	if endTS != 0 && e.StartTS >= endTS {
		return false
	}
	return e.EndTS >= startTS
}

// Directory lists entries newest to oldest. Entries never overlap.
type Directory struct {
	Entries []*Entry `json:"entries"`
	NextID  int      `json:"nextId"`
}

// Len returns the number of entries.
func (d *Directory) Len() int { return len(d.Entries) }

// Locate finds the entry containing k. When no entry contains it, the
// returned index is where an entry for k would be inserted and the entry
// is nil.
func (d *Directory) Locate(k Key) (int, *Entry) {
	i := sort.Search(len(d.Entries), func(i int) bool {
		return k.Compare(d.Entries[i].Start()) >= 0
	})
	if i < len(d.Entries) && k.Compare(d.Entries[i].End()) <= 0 {
		return i, d.Entries[i]
	}
	return i, nil
}

// IndexOf returns the position of the entry with the given id, or -1.
func (d *Directory) IndexOf(id int) int {
	for i, e := range d.Entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// Target picks the entry an item keyed k with the given cost should go
// into, extending the entry's range or creating an entry as needed.
// created reports whether a fresh entry was made.
func (d *Directory) Target(k Key, cost int, lim Limits) (idx int, e *Entry, created bool) {
	i, e := d.Locate(k)
	if e != nil {
		return i, e, false
	}

	n := len(d.Entries)
	if n == 0 {
		e = d.newEntry(k)
		d.InsertAt(0, e)
		return 0, e, true
	}

	var older, newer *Entry
	if i < n {
		older = d.Entries[i]
	}
	if i > 0 {
		newer = d.Entries[i-1]
	}

	switch {
	case older != nil && older.EstSize+cost < lim.MaxBlockSize:
		older.setEnd(k)
		return i, older, false
	case newer != nil && newer.EstSize+cost < lim.MaxBlockSize:
		newer.setStart(k)
		return i - 1, newer, false
	case (i > 0 && i < n/2) || i == n:
		newer.setStart(k)
		return i - 1, newer, false
	default:
		older.setEnd(k)
		return i, older, false
	}
}

// Allocate returns a new block id.
func (d *Directory) Allocate() int {
	id := d.NextID
	d.NextID++
	return id
}

func (d *Directory) newEntry(k Key) *Entry {
	e := &Entry{ID: d.Allocate()}
	e.setStart(k)
	e.setEnd(k)
	return e
}

// InsertAt places e at position i.
func (d *Directory) InsertAt(i int, e *Entry) {
	d.Entries = append(d.Entries, nil)
	copy(d.Entries[i+1:], d.Entries[i:])
	d.Entries[i] = e
}

// RemoveAt drops the entry at position i.
func (d *Directory) RemoveAt(i int) {
	d.Entries = append(d.Entries[:i], d.Entries[i+1:]...)
}

// FirstOverlapping returns the index of the newest entry that may hold
// messages in [startTS, endTS), or Len() when there is none.
func (d *Directory) FirstOverlapping(startTS, endTS int64) int {
	for i, e := range d.Entries {
		if e.OverlapsDates(startTS, endTS) {
			return i
		}
		if e.EndTS < startTS {
			break
		}
	}
	return len(d.Entries)
}

// Clone deep-copies the directory for persistence snapshots.
func (d *Directory) Clone() Directory {
	out := Directory{NextID: d.NextID, Entries: make([]*Entry, len(d.Entries))}
	for i, e := range d.Entries {
		c := *e
		out.Entries[i] = &c
	}
	return out
}
