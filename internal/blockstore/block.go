package blockstore

import (
	"sort"

	"github.com/nhle/mailsync/internal/model"
)

// Strategy captures what differs between block kinds.
type Strategy[T any] interface {
	// Key returns the ordering key of an item.
	Key(item T) Key
	// Cost estimates the stored size of an item.
	Cost(item T) int
	// SplitTarget is the size the newer half of an oversized block at
	// position index of count blocks should be cut to.
	SplitTarget(index, count int, lim Limits) int
}

// EdgeBiasedTarget leaves little in the newest block and much in the
// oldest so growth room sits at the edges where new mail lands.
func EdgeBiasedTarget(index, count int, lim Limits) int {
	switch {
	case index == 0:
		return lim.SmallPart
	case index == count-1:
		return lim.LargePart
	default:
		return lim.EqualPart
	}
}

// Block holds items newest to oldest with their ids in a parallel slice.
type Block[T any] struct {
	UIDs  []model.UID `json:"ids"`
	Items []T         `json:"items"`
}

// Len returns the number of items.
func (b *Block[T]) Len() int { return len(b.Items) }

// Search returns the index of the first item not newer than k and whether
// that item has exactly key k.
func (b *Block[T]) Search(s Strategy[T], k Key) (int, bool) {
	i := sort.Search(len(b.Items), func(i int) bool {
		return s.Key(b.Items[i]).Compare(k) <= 0
	})
	return i, i < len(b.Items) && s.Key(b.Items[i]).Compare(k) == 0
}

// Insert places item at its sorted position, updates e and returns the
// position.
func (b *Block[T]) Insert(s Strategy[T], e *Entry, item T) int {
	k := s.Key(item)
	i, _ := b.Search(s, k)
	b.Items = append(b.Items, item)
	copy(b.Items[i+1:], b.Items[i:])
	b.Items[i] = item
	b.UIDs = append(b.UIDs, 0)
	copy(b.UIDs[i+1:], b.UIDs[i:])
	b.UIDs[i] = k.UID

	e.Count++
	e.EstSize += s.Cost(item)
	return i
}

// RemoveAt removes the item at i and narrows e when an edge item goes.
// It reports whether the block is now empty.
func (b *Block[T]) RemoveAt(s Strategy[T], e *Entry, i int) bool {
	item := b.Items[i]
	b.Items = append(b.Items[:i], b.Items[i+1:]...)
	b.UIDs = append(b.UIDs[:i], b.UIDs[i+1:]...)

	e.Count--
	e.EstSize -= s.Cost(item)
	n := len(b.Items)
	if n == 0 {
		return true
	}
	if i == 0 {
		e.setEnd(s.Key(b.Items[0]))
	}
	if i == n {
		e.setStart(s.Key(b.Items[n-1]))
	}
	return false
}

// Split cuts b so that the newer items summing to at least target stay in
// b and e, and the rest move to a new block described by the returned
// entry with id newID. Each half keeps at least one item.
func Split[T any](s Strategy[T], e *Entry, b *Block[T], target, newID int) (*Entry, *Block[T]) {
	n := len(b.Items)
	keep, size := 0, 0
	for keep < n-1 {
		size += s.Cost(b.Items[keep])
		keep++
		if size >= target {
			break
		}
	}
	if keep == 0 {
		keep = 1
		size = s.Cost(b.Items[0])
	}

	older := &Block[T]{
		UIDs:  append([]model.UID(nil), b.UIDs[keep:]...),
		Items: append([]T(nil), b.Items[keep:]...),
	}
	olderEntry := &Entry{
		ID:       newID,
		StartTS:  e.StartTS,
		StartUID: e.StartUID,
		Count:    n - keep,
		EstSize:  e.EstSize - size,
	}
	olderEntry.setEnd(s.Key(older.Items[0]))

	b.UIDs = b.UIDs[:keep:keep]
	b.Items = b.Items[:keep:keep]
	e.setStart(s.Key(b.Items[keep-1]))
	e.Count = keep
	e.EstSize = size

	return olderEntry, older
}
