package folder

import (
	"context"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/nhle/mailsync/internal/blockstore"
	"github.com/nhle/mailsync/internal/loop"
	"github.com/nhle/mailsync/internal/model"
)

// HeaderUpdate describes a change to a stored header: either a full
// replacement or an in-place mutation.
type HeaderUpdate struct {
	replace *model.HeaderInfo
	mutate  func(*model.HeaderInfo) bool
}

// ReplaceHeader swaps the stored header for h. The header's id, date and
// SUID are kept.
func ReplaceHeader(h model.HeaderInfo) HeaderUpdate {
	return HeaderUpdate{replace: &h}
}

// MutateHeader applies fn to a copy of the stored header. fn returns false
// to signal it changed nothing.
func MutateHeader(fn func(*model.HeaderInfo) bool) HeaderUpdate {
	return HeaderUpdate{mutate: fn}
}

func (u HeaderUpdate) apply(old model.HeaderInfo) (model.HeaderInfo, bool) {
	var next model.HeaderInfo
	switch {
	case u.replace != nil:
		next = u.replace.Clone()
	case u.mutate != nil:
		next = old.Clone()
		if !u.mutate(&next) {
			return old, false
		}
	default:
		return old, false
	}
	next.ID, next.Date, next.SUID = old.ID, old.Date, old.SUID
	next.Flags = model.NormalizeFlags(next.Flags)
	return next, !cmp.Equal(old, next, cmpopts.EquateEmpty())
}

func headerKey(date int64, id model.UID) blockstore.Key {
	return blockstore.Key{Date: date, UID: id}
}

// addMessageHeader stores h and tells interested slices about it.
func (s *Storage) addMessageHeader(h model.HeaderInfo, then func(error)) {
	if s.p.deferIfLoading(func() { s.addMessageHeader(h, then) }) {
		return
	}

	// Slice filtering looks at the directory as it was before the insert.
	recipients := s.headerRecipients(h)
	s.headers.insert(h, func(err error) {
		if err != nil {
			s.log.Error().Err(err).Str("suid", h.SUID).Msg("storing header")
			then(err)
			return
		}
		if !h.HasFlag(model.FlagSeen) {
			s.meta.UnreadCount++
		}
		for _, sl := range recipients {
			if sl != s.syncSlice && !sl.hasRange {
				sl.desired++
			}
			sl.onHeaderAdded(h.Clone())
		}
		then(nil)
	})
}

// headerRecipients picks the slices that should see a new header. The
// slice being synced sees everything; others only take headers that land
// inside their envelope or extend an open edge.
func (s *Storage) headerRecipients(h model.HeaderInfo) []*Slice {
	var newestEnd blockstore.Key
	if s.headers.dir.Len() > 0 {
		newestEnd = s.headers.dir.Entries[0].End()
	}

	var out []*Slice
	for _, sl := range s.slices {
		if sl == s.syncSlice {
			out = append(out, sl)
			continue
		}
		if sl.hasRange {
			switch {
			case h.Date < sl.startTS:
				if len(sl.headers) >= sl.desired {
					continue
				}
			case h.Date >= sl.endTS:
				if (blockstore.Key{Date: sl.endTS, UID: sl.endUID}) != newestEnd {
					continue
				}
			case h.Date == sl.startTS && h.ID < sl.startUID,
				h.Date == sl.endTS && h.ID > sl.endUID:
				continue
			}
		}
		out = append(out, sl)
	}
	return out
}

func (s *Storage) addMessageBody(b model.BodyInfo, then func(error)) {
	if s.p.deferIfLoading(func() { s.addMessageBody(b, then) }) {
		return
	}
	s.bodies.insert(b, func(err error) {
		if err != nil {
			s.log.Error().Err(err).Uint32("id", uint32(b.ID)).Msg("storing body")
		}
		then(err)
	})
}

// updateMessageHeader applies upd to the header keyed (date, id) and
// reports whether anything changed.
func (s *Storage) updateMessageHeader(date int64, id model.UID, upd HeaderUpdate, then func(bool)) {
	if s.p.deferIfLoading(func() { s.updateMessageHeader(date, id, upd, then) }) {
		return
	}

	s.headers.find(headerKey(date, id), func(e *blockstore.Entry, blk *blockstore.HeaderBlock, i int, found bool) {
		if !found {
			then(false)
			return
		}
		old := blk.Items[i]
		next, changed := upd.apply(old)
		if !changed {
			then(false)
			return
		}

		wasSeen, isSeen := old.HasFlag(model.FlagSeen), next.HasFlag(model.FlagSeen)
		switch {
		case wasSeen && !isSeen:
			s.meta.UnreadCount++
		case !wasSeen && isSeen && s.meta.UnreadCount > 0:
			s.meta.UnreadCount--
		}

		blk.Items[i] = next
		s.headers.dirty[e.ID] = true
		for _, sl := range s.slices {
			sl.onHeaderModified(next.Clone())
		}
		then(true)
	})
}

// updateMessageBody replaces the stored body keyed (date, id).
func (s *Storage) updateMessageBody(
	date int64,
	id model.UID,
	fn func(*model.BodyInfo),
	then func(bool),
) {
	if s.p.deferIfLoading(func() { s.updateMessageBody(date, id, fn, then) }) {
		return
	}

	s.bodies.find(headerKey(date, id), func(e *blockstore.Entry, blk *blockstore.BodyBlock, i int, found bool) {
		if !found {
			then(false)
			return
		}
		next := blk.Items[i].Clone()
		fn(&next)
		next.ID, next.Date = id, date
		e.EstSize += blockstore.BodyCost(next) - blockstore.BodyCost(blk.Items[i])
		blk.Items[i] = next
		s.bodies.dirty[e.ID] = true
		then(true)
	})
}

// deleteMessage removes a header and its body.
func (s *Storage) deleteMessage(date int64, id model.UID, then func(bool)) {
	if s.p.deferIfLoading(func() { s.deleteMessage(date, id, then) }) {
		return
	}

	k := headerKey(date, id)
	s.headers.remove(k, func(h model.HeaderInfo, ok bool) {
		if !ok {
			then(false)
			return
		}
		if !h.HasFlag(model.FlagSeen) && s.meta.UnreadCount > 0 {
			s.meta.UnreadCount--
		}
		for _, sl := range s.slices {
			sl.onHeaderRemoved(h)
		}
		s.bodies.remove(k, func(model.BodyInfo, bool) {
			then(true)
		})
	})
}

func (s *Storage) getHeader(date int64, id model.UID, then func(*model.HeaderInfo)) {
	s.headers.find(headerKey(date, id), func(_ *blockstore.Entry, blk *blockstore.HeaderBlock, i int, found bool) {
		if !found {
			then(nil)
			return
		}
		h := blk.Items[i].Clone()
		then(&h)
	})
}

func (s *Storage) getMessageBody(date int64, id model.UID, then func(*model.BodyInfo)) {
	s.bodies.find(headerKey(date, id), func(_ *blockstore.Entry, blk *blockstore.BodyBlock, i int, found bool) {
		if !found {
			then(nil)
			return
		}
		b := blk.Items[i].Clone()
		then(&b)
	})
}

// walkHeaders emits headers dated at or after startTS and strictly older
// than upper (no upper bound when bounded is false), newest first, in
// batches as blocks become resident. At most limit headers are emitted
// when limit is positive. emit is called with more=false exactly once.
func (s *Storage) walkHeaders(
	startTS int64,
	upper blockstore.Key,
	bounded bool,
	limit int,
	emit func([]model.HeaderInfo, bool),
) {
	dir := &s.headers.dir
	first := 0
	for bounded && first < dir.Len() && dir.Entries[first].Start().Compare(upper) >= 0 {
		first++
	}

	remaining := limit
	var visit func(idx int)
	visit = func(idx int) {
		if idx >= dir.Len() || dir.Entries[idx].EndTS < startTS {
			emit(nil, false)
			return
		}
		id := dir.Entries[idx].ID

		s.headers.with(id, func(blk *blockstore.HeaderBlock, _ bool) {
			var batch []model.HeaderInfo
			stopped := false
			for _, h := range blk.Items {
				if bounded && headerKey(h.Date, h.ID).Compare(upper) >= 0 {
					continue
				}
				if h.Date < startTS {
					stopped = true
					break
				}
				batch = append(batch, h.Clone())
				if limit > 0 {
					remaining--
					if remaining == 0 {
						stopped = true
						break
					}
				}
			}

			next := dir.IndexOf(id) + 1
			if next == 0 {
				next = idx + 1
			}
			more := !stopped && next < dir.Len() && dir.Entries[next].EndTS >= startTS
			if len(batch) > 0 || !more {
				emit(batch, more)
			}
			if more {
				visit(next)
			}
		})
	}
	visit(first)
}

// messagesInDateRange emits headers dated in [startTS, endTS). An endTS of
// zero is unbounded.
func (s *Storage) messagesInDateRange(
	startTS, endTS int64,
	limit int,
	emit func([]model.HeaderInfo, bool),
) {
	s.walkHeaders(startTS, headerKey(endTS, 0), endTS != 0, limit, emit)
}

// messagesBefore emits up to limit headers older than k.
func (s *Storage) messagesBefore(k blockstore.Key, limit int, emit func([]model.HeaderInfo, bool)) {
	s.walkHeaders(0, k, true, limit, emit)
}

func collect(walk func(emit func([]model.HeaderInfo, bool)), resolve func([]model.HeaderInfo)) {
	var out []model.HeaderInfo
	walk(func(batch []model.HeaderInfo, more bool) {
		out = append(out, batch...)
		if !more {
			resolve(out)
		}
	})
}

type addResult struct {
	h   model.HeaderInfo
	err error
}

// AddMessage assigns h a header id and SUID, stores it and, when body is
// non-nil, its body. It returns the stored header. A header stored whose
// body could not be is returned along with the error.
func (s *Storage) AddMessage(
	ctx context.Context,
	h model.HeaderInfo,
	body *model.BodyInfo,
) (model.HeaderInfo, error) {
	r, err := loop.Call(ctx, s.loop, func(resolve func(addResult)) {
		h.ID = s.issueHeaderID()
		h.SUID = model.MakeSUID(s.meta.ID, h.ID)
		h.Flags = model.NormalizeFlags(h.Flags)

		s.addMessageHeader(h, func(err error) {
			if err != nil {
				resolve(addResult{err: err})
				return
			}
			if body == nil {
				resolve(addResult{h: h})
				return
			}
			b := body.Clone()
			b.ID, b.Date = h.ID, h.Date
			s.addMessageBody(b, func(err error) { resolve(addResult{h: h, err: err}) })
		})
	})
	if err != nil {
		return model.HeaderInfo{}, err
	}
	return r.h, r.err
}

// AddMessageBody stores a body for an existing header.
func (s *Storage) AddMessageBody(ctx context.Context, b model.BodyInfo) error {
	return loop.Do(ctx, s.loop, func(done func(error)) {
		s.addMessageBody(b.Clone(), done)
	})
}

// UpdateMessageHeader applies upd and reports whether the header changed.
func (s *Storage) UpdateMessageHeader(
	ctx context.Context,
	date int64,
	id model.UID,
	upd HeaderUpdate,
) (bool, error) {
	return loop.Call(ctx, s.loop, func(resolve func(bool)) {
		s.updateMessageHeader(date, id, upd, resolve)
	})
}

// UpdateMessageBody mutates a stored body and reports whether it existed.
func (s *Storage) UpdateMessageBody(
	ctx context.Context,
	date int64,
	id model.UID,
	fn func(*model.BodyInfo),
) (bool, error) {
	return loop.Call(ctx, s.loop, func(resolve func(bool)) {
		s.updateMessageBody(date, id, fn, resolve)
	})
}

// DeleteMessage removes a message and reports whether it was stored.
func (s *Storage) DeleteMessage(ctx context.Context, date int64, id model.UID) (bool, error) {
	return loop.Call(ctx, s.loop, func(resolve func(bool)) {
		s.deleteMessage(date, id, resolve)
	})
}

// Header returns the stored header or nil.
func (s *Storage) Header(ctx context.Context, date int64, id model.UID) (*model.HeaderInfo, error) {
	return loop.Call(ctx, s.loop, func(resolve func(*model.HeaderInfo)) {
		s.getHeader(date, id, resolve)
	})
}

// MessageBody returns the stored body or nil.
func (s *Storage) MessageBody(
	ctx context.Context,
	date int64,
	id model.UID,
) (*model.BodyInfo, error) {
	return loop.Call(ctx, s.loop, func(resolve func(*model.BodyInfo)) {
		s.getMessageBody(date, id, resolve)
	})
}

// MessagesInDateRange returns the headers dated in [startTS, endTS), newest
// first. An endTS of zero is unbounded and a limit of zero is unlimited.
func (s *Storage) MessagesInDateRange(
	ctx context.Context,
	startTS, endTS int64,
	limit int,
) ([]model.HeaderInfo, error) {
	return loop.Call(ctx, s.loop, func(resolve func([]model.HeaderInfo)) {
		collect(func(emit func([]model.HeaderInfo, bool)) {
			s.messagesInDateRange(startTS, endTS, limit, emit)
		}, resolve)
	})
}

// MessagesInDateRangeBatched streams the same headers as
// MessagesInDateRange to fn one block at a time. fn runs on the folder's
// loop and must not block.
func (s *Storage) MessagesInDateRangeBatched(
	ctx context.Context,
	startTS, endTS int64,
	limit int,
	fn func(batch []model.HeaderInfo, more bool),
) error {
	return loop.Do(ctx, s.loop, func(done func(error)) {
		s.messagesInDateRange(startTS, endTS, limit, func(batch []model.HeaderInfo, more bool) {
			fn(batch, more)
			if !more {
				done(nil)
			}
		})
	})
}
