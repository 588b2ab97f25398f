package folder

import (
	"context"
	"errors"
	"sort"

	"github.com/nhle/mailsync/internal/blockstore"
	"github.com/nhle/mailsync/internal/loop"
	"github.com/nhle/mailsync/internal/model"
)

// Status is the lifecycle state of a Slice.
type Status string

const (
	StatusOpening       Status = "opening"
	StatusSynchronizing Status = "synchronizing"
	StatusSynced        Status = "synced"
	StatusClosed        Status = "closed"
)

// ErrNoDriver is returned by slice operations that need the server when
// the slice was opened without a driver.
var ErrNoDriver = errors.New("slice has no sync driver")

// Consumer receives a slice's change notifications. Calls arrive on the
// folder's loop goroutine and must not block.
type Consumer interface {
	// OnSplice reports that howMany headers at index were replaced by added.
	OnSplice(index, howMany int, added []model.HeaderInfo, moreExpected bool)
	OnUpdate(index int, header model.HeaderInfo)
	OnStatus(status Status)
}

// Driver brings a slice up to date with the server.
type Driver interface {
	Refresh(ctx context.Context, sl *Slice) error
	GrowSync(ctx context.Context, sl *Slice) error
}

type nopConsumer struct{}

func (nopConsumer) OnSplice(int, int, []model.HeaderInfo, bool) {}
func (nopConsumer) OnUpdate(int, model.HeaderInfo) {}
func (nopConsumer) OnStatus(Status) {}

// Slice is a live window over a folder's headers, newest first. Its state
// belongs to the folder's loop.
type Slice struct {
	st       *Storage
	consumer Consumer
	driver   Driver

	hasRange  bool
	startTS   int64
	startUID  model.UID
	endTS     int64
	endUID    model.UID
	openStart bool
	openEnd   bool

	headers      []model.HeaderInfo
	desired      int
	status       Status
	moreExpected bool
}

// View is a point-in-time copy of a slice.
type View struct {
	StartTS, EndTS     int64
	StartUID, EndUID   model.UID
	OpenStart, OpenEnd bool
	Headers            []model.HeaderInfo
	Desired            int
	Status             Status
}

// OpenSlice attaches a new slice that wants desired headers. The caller
// decides how to populate it; see FillFromStorage and Driver.
func (s *Storage) OpenSlice(
	ctx context.Context,
	consumer Consumer,
	desired int,
	driver Driver,
) (*Slice, error) {
	if consumer == nil {
		consumer = nopConsumer{}
	}
	return loop.Call(ctx, s.loop, func(resolve func(*Slice)) {
		sl := &Slice{
			st:       s,
			consumer: consumer,
			driver:   driver,
			desired:  desired,
			status:   StatusOpening,
		}
		sl.updateFlags()
		s.slices = append(s.slices, sl)
		resolve(sl)
	})
}

// BeginSync makes sl the slice that receives every header added until
// EndSync.
func (s *Storage) BeginSync(ctx context.Context, sl *Slice) error {
	return loop.Do(ctx, s.loop, func(done func(error)) {
		s.syncSlice = sl
		done(nil)
	})
}

// EndSync clears the sync slice if it is still sl.
func (s *Storage) EndSync(ctx context.Context, sl *Slice) error {
	return loop.Do(ctx, s.loop, func(done func(error)) {
		if s.syncSlice == sl {
			s.syncSlice = nil
		}
		done(nil)
	})
}

// Storage returns the folder the slice views.
func (sl *Slice) Storage() *Storage { return sl.st }

func sliceKey(h model.HeaderInfo) blockstore.Key { return headerKey(h.Date, h.ID) }

// search returns where h sits or would be inserted.
func (sl *Slice) search(k blockstore.Key) (int, bool) {
	i := sort.Search(len(sl.headers), func(i int) bool {
		return sliceKey(sl.headers[i]).Compare(k) <= 0
	})
	return i, i < len(sl.headers) && sliceKey(sl.headers[i]).Compare(k) == 0
}

func (sl *Slice) start() blockstore.Key { return blockstore.Key{Date: sl.startTS, UID: sl.startUID} }

func (sl *Slice) end() blockstore.Key { return blockstore.Key{Date: sl.endTS, UID: sl.endUID} }

func (sl *Slice) setStart(k blockstore.Key) { sl.startTS, sl.startUID = k.Date, k.UID }

func (sl *Slice) setEnd(k blockstore.Key) { sl.endTS, sl.endUID = k.Date, k.UID }

func (sl *Slice) expand(k blockstore.Key) {
	if !sl.hasRange {
		sl.hasRange = true
		sl.setStart(k)
		sl.setEnd(k)
		return
	}
	if k.Compare(sl.start()) < 0 {
		sl.setStart(k)
	}
	if k.Compare(sl.end()) > 0 {
		sl.setEnd(k)
	}
}

// covers reports whether the slice's envelope overlaps e.
func (sl *Slice) covers(e *blockstore.Entry) bool {
	if !sl.hasRange {
		return false
	}
	return e.Start().Compare(sl.end()) <= 0 && e.End().Compare(sl.start()) >= 0
}

// updateFlags recomputes whether the slice reaches the newest stored
// header and whether there is nothing older to fetch.
func (sl *Slice) updateFlags() {
	dir := &sl.st.headers.dir
	n := dir.Len()
	if !sl.hasRange || n == 0 {
		sl.openEnd = true
		sl.openStart = sl.st.meta.SyncedToDawnOfTime
		return
	}
	sl.openEnd = sl.end().Compare(dir.Entries[0].End()) >= 0
	sl.openStart = sl.st.meta.SyncedToDawnOfTime && sl.start().Compare(dir.Entries[n-1].Start()) <= 0
}

func (sl *Slice) onHeaderAdded(h model.HeaderInfo) {
	if sl.status == StatusClosed {
		return
	}
	k := sliceKey(h)
	i, found := sl.search(k)
	if found {
		return
	}
	full := len(sl.headers) >= sl.desired
	if full && i == len(sl.headers) {
		return
	}
	if full {
		sl.desired++
	}

	sl.expand(k)
	sl.headers = append(sl.headers, model.HeaderInfo{})
	copy(sl.headers[i+1:], sl.headers[i:])
	sl.headers[i] = h
	sl.updateFlags()
	sl.consumer.OnSplice(i, 0, []model.HeaderInfo{h}, sl.moreExpected)
}

func (sl *Slice) onHeaderModified(h model.HeaderInfo) {
	if sl.status == StatusClosed {
		return
	}
	i, found := sl.search(sliceKey(h))
	if !found {
		return
	}
	sl.headers[i] = h
	sl.consumer.OnUpdate(i, h)
}

func (sl *Slice) onHeaderRemoved(h model.HeaderInfo) {
	if sl.status == StatusClosed {
		return
	}
	i, found := sl.search(sliceKey(h))
	if !found {
		return
	}
	sl.headers = append(sl.headers[:i], sl.headers[i+1:]...)

	n := len(sl.headers)
	switch {
	case n == 0:
		// Empty slices have no envelope and take the next header offered.
		sl.hasRange = false
		sl.setStart(blockstore.Key{})
		sl.setEnd(blockstore.Key{})
	case i == 0:
		sl.setEnd(sliceKey(sl.headers[0]))
	case i == n:
		sl.setStart(sliceKey(sl.headers[n-1]))
	}
	sl.updateFlags()
	sl.consumer.OnSplice(i, 1, nil, sl.moreExpected)
}

// batchAppendHeaders adds older headers at the tail.
func (sl *Slice) batchAppendHeaders(hs []model.HeaderInfo, more bool) {
	if sl.status == StatusClosed {
		return
	}
	sl.moreExpected = more
	if len(hs) == 0 {
		return
	}
	if !sl.hasRange {
		sl.hasRange = true
		sl.setEnd(sliceKey(hs[0]))
	}
	sl.setStart(sliceKey(hs[len(hs)-1]))

	idx := len(sl.headers)
	sl.headers = append(sl.headers, hs...)
	if len(sl.headers) > sl.desired {
		sl.desired = len(sl.headers)
	}
	sl.updateFlags()
	sl.consumer.OnSplice(idx, 0, hs, more)
}

func (sl *Slice) setStatus(status Status, more bool) {
	if sl.status == StatusClosed {
		return
	}
	sl.status = status
	sl.moreExpected = more
	sl.consumer.OnStatus(status)
}

func (sl *Slice) view() View {
	v := View{
		StartTS:   sl.startTS,
		StartUID:  sl.startUID,
		EndTS:     sl.endTS,
		EndUID:    sl.endUID,
		OpenStart: sl.openStart,
		OpenEnd:   sl.openEnd,
		Headers:   make([]model.HeaderInfo, len(sl.headers)),
		Desired:   sl.desired,
		Status:    sl.status,
	}
	for i, h := range sl.headers {
		v.Headers[i] = h.Clone()
	}
	return v
}

// View returns a copy of the slice's current state.
func (sl *Slice) View(ctx context.Context) (View, error) {
	return loop.Call(ctx, sl.st.loop, func(resolve func(View)) {
		resolve(sl.view())
	})
}

// SetStatus moves the slice to status and notifies its consumer.
func (sl *Slice) SetStatus(ctx context.Context, status Status, moreExpected bool) error {
	return loop.Do(ctx, sl.st.loop, func(done func(error)) {
		sl.setStatus(status, moreExpected)
		done(nil)
	})
}

// FillFromStorage loads the newest headers the slice wants from storage
// and returns how many it got.
func (sl *Slice) FillFromStorage(ctx context.Context) (int, error) {
	return loop.Call(ctx, sl.st.loop, func(resolve func(int)) {
		if sl.desired <= 0 {
			resolve(0)
			return
		}
		n := 0
		sl.st.messagesInDateRange(0, 0, sl.desired, func(batch []model.HeaderInfo, more bool) {
			n += len(batch)
			sl.batchAppendHeaders(batch, more)
			if !more {
				resolve(n)
			}
		})
	})
}

// growFromStorage appends up to count headers older than the slice.
func (sl *Slice) growFromStorage(ctx context.Context, count int) (int, error) {
	if count <= 0 {
		return 0, nil
	}
	return loop.Call(ctx, sl.st.loop, func(resolve func(int)) {
		n := 0
		emit := func(batch []model.HeaderInfo, more bool) {
			n += len(batch)
			sl.batchAppendHeaders(batch, more)
			if !more {
				resolve(n)
			}
		}
		if !sl.hasRange {
			sl.st.messagesInDateRange(0, 0, count, emit)
			return
		}
		sl.st.messagesBefore(sl.start(), count, emit)
	})
}

// AbsorbRange offers the slice every stored header dated in [startTS,
// endTS) it does not hold yet. Sync uses it after a step so headers that
// were already known, and so never announced as added, still reach the
// slice being grown.
func (sl *Slice) AbsorbRange(ctx context.Context, startTS, endTS int64) (int, error) {
	return loop.Call(ctx, sl.st.loop, func(resolve func(int)) {
		before := len(sl.headers)
		sl.st.messagesInDateRange(startTS, endTS, 0, func(batch []model.HeaderInfo, more bool) {
			for _, h := range batch {
				sl.onHeaderAdded(h)
			}
			if !more {
				resolve(len(sl.headers) - before)
			}
		})
	})
}

// Grow extends the slice by count older headers, taking them from storage
// first and syncing further back when storage runs out.
func (sl *Slice) Grow(ctx context.Context, count int) error {
	got, err := sl.growFromStorage(ctx, count)
	if err != nil {
		return err
	}
	if got >= count {
		return nil
	}

	v, err := sl.View(ctx)
	if err != nil {
		return err
	}
	if v.OpenStart {
		return nil
	}
	if sl.driver == nil {
		return ErrNoDriver
	}
	if err := sl.addDesired(ctx, count-got); err != nil {
		return err
	}
	return sl.driver.GrowSync(ctx, sl)
}

func (sl *Slice) addDesired(ctx context.Context, n int) error {
	return loop.Do(ctx, sl.st.loop, func(done func(error)) {
		sl.desired += n
		done(nil)
	})
}

// Refresh re-syncs the slice's envelope against the server.
func (sl *Slice) Refresh(ctx context.Context) error {
	if sl.driver == nil {
		return ErrNoDriver
	}
	return sl.driver.Refresh(ctx, sl)
}

// Close detaches the slice. No notifications follow the closed status.
func (sl *Slice) Close(ctx context.Context) error {
	return loop.Do(ctx, sl.st.loop, func(done func(error)) {
		st := sl.st
		for i, other := range st.slices {
			if other == sl {
				st.slices = append(st.slices[:i], st.slices[i+1:]...)
				break
			}
		}
		if st.syncSlice == sl {
			st.syncSlice = nil
		}
		sl.setStatus(StatusClosed, false)
		done(nil)
	})
}
