package slicelist

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nhle/mailsync/internal/folder"
	"github.com/nhle/mailsync/internal/model"
)

// ChangedMsg carries a fresh copy of a slice after it changed.
type ChangedMsg struct {
	Headers []model.HeaderInfo
	Status  folder.Status
	More    bool
}

// Feed mirrors a slice's notifications into a copy the UI can read from
// another goroutine. It never blocks the folder loop; bursts of changes
// coalesce into one ChangedMsg.
type Feed struct {
	mu      sync.Mutex
	headers []model.HeaderInfo
	status  folder.Status
	more    bool
	changed chan struct{}
}

var _ folder.Consumer = (*Feed)(nil)

// NewFeed returns an empty Feed.
func NewFeed() *Feed {
	return &Feed{changed: make(chan struct{}, 1)}
}

func (f *Feed) signal() {
	select {
	case f.changed <- struct{}{}:
	default:
	}
}

// OnSplice replaces howMany headers at index with added.
func (f *Feed) OnSplice(index, howMany int, added []model.HeaderInfo, moreExpected bool) {
	f.mu.Lock()
	tail := append([]model.HeaderInfo(nil), f.headers[index+howMany:]...)
	f.headers = f.headers[:index]
	for _, h := range added {
		f.headers = append(f.headers, h.Clone())
	}
	f.headers = append(f.headers, tail...)
	f.more = moreExpected
	f.mu.Unlock()
	f.signal()
}

// OnUpdate replaces the header at index.
func (f *Feed) OnUpdate(index int, h model.HeaderInfo) {
	f.mu.Lock()
	if index < len(f.headers) {
		f.headers[index] = h.Clone()
	}
	f.mu.Unlock()
	f.signal()
}

// OnStatus records the slice status.
func (f *Feed) OnStatus(s folder.Status) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
	f.signal()
}

// Snapshot returns a copy of the mirrored slice.
func (f *Feed) Snapshot() ChangedMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return ChangedMsg{
		Headers: append([]model.HeaderInfo(nil), f.headers...),
		Status:  f.status,
		More:    f.more,
	}
}

// Wait returns a tea.Cmd that waits for the next change. Call it again
// after handling each ChangedMsg to keep listening.
func (f *Feed) Wait() tea.Cmd {
	return func() tea.Msg {
		<-f.changed
		return f.Snapshot()
	}
}
