// Package app is the interactive mailbox browser.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/account"
	"github.com/nhle/mailsync/internal/folder"
	"github.com/nhle/mailsync/internal/keys"
	"github.com/nhle/mailsync/internal/model"
	appsync "github.com/nhle/mailsync/internal/sync"
	"github.com/nhle/mailsync/internal/theme"
	"github.com/nhle/mailsync/internal/ui"
	"github.com/nhle/mailsync/internal/ui/detail"
	helpview "github.com/nhle/mailsync/internal/ui/help"
	"github.com/nhle/mailsync/internal/ui/slicelist"
)

// ViewState represents the current active view in the application.
type ViewState int

const (
	ViewList ViewState = iota
	ViewDetail
	ViewHelp
)

// opTimeout bounds local work started from the UI.
const opTimeout = 30 * time.Second

var errNoFolders = errors.New("no folders configured")

// sliceOpenedMsg is sent once a folder's slice finished its first fill.
type sliceOpenedMsg struct {
	feed  *slicelist.Feed
	slice *folder.Slice
	err   error
}

// feedMsg wraps a change so stale feeds can be told apart.
type feedMsg struct {
	feed    *slicelist.Feed
	changed slicelist.ChangedMsg
}

type submittedMsg struct {
	id   string
	verb string
	err  error
}

type undoneMsg struct {
	err error
}

type grownMsg struct {
	err error
}

// Options configure the browser.
type Options struct {
	Log zerolog.Logger
	// FillSize is how many headers a folder view starts with and grows by.
	FillSize int
	// Events receives operation outcomes; it may be nil.
	Events *OpEvents
}

// Model is the root Bubble Tea model that manages view routing, the
// open folder and the account's operations.
type Model struct {
	currentView  ViewState
	previousView ViewState
	frame        ui.Frame
	keys         *keys.KeyMap

	universe *account.Universe
	acct     *account.Account
	poller   *appsync.Poller
	events   *OpEvents
	log      zerolog.Logger
	fillSize int

	list     slicelist.Model
	detail   detail.Model
	helpView helpview.Model

	folders   []model.FolderMeta
	folderIdx int
	feed      *slicelist.Feed
	slice     *folder.Slice
	growing   bool

	lastOp string
	notice string
	ready  bool
}

// New creates the browser for one account of u.
func New(u *account.Universe, acct *account.Account, poller *appsync.Poller, opts Options) Model {
	k := keys.DefaultKeyMap()
	if opts.FillSize <= 0 {
		opts.FillSize = 50
	}

	folders := acct.Folders()
	idx := 0
	for i, f := range folders {
		if f.Type == model.FolderTypeInbox {
			idx = i
			break
		}
	}

	m := Model{
		currentView: ViewList,
		frame:       ui.NewFrame(80, 24),
		keys:        k,
		universe:    u,
		acct:        acct,
		poller:      poller,
		events:      opts.Events,
		log:         opts.Log,
		fillSize:    opts.FillSize,
		detail:      detail.New(k, 80, 24),
		helpView:    helpview.New(k, 80, 24),
		folders:     folders,
		folderIdx:   idx,
	}
	m.prepareFolder()
	return m
}

// Init opens the first folder and starts listening for background results.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.openCmd(), m.poller.WaitForResult()}
	if m.events != nil {
		cmds = append(cmds, m.events.Wait())
	}
	return tea.Batch(cmds...)
}

func (m Model) currentFolder() (model.FolderMeta, bool) {
	if m.folderIdx < 0 || m.folderIdx >= len(m.folders) {
		return model.FolderMeta{}, false
	}
	return m.folders[m.folderIdx], true
}

func (m Model) folderTitle() string {
	f, ok := m.currentFolder()
	if !ok {
		return m.acct.ID()
	}
	return m.acct.ID() + " · " + f.Path
}

// prepareFolder gives the current folder a fresh feed and list.
func (m *Model) prepareFolder() {
	m.feed = slicelist.NewFeed()
	w, h := m.frame.Pane()
	m.list = slicelist.New(m.folderTitle(), m.keys, w, h)
}

// openCmd opens the current folder's slice into the current feed.
func (m Model) openCmd() tea.Cmd {
	f, ok := m.currentFolder()
	if !ok {
		return func() tea.Msg {
			return sliceOpenedMsg{feed: m.feed, err: errNoFolders}
		}
	}

	acct, poller, feed, size := m.acct, m.poller, m.feed, m.fillSize
	open := func() tea.Msg {
		ctx := context.Background()
		sl, err := acct.OpenSlice(ctx, f.ID, feed, size)
		if err != nil {
			return sliceOpenedMsg{feed: feed, err: err}
		}
		eng, err := acct.Engine(ctx, f.ID)
		if err == nil {
			poller.Register(eng, sl)
		}
		return sliceOpenedMsg{feed: feed, slice: sl, err: err}
	}
	return tea.Batch(listen(feed), open)
}

func listen(feed *slicelist.Feed) tea.Cmd {
	wait := feed.Wait()
	return func() tea.Msg {
		changed, _ := wait().(slicelist.ChangedMsg)
		return feedMsg{feed: feed, changed: changed}
	}
}

// closeCurrent detaches the open slice.
func (m *Model) closeCurrent() tea.Cmd {
	sl := m.slice
	m.slice = nil
	m.feed = nil
	m.growing = false
	if f, ok := m.currentFolder(); ok {
		m.poller.Unregister(f.ID)
	}
	if sl == nil {
		return nil
	}
	return func() tea.Msg {
		_ = sl.Close(context.Background())
		return nil
	}
}

// Update handles messages and dispatches to the active view.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.frame = ui.NewFrame(msg.Width, msg.Height)
		m.ready = true
		w, h := m.frame.Pane()
		m.list.SetSize(w, h)
		m.detail.SetSize(w, h)
		m.helpView.SetSize(w, h)
		return m, nil

	case sliceOpenedMsg:
		if msg.feed != m.feed {
			// The user moved on while this folder opened.
			if msg.slice != nil {
				sl := msg.slice
				return m, func() tea.Msg {
					_ = sl.Close(context.Background())
					return nil
				}
			}
			return m, nil
		}
		if msg.err != nil {
			m.notice = "open failed: " + msg.err.Error()
			m.log.Warn().Err(msg.err).Msg("opening folder")
		}
		m.slice = msg.slice
		return m, nil

	case feedMsg:
		if msg.feed != m.feed {
			return m, nil
		}
		var cmd tea.Cmd
		m.list, cmd = m.list.Update(msg.changed)
		return m, tea.Batch(cmd, listen(msg.feed))

	case appsync.ResultMsg:
		switch {
		case msg.AuthError:
			m.notice = "authentication failed; run mailsync login"
		case msg.Error != nil:
			m.notice = "refresh failed: " + msg.Error.Error()
		}
		return m, m.poller.WaitForResult()

	case OpEventMsg:
		if msg.Err != nil {
			m.notice = fmt.Sprintf("%s failed on server: %v", msg.Op.Type, msg.Err)
		}
		if m.events == nil {
			return m, nil
		}
		return m, m.events.Wait()

	case submittedMsg:
		if msg.err != nil {
			m.notice = msg.err.Error()
			return m, nil
		}
		m.lastOp = msg.id
		m.notice = msg.verb + " (u to undo)"
		return m, nil

	case undoneMsg:
		if msg.err != nil {
			m.notice = "undo failed: " + msg.err.Error()
		} else {
			m.notice = "undone"
			m.lastOp = ""
		}
		return m, nil

	case grownMsg:
		m.growing = false
		if msg.err != nil {
			if m.acct.Online() {
				m.notice = "loading older mail failed: " + msg.err.Error()
			} else {
				m.notice = "offline: no older mail stored"
			}
		}
		return m, nil

	case slicelist.ActionMsg:
		return m, m.submit(msg.Action, msg.Header)

	case slicelist.SelectedMsg:
		m.previousView = m.currentView
		m.currentView = ViewDetail
		m.detail.SetLoading(true)
		cmds := []tea.Cmd{m.loadBody(msg.Header)}
		if !msg.Header.HasFlag(model.FlagSeen) {
			cmds = append(cmds, m.submit(slicelist.ActionToggleSeen, msg.Header))
		}
		return m, tea.Batch(cmds...)

	case slicelist.MoreMsg:
		if m.slice == nil || m.growing {
			return m, nil
		}
		m.growing = true
		sl, n := m.slice, m.fillSize
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			return grownMsg{err: sl.Grow(ctx, n)}
		}

	case detail.LoadedMsg:
		var cmd tea.Cmd
		m.detail, cmd = m.detail.Update(msg)
		return m, cmd

	case detail.BackMsg:
		m.currentView = ViewList
		return m, nil

	case tea.KeyMsg:
		if cmd, handled := m.handleGlobalKeys(msg); handled {
			return m, cmd
		}
	}

	return m.updateActiveView(msg)
}

// handleGlobalKeys handles keys that work outside the active sub-view.
func (m *Model) handleGlobalKeys(msg tea.KeyMsg) (tea.Cmd, bool) {
	if msg.String() == "ctrl+c" {
		m.poller.Stop()
		return tea.Quit, true
	}

	switch {
	case key.Matches(msg, m.keys.Help):
		if m.currentView == ViewHelp {
			m.currentView = m.previousView
			return nil, true
		}
		m.previousView = m.currentView
		m.currentView = ViewHelp
		m.helpView.SetSyncInfo(m.syncInfo())
		return nil, true

	case key.Matches(msg, m.keys.Back) && m.currentView == ViewHelp:
		m.currentView = m.previousView
		return nil, true
	}

	if m.currentView != ViewList {
		return nil, false
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		m.poller.Stop()
		return tea.Quit, true

	case key.Matches(msg, m.keys.Online):
		online := !m.universe.Online()
		m.universe.SetOnline(online)
		if online {
			m.poller.Start()
			m.poller.RefreshAll()
			m.notice = "online"
		} else {
			m.poller.Stop()
			m.notice = "offline"
		}
		return nil, true

	case key.Matches(msg, m.keys.Refresh):
		f, ok := m.currentFolder()
		if !ok {
			return nil, true
		}
		if !m.acct.Online() {
			m.notice = "offline: press o to go online"
			return nil, true
		}
		m.poller.RefreshFolder(f.ID)
		return nil, true

	case key.Matches(msg, m.keys.Undo):
		if m.lastOp == "" {
			m.notice = "nothing to undo"
			return nil, true
		}
		u, id := m.universe, m.lastOp
		return func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			defer cancel()
			return undoneMsg{err: u.Undo(ctx, id)}
		}, true

	case key.Matches(msg, m.keys.NextFolder):
		if len(m.folders) < 2 {
			return nil, true
		}
		closeCmd := m.closeCurrent()
		m.folderIdx = (m.folderIdx + 1) % len(m.folders)
		m.notice = ""
		m.prepareFolder()
		return tea.Batch(closeCmd, m.openCmd()), true
	}
	return nil, false
}

func (m Model) submit(a slicelist.Action, h model.HeaderInfo) tea.Cmd {
	op, verb, err := buildOperation(a, h, m.acct)
	if err != nil {
		return func() tea.Msg { return submittedMsg{err: err} }
	}
	u, id := m.universe, m.acct.ID()
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		longtermID, err := u.Submit(ctx, id, op)
		return submittedMsg{id: longtermID, verb: verb, err: err}
	}
}

func (m Model) loadBody(h model.HeaderInfo) tea.Cmd {
	acct := m.acct
	return func() tea.Msg {
		folderID, _, ok := model.ParseSUID(h.SUID)
		if !ok {
			return detail.LoadedMsg{Header: h, Err: fmt.Errorf("bad message id %q", h.SUID)}
		}
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		st, err := acct.Storage(ctx, folderID)
		if err != nil {
			return detail.LoadedMsg{Header: h, Err: err}
		}
		body, err := st.MessageBody(ctx, h.Date, h.ID)
		return detail.LoadedMsg{Header: h, Body: body, Err: err}
	}
}

func (m Model) syncInfo() helpview.SyncInfo {
	names := make(map[string]string, len(m.folders))
	for _, f := range m.folders {
		names[f.ID] = f.Path
	}
	return helpview.SyncInfo{
		Online:  m.acct.Online(),
		Pending: m.acct.Queue().Pending(),
		Folders: m.poller.Statuses(),
		Names:   names,
	}
}

// updateActiveView dispatches the message to the currently active view.
func (m Model) updateActiveView(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch m.currentView {
	case ViewList:
		m.list, cmd = m.list.Update(msg)
	case ViewDetail:
		m.detail, cmd = m.detail.Update(msg)
	case ViewHelp:
		m.helpView, cmd = m.helpView.Update(msg)
	}

	return m, cmd
}

// View renders the folder bar, the active pane and the hint bar.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}

	status := string(m.list.Status())
	folderBar := m.frame.FolderBar(
		m.folderTitle(),
		theme.SliceStatusStyle(status).Render(status),
		m.acct.Online(),
	)
	hintBar := m.frame.HintBar(m.keyHints(), m.notice)

	return m.frame.Compose(folderBar, m.renderContent(), hintBar)
}

// renderContent returns the rendered string for the current active view.
func (m Model) renderContent() string {
	switch m.currentView {
	case ViewDetail:
		return m.detail.View()
	case ViewHelp:
		return m.helpView.View()
	default:
		return m.list.View()
	}
}

// keyHints returns keyboard shortcut hints for the status bar.
func (m Model) keyHints() string {
	switch m.currentView {
	case ViewHelp:
		return "? close help | esc back"
	case ViewDetail:
		return "esc back | j/k scroll"
	default:
		return "q quit | ? help | s read | f flag | a archive | d delete | u undo | o online | tab folder"
	}
}
