package app

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/account"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/protocol"
	"github.com/nhle/mailsync/internal/protocol/fake"
	appsync "github.com/nhle/mailsync/internal/sync"
	"github.com/nhle/mailsync/internal/testutil"
	"github.com/nhle/mailsync/internal/ui/detail"
	"github.com/nhle/mailsync/internal/ui/slicelist"
)

type pathFolders map[string]model.FolderMeta

func (p pathFolders) FolderByPath(path string) (model.FolderMeta, bool) {
	f, ok := p[path]
	return f, ok
}

func TestBuildOperation(t *testing.T) {
	h := model.HeaderInfo{ID: 3, SUID: "acct/0/3", Date: 1000, Flags: []string{model.FlagSeen}}
	folders := pathFolders{"Archive": {ID: "acct/1", Path: "Archive"}}

	op, verb, err := buildOperation(slicelist.ActionToggleSeen, h, folders)
	require.NoError(t, err)
	assert.Equal(t, model.OpModTags, op.Type)
	assert.Equal(t, []string{model.FlagSeen}, op.RemoveTags)
	assert.Empty(t, op.AddTags)
	assert.Equal(t, "marked unread", verb)
	assert.Equal(t, []model.MessageRef{{SUID: "acct/0/3", Date: 1000}}, op.Messages)

	op, _, err = buildOperation(slicelist.ActionToggleFlag, h, folders)
	require.NoError(t, err)
	assert.Equal(t, []string{model.FlagFlagged}, op.AddTags)

	op, _, err = buildOperation(slicelist.ActionArchive, h, folders)
	require.NoError(t, err)
	assert.Equal(t, model.OpMove, op.Type)
	assert.Equal(t, "acct/1", op.TargetFolder)

	_, _, err = buildOperation(slicelist.ActionArchive, h, pathFolders{})
	assert.ErrorIs(t, err, errNoArchive)

	op, _, err = buildOperation(slicelist.ActionDelete, h, folders)
	require.NoError(t, err)
	assert.Equal(t, model.OpDelete, op.Type)
	assert.Empty(t, op.TargetFolder)

	_, _, err = buildOperation("bogus", h, folders)
	assert.Error(t, err)
}

func TestOpEventsDropWhenFull(t *testing.T) {
	e := NewOpEvents()
	for i := 0; i < 40; i++ {
		e.Notify(model.Operation{LongtermID: "x"}, nil)
	}
	msg := e.Wait()()
	assert.Equal(t, "x", msg.(OpEventMsg).Op.LongtermID)
}

// collect runs the commands of cmd concurrently and returns the first n
// messages they produce.
func collect(t *testing.T, cmd tea.Cmd, n int) []tea.Msg {
	t.Helper()
	out := make(chan tea.Msg, 16)
	var start func(tea.Cmd)
	start = func(c tea.Cmd) {
		if c == nil {
			return
		}
		go func() {
			msg := c()
			if batch, ok := msg.(tea.BatchMsg); ok {
				for _, sub := range batch {
					start(sub)
				}
				return
			}
			if msg != nil {
				out <- msg
			}
		}()
	}
	start(cmd)

	var msgs []tea.Msg
	for len(msgs) < n {
		select {
		case msg := <-out:
			msgs = append(msgs, msg)
		case <-time.After(5 * time.Second):
			t.Fatalf("got %d of %d messages", len(msgs), n)
		}
	}
	return msgs
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(Model)
	require.True(t, ok)
	return nm, cmd
}

func TestBrowserWorksOffline(t *testing.T) {
	ctx := testutil.Context(t)
	srv := fake.NewServer()
	srv.AddFolder("Archive")

	cfg := model.AccountConfig{
		ID:      "work",
		Enabled: true,
		Folders: []model.FolderConfig{
			{Path: "INBOX", Type: model.FolderTypeInbox},
			{Path: "Archive"},
		},
	}
	acct, err := account.Open(ctx, cfg, testutil.NewTestStore(t), protocol.DialerFunc(srv.Dial), account.Options{Log: zerolog.Nop()})
	require.NoError(t, err)
	u := account.NewUniverse(zerolog.Nop())
	require.NoError(t, u.Add(acct))
	t.Cleanup(func() { _ = u.Close(ctx) })

	st, err := acct.Storage(ctx, "work/0")
	require.NoError(t, err)
	stored, err := st.AddMessage(ctx, model.HeaderInfo{SrvID: 7, Date: 5000, Subject: "stored"}, &model.BodyInfo{BodyText: "hello"})
	require.NoError(t, err)

	m := New(u, acct, appsync.NewPoller(time.Hour, zerolog.Nop()), Options{Log: zerolog.Nop(), FillSize: 10})

	var opened bool
	for _, msg := range collect(t, m.openCmd(), 2) {
		if o, ok := msg.(sliceOpenedMsg); ok {
			require.NoError(t, o.err)
			opened = true
		}
		m, _ = update(t, m, msg)
	}
	require.True(t, opened)
	require.NotNil(t, m.slice)
	// The open may have signalled twice; the status change is the last one.
	m, _ = update(t, m, feedMsg{feed: m.feed, changed: m.feed.Snapshot()})
	assert.Equal(t, 1, m.list.Len())

	sel, ok := m.list.Selected()
	require.True(t, ok)
	assert.Equal(t, "stored", sel.Subject)

	m, cmd := update(t, m, slicelist.ActionMsg{Action: slicelist.ActionToggleFlag, Header: sel})
	require.NotNil(t, cmd)
	m, _ = update(t, m, cmd())
	assert.NotEmpty(t, m.lastOp)
	assert.Equal(t, 1, acct.Queue().Pending())

	h, err := st.Header(ctx, stored.Date, stored.ID)
	require.NoError(t, err)
	assert.True(t, h.HasFlag(model.FlagFlagged))
	assert.Zero(t, srv.Calls("store"))

	m, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("u")})
	require.NotNil(t, cmd)
	m, _ = update(t, m, cmd())
	assert.Equal(t, "undone", m.notice)
	assert.Zero(t, acct.Queue().Pending())

	h, err = st.Header(ctx, stored.Date, stored.ID)
	require.NoError(t, err)
	assert.False(t, h.HasFlag(model.FlagFlagged))

	// Opening the message loads its stored body.
	_, cmd = update(t, m, slicelist.SelectedMsg{Header: *h})
	require.NotNil(t, cmd)
	var body string
	for _, msg := range collect(t, cmd, 2) {
		if loaded, ok := msg.(detail.LoadedMsg); ok {
			require.NoError(t, loaded.Err)
			require.NotNil(t, loaded.Body)
			body = loaded.Body.BodyText
		}
	}
	assert.Equal(t, "hello", body)
}
