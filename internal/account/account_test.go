package account

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/folder"
	"github.com/nhle/mailsync/internal/jobs"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/protocol"
	"github.com/nhle/mailsync/internal/protocol/fake"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/testutil"
)

var testNow = time.Date(2024, time.June, 15, 12, 0, 0, 0, time.UTC)

func testConfig() model.AccountConfig {
	return model.AccountConfig{
		ID:       "work",
		Host:     "imap.example.com",
		Username: "me",
		Enabled:  true,
		Folders: []model.FolderConfig{
			{Path: "INBOX", Type: model.FolderTypeInbox},
			{Path: "Archive"},
			{Path: "Trash", Type: model.FolderTypeTrash},
		},
	}
}

func openAccount(
	t *testing.T,
	cfg model.AccountConfig,
	backend store.Backend,
	srv *fake.Server,
) *Account {
	t.Helper()
	a, err := Open(testutil.Context(t), cfg, backend, protocol.DialerFunc(srv.Dial), Options{
		Log: zerolog.Nop(),
		Now: func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return a
}

func newServer() *fake.Server {
	srv := fake.NewServer()
	srv.AddFolder("Archive")
	srv.AddFolder("Trash")
	return srv
}

func TestMergeFoldersKeepsKnownIDs(t *testing.T) {
	known := []model.FolderMeta{
		{ID: "work/0", AccountID: "work", Path: "INBOX", Type: model.FolderTypeInbox, NextHeaderID: 42},
		{ID: "work/3", AccountID: "work", Path: "Old", Type: model.FolderTypeNormal},
	}
	metas := mergeFolders(testConfig(), known)
	require.Len(t, metas, 3)

	assert.Equal(t, "work/0", metas[0].ID)
	assert.Equal(t, model.UID(42), metas[0].NextHeaderID)
	assert.Equal(t, model.FolderMeta{ID: "work/4", AccountID: "work", Path: "Archive", Type: model.FolderTypeNormal}, metas[1])
	assert.Equal(t, model.FolderMeta{ID: "work/5", AccountID: "work", Path: "Trash", Type: model.FolderTypeTrash}, metas[2])
}

func TestOpenSliceOnlineRunsFirstSync(t *testing.T) {
	ctx := testutil.Context(t)
	srv := newServer()
	for d := 1; d <= 4; d++ {
		srv.Add("INBOX", fake.Message{Date: testNow.AddDate(0, 0, -d), Subject: "recent", Text: "hi"})
	}

	a := openAccount(t, testConfig(), testutil.NewTestStore(t), srv)
	t.Cleanup(func() { _ = a.Close(ctx) })
	a.SetOnline(true)

	inbox, ok := a.FolderOfType(model.FolderTypeInbox)
	require.True(t, ok)
	sl, err := a.OpenSlice(ctx, inbox.ID, nil, 4)
	require.NoError(t, err)

	v, err := sl.View(ctx)
	require.NoError(t, err)
	assert.Len(t, v.Headers, 4)
	assert.Equal(t, folder.StatusSynced, v.Status)

	// Reopening refreshes instead of growing from scratch.
	require.NoError(t, sl.Close(ctx))
	searches := srv.Calls("search")
	sl, err = a.OpenSlice(ctx, inbox.ID, nil, 4)
	require.NoError(t, err)
	v, err = sl.View(ctx)
	require.NoError(t, err)
	assert.Len(t, v.Headers, 4)
	assert.Equal(t, searches+1, srv.Calls("search"))
}

func TestOpenSliceOfflineServesStorageOnly(t *testing.T) {
	ctx := testutil.Context(t)
	srv := newServer()
	srv.Add("INBOX", fake.Message{Date: testNow.AddDate(0, 0, -1), Subject: "unseen"})

	a := openAccount(t, testConfig(), testutil.NewTestStore(t), srv)
	t.Cleanup(func() { _ = a.Close(ctx) })

	sl, err := a.OpenSlice(ctx, "work/0", nil, 10)
	require.NoError(t, err)
	v, err := sl.View(ctx)
	require.NoError(t, err)
	assert.Empty(t, v.Headers)
	assert.Equal(t, folder.StatusSynced, v.Status)
	assert.Zero(t, srv.Calls("dial"))
}

func TestUnknownFolder(t *testing.T) {
	ctx := testutil.Context(t)
	a := openAccount(t, testConfig(), testutil.NewTestStore(t), newServer())
	t.Cleanup(func() { _ = a.Close(ctx) })

	_, err := a.Storage(ctx, "work/9")
	assert.ErrorIs(t, err, ErrUnknownFolder)
}

func TestFoldersPersistAcrossReopen(t *testing.T) {
	ctx := testutil.Context(t)
	backend := testutil.NewTestStore(t)
	srv := newServer()

	a := openAccount(t, testConfig(), backend, srv)
	st, err := a.Storage(ctx, "work/2")
	require.NoError(t, err)
	_, err = st.AddMessage(ctx, model.HeaderInfo{Date: model.Millis(testNow), Subject: "kept"}, nil)
	require.NoError(t, err)
	require.NoError(t, a.Close(ctx))

	cfg := testConfig()
	cfg.Folders = []model.FolderConfig{
		{Path: "Trash", Type: model.FolderTypeTrash},
		{Path: "Sent", Type: model.FolderTypeSent},
	}
	a = openAccount(t, cfg, backend, srv)
	t.Cleanup(func() { _ = a.Close(ctx) })

	trash, ok := a.FolderByPath("trash")
	require.True(t, ok)
	assert.Equal(t, "work/2", trash.ID)
	sent, ok := a.FolderOfType(model.FolderTypeSent)
	require.True(t, ok)
	assert.Equal(t, "work/3", sent.ID)

	st, err = a.Storage(ctx, "work/2")
	require.NoError(t, err)
	hs, err := st.MessagesInDateRange(ctx, 0, 0, 0)
	require.NoError(t, err)
	require.Len(t, hs, 1)
	assert.Equal(t, "kept", hs[0].Subject)
}

func TestUniverseRoutesOperationsAndOnlineState(t *testing.T) {
	ctx := testutil.Context(t)
	srv := newServer()
	uid := srv.Add("INBOX", fake.Message{Date: testNow.AddDate(0, 0, -1), Subject: "flag me"})

	a := openAccount(t, testConfig(), testutil.NewTestStore(t), srv)
	u := NewUniverse(zerolog.Nop())
	t.Cleanup(func() { _ = u.Close(ctx) })
	require.NoError(t, u.Add(a))
	require.Error(t, u.Add(a))
	assert.False(t, a.Online())

	st, err := a.Storage(ctx, "work/0")
	require.NoError(t, err)
	h, err := st.AddMessage(ctx, model.HeaderInfo{SrvID: uid, Date: model.Millis(testNow.AddDate(0, 0, -1)), Subject: "flag me"}, nil)
	require.NoError(t, err)

	id, err := u.Submit(ctx, "work", model.Operation{
		Type:     model.OpModTags,
		Messages: []model.MessageRef{{SUID: h.SUID, Date: h.Date}},
		AddTags:  []string{model.FlagFlagged},
	})
	require.NoError(t, err)
	assert.Zero(t, srv.Calls("store"))

	u.SetOnline(true)
	assert.True(t, a.Online())
	drained := make(chan struct{})
	require.NoError(t, u.WaitForDrain("work", func() { close(drained) }))
	select {
	case <-drained:
	case <-ctx.Done():
		t.Fatal("queue never drained")
	}
	assert.Equal(t, []string{model.FlagFlagged}, srv.Messages("INBOX")[0].Flags)

	require.NoError(t, u.Undo(ctx, id))
	require.NoError(t, a.Queue().Drain(ctx))
	assert.Empty(t, srv.Messages("INBOX")[0].Flags)

	assert.ErrorIs(t, u.Undo(ctx, "nobody/123"), ErrUnknownAccount)
	assert.ErrorIs(t, u.Undo(ctx, "garbage"), jobs.ErrUnknownOperation)
	_, err = u.Submit(ctx, "nobody", model.Operation{})
	assert.ErrorIs(t, err, ErrUnknownAccount)
}
