package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/blockstore"
	"github.com/nhle/mailsync/internal/model"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()

	sq, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	bo, err := NewBoltStore(filepath.Join(t.TempDir(), "mail.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, sq.Close())
		assert.NoError(t, bo.Close())
	})
	return map[string]Backend{"sqlite": sq, "bolt": bo}
}

func sampleSave() FolderSave {
	hdr := &blockstore.HeaderBlock{
		UIDs:  []model.UID{2, 1},
		Items: []model.HeaderInfo{{ID: 2, Date: 20, Flags: []string{model.FlagSeen}}, {ID: 1, Date: 10}},
	}
	body := &blockstore.BodyBlock{
		UIDs:  []model.UID{2},
		Items: []model.BodyInfo{{ID: 2, Date: 20, BodyText: "hello"}},
	}
	return FolderSave{
		State: FolderState{
			Meta: model.FolderMeta{ID: "acct/0", AccountID: "acct", Path: "INBOX", Type: model.FolderTypeInbox, NextHeaderID: 3},
			Headers: blockstore.Directory{NextID: 1, Entries: []*blockstore.Entry{
				{ID: 0, StartTS: 10, StartUID: 1, EndTS: 20, EndUID: 2, Count: 2, EstSize: 600},
			}},
			Bodies: blockstore.Directory{NextID: 1, Entries: []*blockstore.Entry{
				{ID: 0, StartTS: 20, StartUID: 2, EndTS: 20, EndUID: 2, Count: 1, EstSize: 6},
			}},
			Accuracy: []model.AccuracyRange{{StartTS: 0, EndTS: 100, FullSync: model.FullSync{HighestModseq: 7, UpdatedAt: 99}}},
		},
		DirtyHeaders: map[int]*blockstore.HeaderBlock{0: hdr},
		DirtyBodies:  map[int]*blockstore.BodyBlock{0: body},
	}
}

func TestFolderRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.LoadFolderState(ctx, "acct/0")
			require.ErrorIs(t, err, ErrNotFound)

			save := sampleSave()
			require.NoError(t, b.SaveFolderState(ctx, "acct/0", save))

			st, err := b.LoadFolderState(ctx, "acct/0")
			require.NoError(t, err)
			if diff := cmp.Diff(save.State, *st); diff != "" {
				t.Fatalf("folder state mismatch (-want +got):\n%s", diff)
			}

			hdr, err := b.LoadHeaderBlock(ctx, "acct/0", 0)
			require.NoError(t, err)
			assert.Equal(t, save.DirtyHeaders[0], hdr)

			body, err := b.LoadBodyBlock(ctx, "acct/0", 0)
			require.NoError(t, err)
			assert.Equal(t, "hello", body.Items[0].BodyText)

			metas, err := b.ListFolders(ctx, "acct")
			require.NoError(t, err)
			require.Len(t, metas, 1)
			assert.Equal(t, "INBOX", metas[0].Path)
		})
	}
}

func TestDeletedBlocksAreDropped(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.SaveFolderState(ctx, "acct/0", sampleSave()))

			next := sampleSave()
			next.DirtyHeaders = map[int]*blockstore.HeaderBlock{0: nil}
			next.DirtyBodies = nil
			next.DeletedBodies = []int{0}
			require.NoError(t, b.SaveFolderState(ctx, "acct/0", next))

			_, err := b.LoadHeaderBlock(ctx, "acct/0", 0)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = b.LoadBodyBlock(ctx, "acct/0", 0)
			assert.ErrorIs(t, err, ErrNotFound)

			// Saving the folder again must not take its blocks with it.
			require.NoError(t, b.SaveFolderState(ctx, "acct/0", sampleSave()))
			require.NoError(t, b.SaveFolderState(ctx, "acct/0", FolderSave{State: sampleSave().State}))
			_, err = b.LoadHeaderBlock(ctx, "acct/0", 0)
			assert.NoError(t, err)

			require.NoError(t, b.DeleteFolder(ctx, "acct/0"))
			_, err = b.LoadFolderState(ctx, "acct/0")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestOperationsRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ops, err := b.LoadOperations(ctx, "acct")
			require.NoError(t, err)
			assert.Empty(t, ops)

			want := []model.Operation{
				{LongtermID: "acct/1", AccountID: "acct", Type: model.OpModTags, Desire: model.DesireDo, AddTags: []string{model.FlagSeen}},
				{LongtermID: "acct/2", AccountID: "acct", Type: model.OpMove, Status: model.StatusDone, TargetFolder: "acct/1"},
			}
			require.NoError(t, b.SaveOperations(ctx, "acct", want))
			require.NoError(t, b.SaveOperations(ctx, "acct", want))

			got, err := b.LoadOperations(ctx, "acct")
			require.NoError(t, err)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("operations mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
