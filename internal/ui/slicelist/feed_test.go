package slicelist

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/folder"
	"github.com/nhle/mailsync/internal/keys"
	"github.com/nhle/mailsync/internal/model"
)

func hdr(id model.UID, subject string, flags ...string) model.HeaderInfo {
	return model.HeaderInfo{
		ID:      id,
		SrvID:   id + 100,
		SUID:    model.MakeSUID("acct/0", id),
		Date:    int64(1000 - id),
		Subject: subject,
		Flags:   flags,
	}
}

func subjects(hs []model.HeaderInfo) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.Subject
	}
	return out
}

func TestFeedAppliesSplices(t *testing.T) {
	f := NewFeed()
	f.OnSplice(0, 0, []model.HeaderInfo{hdr(1, "a"), hdr(2, "b"), hdr(4, "d")}, true)
	f.OnSplice(2, 0, []model.HeaderInfo{hdr(3, "c")}, true)
	f.OnSplice(0, 1, nil, false)

	got := f.Snapshot()
	assert.Equal(t, []string{"b", "c", "d"}, subjects(got.Headers))
	assert.False(t, got.More)

	f.OnUpdate(1, hdr(3, "c2", model.FlagSeen))
	f.OnUpdate(9, hdr(9, "ignored"))
	f.OnStatus(folder.StatusSynced)

	got = f.Snapshot()
	assert.Equal(t, []string{"b", "c2", "d"}, subjects(got.Headers))
	assert.Equal(t, folder.StatusSynced, got.Status)
}

func TestFeedDoesNotAliasSpliceInput(t *testing.T) {
	f := NewFeed()
	added := []model.HeaderInfo{hdr(1, "a", model.FlagSeen)}
	f.OnSplice(0, 0, added, false)

	added[0].Subject = "changed"
	added[0].Flags[0] = model.FlagFlagged

	got := f.Snapshot()
	assert.Equal(t, "a", got.Headers[0].Subject)
	assert.Equal(t, []string{model.FlagSeen}, got.Headers[0].Flags)
}

func TestFeedWaitCoalescesBursts(t *testing.T) {
	f := NewFeed()
	for i := model.UID(1); i <= 5; i++ {
		f.OnSplice(int(i-1), 0, []model.HeaderInfo{hdr(i, "m")}, false)
	}

	done := make(chan tea.Msg, 1)
	go func() { done <- f.Wait()() }()

	select {
	case msg := <-done:
		changed, ok := msg.(ChangedMsg)
		require.True(t, ok)
		assert.Len(t, changed.Headers, 5)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait never returned")
	}

	// The burst produced a single pending signal.
	select {
	case <-f.changed:
		t.Fatal("unexpected second signal")
	default:
	}
}

func TestModelEmitsActionsForSelectedHeader(t *testing.T) {
	m := New("INBOX", keys.DefaultKeyMap(), 80, 20)
	m, _ = m.Update(ChangedMsg{
		Headers: []model.HeaderInfo{hdr(1, "first"), hdr(2, "second")},
		Status:  folder.StatusSynced,
	})
	require.Equal(t, 2, m.Len())
	assert.Equal(t, folder.StatusSynced, m.Status())

	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	sel, ok := m.Selected()
	require.True(t, ok)
	assert.Equal(t, "second", sel.Subject)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("d")})
	require.NotNil(t, cmd)
	assert.Equal(t, ActionMsg{Action: ActionDelete, Header: hdr(2, "second")}, cmd())

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	assert.Equal(t, SelectedMsg{Header: hdr(2, "second")}, cmd())
}

func TestModelKeepsCursorOnMessageAcrossChanges(t *testing.T) {
	m := New("INBOX", keys.DefaultKeyMap(), 80, 20)
	m, _ = m.Update(ChangedMsg{Headers: []model.HeaderInfo{hdr(2, "b"), hdr(3, "c")}})
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})

	// A newer message arrives above the cursor.
	m, _ = m.Update(ChangedMsg{Headers: []model.HeaderInfo{hdr(1, "a"), hdr(2, "b"), hdr(3, "c")}})
	sel, ok := m.Selected()
	require.True(t, ok)
	assert.Equal(t, "c", sel.Subject)
}

func TestShortDate(t *testing.T) {
	now := time.Date(2024, time.June, 15, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "09:30", shortDate(time.Date(2024, time.June, 15, 9, 30, 0, 0, time.UTC), now))
	assert.Equal(t, "Mar 02", shortDate(time.Date(2024, time.March, 2, 9, 30, 0, 0, time.UTC), now))
	assert.Equal(t, "2023-12-31", shortDate(time.Date(2023, time.December, 31, 9, 0, 0, 0, time.UTC), now))
}
