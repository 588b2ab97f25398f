package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
)

func TestValidators(t *testing.T) {
	assert.NoError(t, validatePort("993"))
	assert.Error(t, validatePort(""))
	assert.Error(t, validatePort("imap"))
	assert.Error(t, validatePort("70000"))

	assert.NoError(t, validateID("work"))
	assert.Error(t, validateID("  "))
	assert.Error(t, validateID("work/home"))

	assert.Error(t, validateRequired("Host")(" "))
	assert.NoError(t, validateRequired("Host")("imap.example.com"))
}

func TestDraftRoundTrip(t *testing.T) {
	d := NewAccountDraft(nil)
	assert.Equal(t, "993", d.Port)
	assert.True(t, d.TLS)

	d.ID = " work "
	d.Host = "imap.example.com"
	d.Username = "me"

	var acct model.AccountConfig
	d.Apply(&acct)
	assert.Equal(t, "work", acct.ID)
	assert.Equal(t, "work", acct.Name)
	assert.True(t, acct.Enabled)
	require.Len(t, acct.Folders, 1)
	assert.Equal(t, model.FolderTypeInbox, acct.Folders[0].Type)

	again := NewAccountDraft(&acct)
	assert.Equal(t, "imap.example.com", again.Host)
	assert.Empty(t, again.Password)
}
