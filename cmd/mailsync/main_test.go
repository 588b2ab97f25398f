package main

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/blockstore"
	"github.com/nhle/mailsync/internal/model"
)

func TestLimits(t *testing.T) {
	assert.Equal(t, blockstore.DefaultLimits(), limits(0))

	l := limits(90)
	assert.Equal(t, 90, l.MaxBlockSize)
	assert.Equal(t, 30, l.SmallPart)
	assert.Equal(t, 45, l.EqualPart)
	assert.Equal(t, 60, l.LargePart)
}

func TestFormatHeader(t *testing.T) {
	h := model.HeaderInfo{
		SUID:    "demo/0/4",
		Date:    model.Millis(time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local)),
		Author:  model.Address{Address: "ada@example.com"},
		Flags:   []string{model.FlagFlagged},
		Subject: "  ",
	}
	line := formatHeader(h)
	assert.Contains(t, line, "N!*")
	assert.Contains(t, line, "demo/0/4")
	assert.Contains(t, line, "2024-03-01 12:00")
	assert.Contains(t, line, "ada@example.com")
	assert.Contains(t, line, "(no subject)")
}

func TestFormatOperation(t *testing.T) {
	line := formatOperation(model.Operation{
		LongtermID:  "demo/1",
		Type:        model.OpMove,
		Messages:    []model.MessageRef{{SUID: "demo/0/1"}},
		LocalStatus: model.StatusUndone,
		Desire:      model.DesireUndo,
		Error:       "boom",
	})
	assert.Contains(t, line, "queued, undone locally, wants undo")
	assert.Contains(t, line, "1 message(s)")
	assert.Contains(t, line, "error: boom")
}

func TestSyncAgainstDemoServer(t *testing.T) {
	dir := t.TempDir()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{
		"sync", "--fake", "--log-level", "error",
		"--config", filepath.Join(dir, "config.yaml"),
		"--count", "20",
	})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "demo/INBOX")
	assert.Contains(t, out.String(), "demo/Sent")
}

func TestOfflineRejectsSync(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"sync", "--offline", "--fake", "--config", filepath.Join(t.TempDir(), "c.yaml")})
	assert.ErrorIs(t, cmd.Execute(), errNeedsServer)
}
