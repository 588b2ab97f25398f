package app

import (
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/ui/slicelist"
)

// ArchivePath is the folder the archive action moves messages to.
const ArchivePath = "Archive"

var errNoArchive = errors.New("no " + ArchivePath + " folder")

// folderLookup is the part of an account actions need.
type folderLookup interface {
	FolderByPath(path string) (model.FolderMeta, bool)
}

// buildOperation turns a list action on h into an operation and a verb
// for the status bar.
func buildOperation(
	a slicelist.Action,
	h model.HeaderInfo,
	folders folderLookup,
) (model.Operation, string, error) {
	op := model.Operation{
		Messages: []model.MessageRef{{SUID: h.SUID, Date: h.Date}},
	}

	switch a {
	case slicelist.ActionToggleSeen:
		op.Type = model.OpModTags
		if h.HasFlag(model.FlagSeen) {
			op.RemoveTags = []string{model.FlagSeen}
			return op, "marked unread", nil
		}
		op.AddTags = []string{model.FlagSeen}
		return op, "marked read", nil

	case slicelist.ActionToggleFlag:
		op.Type = model.OpModTags
		if h.HasFlag(model.FlagFlagged) {
			op.RemoveTags = []string{model.FlagFlagged}
			return op, "unflagged", nil
		}
		op.AddTags = []string{model.FlagFlagged}
		return op, "flagged", nil

	case slicelist.ActionArchive:
		target, ok := folders.FolderByPath(ArchivePath)
		if !ok {
			return model.Operation{}, "", errNoArchive
		}
		op.Type = model.OpMove
		op.TargetFolder = target.ID
		return op, "archived", nil

	case slicelist.ActionDelete:
		op.Type = model.OpDelete
		return op, "deleted", nil
	}
	return model.Operation{}, "", fmt.Errorf("unknown action %q", a)
}

// OpEventMsg reports the outcome of an operation's server phase.
type OpEventMsg struct {
	Op  model.Operation
	Err error
}

// OpEvents carries operation outcomes from the queue worker to the UI.
type OpEvents struct {
	ch chan OpEventMsg
}

// NewOpEvents creates an empty event feed.
func NewOpEvents() *OpEvents {
	return &OpEvents{ch: make(chan OpEventMsg, 32)}
}

// Notify records an outcome. It matches the account OnComplete hook and
// drops events when nobody is listening.
func (e *OpEvents) Notify(op model.Operation, err error) {
	select {
	case e.ch <- OpEventMsg{Op: op, Err: err}:
	default:
	}
}

// Chan exposes outcomes to callers outside Bubble Tea.
func (e *OpEvents) Chan() <-chan OpEventMsg {
	return e.ch
}

// Wait returns a tea.Cmd that waits for the next outcome.
func (e *OpEvents) Wait() tea.Cmd {
	return func() tea.Msg {
		return <-e.ch
	}
}
