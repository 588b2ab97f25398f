package model

// OpType names a kind of mutation.
type OpType string

const (
	OpModTags OpType = "modtags"
	OpMove    OpType = "move"
	OpDelete  OpType = "delete"
	OpAppend  OpType = "append"
)

// Desire is the end state an Operation is working toward.
type Desire string

const (
	DesireNone Desire = ""
	DesireDo   Desire = "do"
	DesireUndo Desire = "undo"
)

// OpStatus tracks a single phase (local or server) of an Operation.
type OpStatus string

const (
	StatusNone    OpStatus = ""
	StatusRunning OpStatus = "running"
	StatusDone    OpStatus = "done"
	StatusUndoing OpStatus = "undoing"
	StatusUndone  OpStatus = "undone"

	// StatusSkip marks a server phase that has nothing to do.
	StatusSkip OpStatus = "skip"
)

// AppendMessage is a message to be written to a folder.
type AppendMessage struct {
	Raw   []byte   `json:"raw"`
	Flags []string `json:"flags,omitempty"`
	Date  int64    `json:"date"`
}

// TagChange records the flags an operation actually changed on a message,
// so undo reverts exactly that.
type TagChange struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// MovedMessage maps a message from its source location to where a move
// put it. A zero Target means the message was deleted outright.
type MovedMessage struct {
	Source   MessageRef `json:"source"`
	SrvID    UID        `json:"srvid,omitempty"`
	Target   MessageRef `json:"target"`
	TargetID UID        `json:"targetSrvid,omitempty"`

	// Header is the message as it was before the operation, so undo can
	// restore it even when the target copy is gone.
	Header HeaderInfo `json:"header"`
}

// Operation is a queued mutation with a do/undo lifecycle.
type Operation struct {
	LongtermID string `json:"longtermId"`
	AccountID  string `json:"accountId"`
	Type       OpType `json:"type"`

	Desire      Desire   `json:"desire"`
	Status      OpStatus `json:"status"`
	LocalStatus OpStatus `json:"localStatus"`

	Messages []MessageRef `json:"messages,omitempty"`

	AddTags    []string `json:"addTags,omitempty"`
	RemoveTags []string `json:"removeTags,omitempty"`

	// TargetFolder is the destination folder id for moves and deletes.
	TargetFolder string `json:"targetFolder,omitempty"`

	// FolderID is the destination folder id for appends.
	FolderID string          `json:"folderId,omitempty"`
	Append   []AppendMessage `json:"append,omitempty"`

	// Bookkeeping written by the local and server phases.
	TagChanges map[string]TagChange `json:"tagChanges,omitempty"`
	Moved      []MovedMessage       `json:"moved,omitempty"`
	Appended   []MessageRef         `json:"appended,omitempty"`

	// AppendedUIDs are the server UIDs appends were given, when known.
	AppendedUIDs []UID `json:"appendedUids,omitempty"`

	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
}

// Settled reports whether the operation has nothing left to do and may be
// evicted from history.
func (op *Operation) Settled() bool {
	return op.Desire == DesireNone
}

// Clone returns a copy sharing no slices or maps with op.
func (op Operation) Clone() Operation {
	op.Messages = append([]MessageRef(nil), op.Messages...)
	op.AddTags = append([]string(nil), op.AddTags...)
	op.RemoveTags = append([]string(nil), op.RemoveTags...)
	op.Append = append([]AppendMessage(nil), op.Append...)
	if op.TagChanges != nil {
		changes := make(map[string]TagChange, len(op.TagChanges))
		for k, v := range op.TagChanges {
			changes[k] = v
		}
		op.TagChanges = changes
	}
	op.Moved = append([]MovedMessage(nil), op.Moved...)
	for i := range op.Moved {
		op.Moved[i].Header = op.Moved[i].Header.Clone()
	}
	op.Appended = append([]MessageRef(nil), op.Appended...)
	op.AppendedUIDs = append([]UID(nil), op.AppendedUIDs...)
	return op
}
