package model

// FolderType classifies a folder for the operations that care about it.
type FolderType string

const (
	FolderTypeInbox  FolderType = "inbox"
	FolderTypeTrash  FolderType = "trash"
	FolderTypeSent   FolderType = "sent"
	FolderTypeNormal FolderType = "normal"
)

// FolderMeta is the persisted description of a folder.
type FolderMeta struct {
	ID        string     `json:"id" db:"id"`
	AccountID string     `json:"accountId" db:"account_id"`
	Path      string     `json:"path" db:"path"`
	Type      FolderType `json:"type" db:"type"`

	// NextHeaderID is the per-folder counter header IDs are issued from.
	NextHeaderID UID `json:"nextHeaderId" db:"next_header_id"`

	UnreadCount int `json:"unreadCount" db:"unread_count"`

	// LastSyncedAt is the time of the last completed sync step, in millis.
	LastSyncedAt int64 `json:"lastSyncedAt" db:"last_synced_at"`

	// SyncedToDawnOfTime is set once growth has walked past the oldest
	// sync date, so there is nothing older to ask the server for.
	SyncedToDawnOfTime bool `json:"syncedToDawnOfTime" db:"synced_to_dawn"`
}

// FullSync is the provenance of an accuracy range.
type FullSync struct {
	HighestModseq uint64 `json:"highestModseq,omitempty"`
	UpdatedAt     int64  `json:"updated"`
}

// AccuracyRange records that storage reflects the server for messages
// dated in [StartTS, EndTS).
type AccuracyRange struct {
	StartTS  int64    `json:"startTS"`
	EndTS    int64    `json:"endTS"`
	FullSync FullSync `json:"fullSync"`
}
