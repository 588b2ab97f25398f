package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/mailsync/internal/blockstore"
	"github.com/nhle/mailsync/internal/model"
)

// ErrNotFound is returned when a folder, block or account has never been
// saved.
var ErrNotFound = errors.New("not found")

// Block kinds as stored.
const (
	KindHeader = "header"
	KindBody   = "body"
)

// FolderState is what a folder needs in memory to open: its metadata,
// both block directories and its accuracy ranges. Blocks themselves are
// paged in separately.
type FolderState struct {
	Meta     model.FolderMeta      `json:"meta"`
	Headers  blockstore.Directory  `json:"headers"`
	Bodies   blockstore.Directory  `json:"bodies"`
	Accuracy []model.AccuracyRange `json:"accuracy"`
}

// FolderSave is a single checkpoint of a folder: the full in-memory state
// plus the blocks written or dropped since the last checkpoint.
type FolderSave struct {
	State FolderState

	DirtyHeaders map[int]*blockstore.HeaderBlock
	DirtyBodies  map[int]*blockstore.BodyBlock

	DeletedHeaders []int
	DeletedBodies  []int
}

// Backend defines the persistence interface for folder storage and the
// per-account operation history. Each call is expected to be durable when
// it returns; callers do not retry.
type Backend interface {
	// === Folders ===

	ListFolders(ctx context.Context, accountID string) ([]model.FolderMeta, error)
	LoadFolderState(ctx context.Context, folderID string) (*FolderState, error)
	SaveFolderState(ctx context.Context, folderID string, save FolderSave) error
	DeleteFolder(ctx context.Context, folderID string) error

	// === Blocks ===

	LoadHeaderBlock(ctx context.Context, folderID string, blockID int) (*blockstore.HeaderBlock, error)
	LoadBodyBlock(ctx context.Context, folderID string, blockID int) (*blockstore.BodyBlock, error)

	// === Operations ===

	LoadOperations(ctx context.Context, accountID string) ([]model.Operation, error)
	SaveOperations(ctx context.Context, accountID string, ops []model.Operation) error

	Close() error
}

// Open returns the backend named by driver ("sqlite" or "bolt") at path.
func Open(driver, path string) (Backend, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLiteStore(path)
	case "bolt", "bbolt":
		return NewBoltStore(path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
