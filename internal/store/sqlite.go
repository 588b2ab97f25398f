package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailsync/internal/blockstore"
	"github.com/nhle/mailsync/internal/model"
)

// SQLiteStore implements the Backend interface using a local SQLite database.
// Folder state and blocks are stored as JSON documents.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Backend = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// An in-memory database exists per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// ListFolders returns the metadata of every saved folder of an account.
func (s *SQLiteStore) ListFolders(
	ctx context.Context,
	accountID string,
) ([]model.FolderMeta, error) {
	var docs []string
	err := s.db.SelectContext(ctx, &docs,
		"SELECT state FROM folders WHERE account_id = ? ORDER BY path", accountID)
	if err != nil {
		return nil, fmt.Errorf("querying folders: %w", err)
	}

	metas := make([]model.FolderMeta, 0, len(docs))
	for _, doc := range docs {
		var st FolderState
		if err := json.Unmarshal([]byte(doc), &st); err != nil {
			return nil, fmt.Errorf("unmarshaling folder state: %w", err)
		}
		metas = append(metas, st.Meta)
	}
	return metas, nil
}

// LoadFolderState reads a folder's directories and accuracy ranges.
func (s *SQLiteStore) LoadFolderState(
	ctx context.Context,
	folderID string,
) (*FolderState, error) {
	var doc string
	err := s.db.GetContext(ctx, &doc, "SELECT state FROM folders WHERE id = ?", folderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting folder %s: %w", folderID, err)
	}

	var st FolderState
	if err := json.Unmarshal([]byte(doc), &st); err != nil {
		return nil, fmt.Errorf("unmarshaling folder %s: %w", folderID, err)
	}
	return &st, nil
}

// SaveFolderState writes one checkpoint in a single transaction.
func (s *SQLiteStore) SaveFolderState(
	ctx context.Context,
	folderID string,
	save FolderSave,
) error {
	stateJSON, err := json.Marshal(save.State)
	if err != nil {
		return fmt.Errorf("marshaling folder state: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO folders (id, account_id, path, state, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			account_id = excluded.account_id,
			path       = excluded.path,
			state      = excluded.state,
			updated_at = excluded.updated_at`,
		folderID, save.State.Meta.AccountID, save.State.Meta.Path,
		string(stateJSON), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting folder %s: %w", folderID, err)
	}

	upsert, err := tx.PreparexContext(ctx, `
		INSERT OR REPLACE INTO blocks (folder_id, kind, block_id, data)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing block upsert: %w", err)
	}
	defer upsert.Close()

	remove, err := tx.PreparexContext(ctx,
		"DELETE FROM blocks WHERE folder_id = ? AND kind = ? AND block_id = ?")
	if err != nil {
		return fmt.Errorf("preparing block delete: %w", err)
	}
	defer remove.Close()

	for id, blk := range save.DirtyHeaders {
		if err := execBlock(ctx, upsert, remove, folderID, KindHeader, id, blk, blk == nil); err != nil {
			return err
		}
	}
	for id, blk := range save.DirtyBodies {
		if err := execBlock(ctx, upsert, remove, folderID, KindBody, id, blk, blk == nil); err != nil {
			return err
		}
	}
	for _, id := range save.DeletedHeaders {
		if _, err := remove.ExecContext(ctx, folderID, KindHeader, id); err != nil {
			return fmt.Errorf("deleting header block %d: %w", id, err)
		}
	}
	for _, id := range save.DeletedBodies {
		if _, err := remove.ExecContext(ctx, folderID, KindBody, id); err != nil {
			return fmt.Errorf("deleting body block %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing folder %s: %w", folderID, err)
	}
	return nil
}

// execBlock writes or removes a single block row.
func execBlock(
	ctx context.Context,
	upsert, remove *sqlx.Stmt,
	folderID, kind string,
	id int,
	blk any,
	gone bool,
) error {
	if gone {
		if _, err := remove.ExecContext(ctx, folderID, kind, id); err != nil {
			return fmt.Errorf("deleting %s block %d: %w", kind, id, err)
		}
		return nil
	}

	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("marshaling %s block %d: %w", kind, id, err)
	}
	if _, err := upsert.ExecContext(ctx, folderID, kind, id, data); err != nil {
		return fmt.Errorf("writing %s block %d: %w", kind, id, err)
	}
	return nil
}

// DeleteFolder removes a folder and, through the foreign key, its blocks.
func (s *SQLiteStore) DeleteFolder(ctx context.Context, folderID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM folders WHERE id = ?", folderID)
	if err != nil {
		return fmt.Errorf("deleting folder %s: %w", folderID, err)
	}
	return nil
}

// LoadHeaderBlock reads a header block.
func (s *SQLiteStore) LoadHeaderBlock(
	ctx context.Context,
	folderID string,
	blockID int,
) (*blockstore.HeaderBlock, error) {
	var blk blockstore.HeaderBlock
	if err := s.loadBlock(ctx, folderID, KindHeader, blockID, &blk); err != nil {
		return nil, err
	}
	return &blk, nil
}

// LoadBodyBlock reads a body block.
func (s *SQLiteStore) LoadBodyBlock(
	ctx context.Context,
	folderID string,
	blockID int,
) (*blockstore.BodyBlock, error) {
	var blk blockstore.BodyBlock
	if err := s.loadBlock(ctx, folderID, KindBody, blockID, &blk); err != nil {
		return nil, err
	}
	return &blk, nil
}

func (s *SQLiteStore) loadBlock(
	ctx context.Context,
	folderID, kind string,
	blockID int,
	dst any,
) error {
	var data []byte
	err := s.db.GetContext(ctx, &data,
		"SELECT data FROM blocks WHERE folder_id = ? AND kind = ? AND block_id = ?",
		folderID, kind, blockID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("getting %s block %d: %w", kind, blockID, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("unmarshaling %s block %d: %w", kind, blockID, err)
	}
	return nil
}

// operationRow is one persisted operation.
type operationRow struct {
	Seq  int    `db:"seq"`
	Data string `db:"data"`
}

// LoadOperations returns an account's operation history, oldest first.
func (s *SQLiteStore) LoadOperations(
	ctx context.Context,
	accountID string,
) ([]model.Operation, error) {
	var rows []operationRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT seq, data FROM operations WHERE account_id = ? ORDER BY seq", accountID)
	if err != nil {
		return nil, fmt.Errorf("querying operations: %w", err)
	}

	ops := make([]model.Operation, 0, len(rows))
	for _, r := range rows {
		var op model.Operation
		if err := json.Unmarshal([]byte(r.Data), &op); err != nil {
			return nil, fmt.Errorf("unmarshaling operation %d: %w", r.Seq, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// SaveOperations replaces an account's operation history.
func (s *SQLiteStore) SaveOperations(
	ctx context.Context,
	accountID string,
	ops []model.Operation,
) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM operations WHERE account_id = ?", accountID); err != nil {
		return fmt.Errorf("clearing operations: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO operations (account_id, seq, longterm_id, op_type, data)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing operation insert: %w", err)
	}
	defer stmt.Close()

	for i, op := range ops {
		data, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("marshaling operation %s: %w", op.LongtermID, err)
		}
		if _, err := stmt.ExecContext(ctx, accountID, i, op.LongtermID, string(op.Type), string(data)); err != nil {
			return fmt.Errorf("inserting operation %s: %w", op.LongtermID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing operations: %w", err)
	}
	return nil
}
