package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/nhle/mailsync/internal/blockstore"
	"github.com/nhle/mailsync/internal/model"
)

var (
	foldersBucket = []byte("folders")
	blocksBucket  = []byte("blocks")
	opsBucket     = []byte("operations")
)

// BoltStore implements Backend on a bbolt file. Each folder gets a nested
// bucket under "blocks" keyed by kind and block id.
type BoltStore struct {
	db *bbolt.DB
}

var _ Backend = (*BoltStore)(nil)

// NewBoltStore opens (or creates) the bbolt database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{foldersBucket, blocksBucket, opsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// blockKey orders blocks by kind then id.
func blockKey(kind string, id int) []byte {
	key := make([]byte, len(kind)+1+8)
	copy(key, kind)
	key[len(kind)] = ':'
	binary.BigEndian.PutUint64(key[len(kind)+1:], uint64(id))
	return key
}

// ListFolders returns the metadata of every saved folder of an account.
func (s *BoltStore) ListFolders(_ context.Context, accountID string) ([]model.FolderMeta, error) {
	var metas []model.FolderMeta
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(foldersBucket).ForEach(func(_, v []byte) error {
			var st FolderState
			if err := json.Unmarshal(v, &st); err != nil {
				return fmt.Errorf("unmarshaling folder state: %w", err)
			}
			if st.Meta.AccountID == accountID {
				metas = append(metas, st.Meta)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Path < metas[j].Path })
	return metas, nil
}

// LoadFolderState reads a folder's directories and accuracy ranges.
func (s *BoltStore) LoadFolderState(_ context.Context, folderID string) (*FolderState, error) {
	var st *FolderState
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(foldersBucket).Get([]byte(folderID))
		if v == nil {
			return ErrNotFound
		}
		st = &FolderState{}
		if err := json.Unmarshal(v, st); err != nil {
			return fmt.Errorf("unmarshaling folder %s: %w", folderID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// SaveFolderState writes one checkpoint in a single bolt transaction.
func (s *BoltStore) SaveFolderState(_ context.Context, folderID string, save FolderSave) error {
	stateJSON, err := json.Marshal(save.State)
	if err != nil {
		return fmt.Errorf("marshaling folder state: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(foldersBucket).Put([]byte(folderID), stateJSON); err != nil {
			return fmt.Errorf("writing folder %s: %w", folderID, err)
		}

		b, err := tx.Bucket(blocksBucket).CreateBucketIfNotExists([]byte(folderID))
		if err != nil {
			return fmt.Errorf("creating block bucket for %s: %w", folderID, err)
		}

		put := func(kind string, id int, blk any, gone bool) error {
			if gone {
				return b.Delete(blockKey(kind, id))
			}
			data, err := json.Marshal(blk)
			if err != nil {
				return fmt.Errorf("marshaling %s block %d: %w", kind, id, err)
			}
			return b.Put(blockKey(kind, id), data)
		}

		for id, blk := range save.DirtyHeaders {
			if err := put(KindHeader, id, blk, blk == nil); err != nil {
				return err
			}
		}
		for id, blk := range save.DirtyBodies {
			if err := put(KindBody, id, blk, blk == nil); err != nil {
				return err
			}
		}
		for _, id := range save.DeletedHeaders {
			if err := b.Delete(blockKey(KindHeader, id)); err != nil {
				return err
			}
		}
		for _, id := range save.DeletedBodies {
			if err := b.Delete(blockKey(KindBody, id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteFolder removes a folder and all of its blocks.
func (s *BoltStore) DeleteFolder(_ context.Context, folderID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(foldersBucket).Delete([]byte(folderID)); err != nil {
			return err
		}
		err := tx.Bucket(blocksBucket).DeleteBucket([]byte(folderID))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// LoadHeaderBlock reads a header block.
func (s *BoltStore) LoadHeaderBlock(_ context.Context, folderID string, blockID int) (*blockstore.HeaderBlock, error) {
	var blk blockstore.HeaderBlock
	if err := s.loadBlock(folderID, KindHeader, blockID, &blk); err != nil {
		return nil, err
	}
	return &blk, nil
}

// LoadBodyBlock reads a body block.
func (s *BoltStore) LoadBodyBlock(_ context.Context, folderID string, blockID int) (*blockstore.BodyBlock, error) {
	var blk blockstore.BodyBlock
	if err := s.loadBlock(folderID, KindBody, blockID, &blk); err != nil {
		return nil, err
	}
	return &blk, nil
}

func (s *BoltStore) loadBlock(folderID, kind string, blockID int, dst any) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(blocksBucket).Bucket([]byte(folderID))
		if b == nil {
			return ErrNotFound
		}
		v := b.Get(blockKey(kind, blockID))
		if v == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("unmarshaling %s block %d: %w", kind, blockID, err)
		}
		return nil
	})
}

// LoadOperations returns an account's operation history, oldest first.
func (s *BoltStore) LoadOperations(_ context.Context, accountID string) ([]model.Operation, error) {
	var ops []model.Operation
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(opsBucket).Get([]byte(accountID))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &ops)
	})
	if err != nil {
		return nil, fmt.Errorf("loading operations for %s: %w", accountID, err)
	}
	return ops, nil
}

// SaveOperations replaces an account's operation history.
func (s *BoltStore) SaveOperations(_ context.Context, accountID string, ops []model.Operation) error {
	data, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("marshaling operations: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(opsBucket).Put([]byte(accountID), data)
	})
}
