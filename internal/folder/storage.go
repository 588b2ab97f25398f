// Package folder implements a folder's local storage: paged header and
// body blocks, the accuracy ranges saying which dates mirror the server,
// and the live slices that watch it. All state is owned by a loop.Loop;
// the exported methods are blocking wrappers for other goroutines.
package folder

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/nhle/mailsync/internal/blockstore"
	"github.com/nhle/mailsync/internal/loop"
	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// Storage is one folder's local store.
type Storage struct {
	ctx     context.Context
	loop    *loop.Loop
	backend store.Backend
	log     zerolog.Logger
	p       *pager
	excl    *semaphore.Weighted

	meta     model.FolderMeta
	headers  *blocks[model.HeaderInfo]
	bodies   *blocks[model.BodyInfo]
	accuracy []model.AccuracyRange

	slices    []*Slice
	syncSlice *Slice

	flushing     bool
	flushWaiters []func(error)
}

// Options tune a Storage.
type Options struct {
	Limits blockstore.Limits
	Log    zerolog.Logger
}

// Open loads a folder's directories from backend, or starts an empty
// folder described by meta when nothing has been saved yet. ctx bounds
// the lifetime of background block loads and saves.
func Open(
	ctx context.Context,
	l *loop.Loop,
	backend store.Backend,
	meta model.FolderMeta,
	opts Options,
) (*Storage, error) {
	if opts.Limits == (blockstore.Limits{}) {
		opts.Limits = blockstore.DefaultLimits()
	}

	state, err := backend.LoadFolderState(ctx, meta.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		state = &store.FolderState{Meta: meta}
	case err != nil:
		return nil, fmt.Errorf("loading folder %s: %w", meta.ID, err)
	}
	if state.Meta.NextHeaderID == 0 {
		state.Meta.NextHeaderID = 1
	}

	log := opts.Log.With().Str("folder", meta.ID).Logger()
	s := &Storage{
		ctx:      ctx,
		loop:     l,
		backend:  backend,
		log:      log,
		p:        newPager(l, log),
		excl:     semaphore.NewWeighted(1),
		meta:     state.Meta,
		accuracy: state.Accuracy,
	}
	folderID := meta.ID
	s.headers = newBlocks[model.HeaderInfo](store.KindHeader, s.p, blockstore.Headers{}, opts.Limits, state.Headers,
		func(id int) (*blockstore.HeaderBlock, error) {
			metrics.BlockLoads.WithLabelValues(store.KindHeader).Inc()
			return backend.LoadHeaderBlock(ctx, folderID, id)
		})
	s.bodies = newBlocks[model.BodyInfo](store.KindBody, s.p, blockstore.Bodies{}, opts.Limits, state.Bodies,
		func(id int) (*blockstore.BodyBlock, error) {
			metrics.BlockLoads.WithLabelValues(store.KindBody).Inc()
			return backend.LoadBodyBlock(ctx, folderID, id)
		})
	return s, nil
}

// ID returns the folder id.
func (s *Storage) ID() string { return s.meta.ID }

// Exclusive takes the folder for a change spanning several calls, such as
// a sync step or an operation's local phase. The returned func releases
// it. Storage methods do not take it themselves.
func (s *Storage) Exclusive(ctx context.Context) (func(), error) {
	if err := s.excl.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { s.excl.Release(1) }, nil
}

// Loop returns the loop that owns this storage.
func (s *Storage) Loop() *loop.Loop { return s.loop }

func (s *Storage) issueHeaderID() model.UID {
	id := s.meta.NextHeaderID
	s.meta.NextHeaderID++
	return id
}

func (s *Storage) snapshot() store.FolderSave {
	hdr, delH := s.headers.takeDirty(model.HeaderInfo.Clone)
	body, delB := s.bodies.takeDirty(model.BodyInfo.Clone)
	return store.FolderSave{
		State: store.FolderState{
			Meta:     s.meta,
			Headers:  s.headers.dir.Clone(),
			Bodies:   s.bodies.dir.Clone(),
			Accuracy: append([]model.AccuracyRange(nil), s.accuracy...),
		},
		DirtyHeaders:   hdr,
		DirtyBodies:    body,
		DeletedHeaders: delH,
		DeletedBodies:  delB,
	}
}

// restoreDirty re-marks what a failed save was carrying so the next flush
// retries it.
func (s *Storage) restoreDirty(save store.FolderSave) {
	for id := range save.DirtyHeaders {
		if _, ok := s.headers.resident[id]; ok {
			s.headers.dirty[id] = true
		}
	}
	for id := range save.DirtyBodies {
		if _, ok := s.bodies.resident[id]; ok {
			s.bodies.dirty[id] = true
		}
	}
	s.headers.deleted = append(s.headers.deleted, save.DeletedHeaders...)
	s.bodies.deleted = append(s.bodies.deleted, save.DeletedBodies...)
}

// flush writes a checkpoint. Flushes never overlap: a request made while
// one is in flight is served by a fresh snapshot once it lands.
func (s *Storage) flush(done func(error)) {
	s.flushWaiters = append(s.flushWaiters, done)
	if !s.flushing {
		s.startFlush()
	}
}

func (s *Storage) startFlush() {
	waiters := s.flushWaiters
	s.flushWaiters = nil
	s.flushing = true

	save := s.snapshot()
	loop.Go(s.loop, func() error {
		return s.backend.SaveFolderState(s.ctx, s.meta.ID, save)
	}, func(err error) {
		s.flushing = false
		if err != nil {
			s.log.Error().Err(err).Msg("saving folder")
			s.restoreDirty(save)
		} else {
			metrics.FolderFlushes.Inc()
		}
		for _, w := range waiters {
			w(err)
		}
		if len(s.flushWaiters) > 0 {
			s.startFlush()
		}
	})
}

// flushExcessCachedBlocks drops clean blocks no live slice covers. When
// any slice is open the most recently used body block stays resident.
func (s *Storage) flushExcessCachedBlocks() (int, int) {
	keep := func(e *blockstore.Entry) bool {
		for _, sl := range s.slices {
			if sl.covers(e) {
				return true
			}
		}
		return false
	}

	nh := s.headers.evict(keep)

	recent, ok := s.bodies.lastUsed()
	ok = ok && len(s.slices) > 0
	nb := s.bodies.evict(func(e *blockstore.Entry) bool {
		return ok && e.ID == recent
	})
	return nh, nb
}

// Flush persists all dirty state.
func (s *Storage) Flush(ctx context.Context) error {
	return loop.Do(ctx, s.loop, func(done func(error)) {
		s.flush(done)
	})
}

// FlushExcessCachedBlocks flushes and then evicts resident blocks that no
// open slice needs.
func (s *Storage) FlushExcessCachedBlocks(ctx context.Context) error {
	return loop.Do(ctx, s.loop, func(done func(error)) {
		s.flush(func(err error) {
			if err != nil {
				done(err)
				return
			}
			nh, nb := s.flushExcessCachedBlocks()
			s.log.Debug().Int("headers", nh).Int("bodies", nb).Msg("evicted cached blocks")
			done(nil)
		})
	})
}

// Meta returns a copy of the folder's metadata.
func (s *Storage) Meta(ctx context.Context) (model.FolderMeta, error) {
	return loop.Call(ctx, s.loop, func(resolve func(model.FolderMeta)) {
		resolve(s.meta)
	})
}

// IssueHeaderID reserves the next header id.
func (s *Storage) IssueHeaderID(ctx context.Context) (model.UID, error) {
	return loop.Call(ctx, s.loop, func(resolve func(model.UID)) {
		resolve(s.issueHeaderID())
	})
}

// Stats describes what a folder holds and how much of it is resident.
type Stats struct {
	HeaderBlocks, BodyBlocks        int
	ResidentHeaders, ResidentBodies int
	Messages                        int
	OldestTS                        int64
}

// Stats reports block counts and the number of known messages.
func (s *Storage) Stats(ctx context.Context) (Stats, error) {
	return loop.Call(ctx, s.loop, func(resolve func(Stats)) {
		resolve(s.stats())
	})
}

func (s *Storage) stats() Stats {
	st := Stats{
		HeaderBlocks:    s.headers.dir.Len(),
		BodyBlocks:      s.bodies.dir.Len(),
		ResidentHeaders: len(s.headers.resident),
		ResidentBodies:  len(s.bodies.resident),
	}
	for _, e := range s.headers.dir.Entries {
		st.Messages += e.Count
	}
	if n := s.headers.dir.Len(); n > 0 {
		st.OldestTS = s.headers.dir.Entries[n-1].StartTS
	}
	return st
}

// Directories returns copies of both block directories.
func (s *Storage) Directories(ctx context.Context) (headers, bodies blockstore.Directory, err error) {
	type pair struct{ h, b blockstore.Directory }
	p, err := loop.Call(ctx, s.loop, func(resolve func(pair)) {
		resolve(pair{s.headers.dir.Clone(), s.bodies.dir.Clone()})
	})
	return p.h, p.b, err
}
