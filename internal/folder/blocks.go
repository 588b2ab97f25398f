package folder

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/blockstore"
	"github.com/nhle/mailsync/internal/loop"
	"github.com/nhle/mailsync/internal/model"
)

// ErrBlockUnavailable is returned for a write into a block that could not
// be loaded. The block stays unloaded and is retried on next access.
var ErrBlockUnavailable = errors.New("block unavailable")

// pager tracks outstanding block loads and the mutating calls that arrived
// while any load was pending. Everything here runs on the folder's loop.
type pager struct {
	loop *loop.Loop
	log  zerolog.Logger

	// pending maps a kind+block id to the continuations waiting on it.
	pending map[string][]func()
	// deferred holds calls issued while a load was pending, in call order.
	deferred []func()
}

func newPager(l *loop.Loop, log zerolog.Logger) *pager {
	return &pager{loop: l, log: log, pending: make(map[string][]func())}
}

// loading reports whether any block load is outstanding.
func (p *pager) loading() bool {
	return len(p.pending) > 0
}

// deferIfLoading queues fn for replay when loads are pending and reports
// whether it did.
func (p *pager) deferIfLoading(fn func()) bool {
	if !p.loading() {
		return false
	}
	p.deferred = append(p.deferred, fn)
	return true
}

// await registers then against key and reports whether the caller is the
// first waiter and so must start the load.
func (p *pager) await(key string, then func()) bool {
	if waiters, ok := p.pending[key]; ok {
		p.pending[key] = append(waiters, then)
		return false
	}
	p.pending[key] = []func(){then}
	return true
}

// finish runs the continuations of a completed load in order and then, if
// nothing else is loading, replays deferred calls.
func (p *pager) finish(key string) {
	waiters := p.pending[key]
	delete(p.pending, key)
	for _, w := range waiters {
		w()
	}
	if !p.loading() {
		p.runDeferred()
	}
}

// runDeferred replays deferred calls until one of them starts a load.
func (p *pager) runDeferred() {
	for len(p.deferred) > 0 && !p.loading() {
		fn := p.deferred[0]
		p.deferred = p.deferred[1:]
		fn()
	}
}

// loaded carries a block load result back to the loop.
type loaded[T any] struct {
	blk *blockstore.Block[T]
	err error
}

// blocks is one kind (headers or bodies) of a folder's paged storage.
type blocks[T any] struct {
	kind     string
	p        *pager
	strategy blockstore.Strategy[T]
	lim      blockstore.Limits

	dir      blockstore.Directory
	resident map[int]*blockstore.Block[T]
	dirty    map[int]bool
	deleted  []int

	// used records when each resident block was last handed out.
	clock uint64
	used  map[int]uint64

	fetch func(id int) (*blockstore.Block[T], error)
}

func newBlocks[T any](
	kind string,
	p *pager,
	strategy blockstore.Strategy[T],
	lim blockstore.Limits,
	dir blockstore.Directory,
	fetch func(id int) (*blockstore.Block[T], error),
) *blocks[T] {
	return &blocks[T]{
		kind:     kind,
		p:        p,
		strategy: strategy,
		lim:      lim,
		dir:      dir,
		resident: make(map[int]*blockstore.Block[T]),
		dirty:    make(map[int]bool),
		used:     make(map[int]uint64),
		fetch:    fetch,
	}
}

func (b *blocks[T]) key(id int) string {
	return b.kind + ":" + strconv.Itoa(id)
}

// with calls then with the block once it is resident. A block that cannot
// be loaded stays unloaded so a later access retries; then gets an empty
// stand-in and ok=false, and must not write to it.
func (b *blocks[T]) with(id int, then func(blk *blockstore.Block[T], ok bool)) {
	if blk, ok := b.resident[id]; ok {
		b.touch(id)
		then(blk, true)
		return
	}

	key := b.key(id)
	first := b.p.await(key, func() {
		if blk, ok := b.resident[id]; ok {
			b.touch(id)
			then(blk, true)
			return
		}
		then(&blockstore.Block[T]{}, false)
	})
	if !first {
		return
	}

	loop.Go(b.p.loop, func() loaded[T] {
		blk, err := b.fetch(id)
		return loaded[T]{blk: blk, err: err}
	}, func(r loaded[T]) {
		switch {
		case r.err != nil || r.blk == nil:
			b.p.log.Warn().Err(r.err).Str("kind", b.kind).Int("block", id).Msg("block missing")
		case b.dir.IndexOf(id) >= 0:
			if _, ok := b.resident[id]; !ok {
				b.resident[id] = r.blk
			}
		}
		b.p.finish(key)
	})
}

func (b *blocks[T]) touch(id int) {
	b.clock++
	b.used[id] = b.clock
}

// lastUsed returns the resident block handed out most recently.
func (b *blocks[T]) lastUsed() (int, bool) {
	best, at := 0, uint64(0)
	for id := range b.resident {
		if u := b.used[id]; u >= at {
			best, at = id, u
		}
	}
	return best, len(b.resident) > 0
}

// insert adds item to the block its key belongs in, splitting the block
// when it grows past the size limit. It fails with ErrBlockUnavailable
// when the target block cannot be loaded.
func (b *blocks[T]) insert(item T, then func(error)) {
	k := b.strategy.Key(item)
	_, e, created := b.dir.Target(k, b.strategy.Cost(item), b.lim)
	if created {
		b.resident[e.ID] = &blockstore.Block[T]{}
	}

	b.with(e.ID, func(blk *blockstore.Block[T], ok bool) {
		if !ok {
			then(fmt.Errorf("%s block %d: %w", b.kind, e.ID, ErrBlockUnavailable))
			return
		}
		blk.Insert(b.strategy, e, item)
		b.dirty[e.ID] = true

		if e.Count > 1 && e.EstSize >= b.lim.MaxBlockSize {
			idx := b.dir.IndexOf(e.ID)
			target := b.strategy.SplitTarget(idx, b.dir.Len(), b.lim)
			olderEntry, older := blockstore.Split(b.strategy, e, blk, target, b.dir.Allocate())
			b.dir.InsertAt(idx+1, olderEntry)
			b.resident[olderEntry.ID] = older
			b.dirty[olderEntry.ID] = true
		}
		then(nil)
	})
}

// find locates the item keyed k. blk is nil when no block covers k. An
// unloadable block reads as empty, so found is false.
func (b *blocks[T]) find(
	k blockstore.Key,
	then func(e *blockstore.Entry, blk *blockstore.Block[T], i int, found bool),
) {
	_, e := b.dir.Locate(k)
	if e == nil {
		then(nil, nil, -1, false)
		return
	}
	b.with(e.ID, func(blk *blockstore.Block[T], ok bool) {
		if !ok {
			then(e, blk, -1, false)
			return
		}
		i, found := blk.Search(b.strategy, k)
		then(e, blk, i, found)
	})
}

// remove deletes the item keyed k, dropping its block when it empties.
func (b *blocks[T]) remove(k blockstore.Key, then func(item T, ok bool)) {
	b.find(k, func(e *blockstore.Entry, blk *blockstore.Block[T], i int, found bool) {
		if !found {
			var zero T
			then(zero, false)
			return
		}

		item := blk.Items[i]
		if blk.RemoveAt(b.strategy, e, i) {
			if idx := b.dir.IndexOf(e.ID); idx >= 0 {
				b.dir.RemoveAt(idx)
			}
			delete(b.resident, e.ID)
			delete(b.dirty, e.ID)
			delete(b.used, e.ID)
			b.deleted = append(b.deleted, e.ID)
		} else {
			b.dirty[e.ID] = true
		}
		then(item, true)
	})
}

// takeDirty hands back copies of the dirty blocks and the ids dropped since
// the last call, and resets both.
func (b *blocks[T]) takeDirty(clone func(T) T) (map[int]*blockstore.Block[T], []int) {
	out := make(map[int]*blockstore.Block[T], len(b.dirty))
	for id := range b.dirty {
		blk, ok := b.resident[id]
		if !ok {
			continue
		}
		c := &blockstore.Block[T]{
			UIDs:  append([]model.UID(nil), blk.UIDs...),
			Items: make([]T, len(blk.Items)),
		}
		for i, it := range blk.Items {
			c.Items[i] = clone(it)
		}
		out[id] = c
	}
	deleted := b.deleted
	b.dirty = make(map[int]bool)
	b.deleted = nil
	return out, deleted
}

// evict drops clean resident blocks whose entries keep rejects.
func (b *blocks[T]) evict(keep func(e *blockstore.Entry) bool) int {
	n := 0
	for id := range b.resident {
		if b.dirty[id] {
			continue
		}
		idx := b.dir.IndexOf(id)
		if idx >= 0 && keep(b.dir.Entries[idx]) {
			continue
		}
		delete(b.resident, id)
		delete(b.used, id)
		n++
	}
	return n
}
