// Package account ties one mail account's folders, connections, sync
// engines and operation queue together, and Universe holds the accounts.
package account

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/blockstore"
	"github.com/nhle/mailsync/internal/folder"
	"github.com/nhle/mailsync/internal/jobs"
	"github.com/nhle/mailsync/internal/loop"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/pool"
	"github.com/nhle/mailsync/internal/protocol"
	"github.com/nhle/mailsync/internal/store"
	appsync "github.com/nhle/mailsync/internal/sync"
)

// ErrUnknownFolder is returned for a folder id the account does not have.
var ErrUnknownFolder = errors.New("unknown folder")

// Options tune an Account.
type Options struct {
	Log    zerolog.Logger
	Limits blockstore.Limits
	Pool   pool.Options

	HistoryLimit    int
	BisectThreshold int
	// Now is the sync engines' clock. It defaults to time.Now.
	Now func() time.Time

	// OnComplete receives the outcome of every server phase of the
	// account's operations.
	OnComplete func(op model.Operation, err error)
}

// Account is one configured mail account.
type Account struct {
	cfg     model.AccountConfig
	backend store.Backend
	log     zerolog.Logger
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc
	loop   *loop.Loop
	loopWG sync.WaitGroup

	pool  *pool.Pool
	queue *jobs.Queue

	mu       sync.Mutex
	metas    []model.FolderMeta
	storages map[string]*folder.Storage
	engines  map[string]*appsync.Engine
	online   bool
}

// Open loads an account's known folders from backend, adds any configured
// folder not seen before and restores its operation history. The account
// starts offline.
func Open(
	ctx context.Context,
	cfg model.AccountConfig,
	backend store.Backend,
	dialer protocol.Dialer,
	opts Options,
) (*Account, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Log.With().Str("account", cfg.ID).Logger()
	opts.Pool.Log = log

	known, err := backend.ListFolders(ctx, cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("listing folders of %s: %w", cfg.ID, err)
	}

	actx, cancel := context.WithCancel(context.Background())
	a := &Account{
		cfg:      cfg,
		backend:  backend,
		log:      log,
		opts:     opts,
		ctx:      actx,
		cancel:   cancel,
		loop:     loop.New(),
		pool:     pool.New(dialer, opts.Pool),
		metas:    mergeFolders(cfg, known),
		storages: make(map[string]*folder.Storage),
		engines:  make(map[string]*appsync.Engine),
	}
	a.loopWG.Add(1)
	go func() {
		defer a.loopWG.Done()
		a.loop.Run(actx)
	}()

	a.queue, err = jobs.New(cfg.ID, a, a.pool, backend, jobs.Options{
		Log:          log,
		OnComplete:   opts.OnComplete,
		HistoryLimit: opts.HistoryLimit,
	})
	if err != nil {
		_ = a.pool.Close()
		a.shutdown()
		return nil, err
	}
	return a, nil
}

// mergeFolders matches configured folders to saved ones by path. New
// folders get the next free index under the account id.
func mergeFolders(cfg model.AccountConfig, known []model.FolderMeta) []model.FolderMeta {
	byPath := make(map[string]model.FolderMeta, len(known))
	next := 0
	for _, m := range known {
		byPath[m.Path] = m
		if _, idx, ok := strings.Cut(m.ID, "/"); ok {
			if n, err := strconv.Atoi(idx); err == nil && n >= next {
				next = n + 1
			}
		}
	}

	metas := make([]model.FolderMeta, 0, len(cfg.Folders))
	for _, fc := range cfg.Folders {
		m, ok := byPath[fc.Path]
		if !ok {
			m = model.FolderMeta{
				ID:        cfg.ID + "/" + strconv.Itoa(next),
				AccountID: cfg.ID,
				Path:      fc.Path,
			}
			next++
		}
		if fc.Type != "" {
			m.Type = fc.Type
		}
		if m.Type == "" {
			m.Type = model.FolderTypeNormal
		}
		metas = append(metas, m)
	}
	return metas
}

// ID returns the account id.
func (a *Account) ID() string { return a.cfg.ID }

// Queue returns the account's operation queue.
func (a *Account) Queue() *jobs.Queue { return a.queue }

// Pool returns the account's connection pool.
func (a *Account) Pool() *pool.Pool { return a.pool }

// Folders lists the account's folders in configuration order.
func (a *Account) Folders() []model.FolderMeta {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.FolderMeta(nil), a.metas...)
}

// FolderMeta describes a folder by id.
func (a *Account) FolderMeta(folderID string) (model.FolderMeta, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range a.metas {
		if m.ID == folderID {
			return m, true
		}
	}
	return model.FolderMeta{}, false
}

// FolderOfType returns the first folder of type t.
func (a *Account) FolderOfType(t model.FolderType) (model.FolderMeta, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range a.metas {
		if m.Type == t {
			return m, true
		}
	}
	return model.FolderMeta{}, false
}

// FolderByPath finds a folder by its server path.
func (a *Account) FolderByPath(path string) (model.FolderMeta, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range a.metas {
		if strings.EqualFold(m.Path, path) {
			return m, true
		}
	}
	return model.FolderMeta{}, false
}

// Storage returns a folder's storage, opening it on first use.
func (a *Account) Storage(ctx context.Context, folderID string) (*folder.Storage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.storageLocked(ctx, folderID)
}

func (a *Account) storageLocked(ctx context.Context, folderID string) (*folder.Storage, error) {
	if st, ok := a.storages[folderID]; ok {
		return st, nil
	}
	var meta *model.FolderMeta
	for i := range a.metas {
		if a.metas[i].ID == folderID {
			meta = &a.metas[i]
		}
	}
	if meta == nil {
		return nil, fmt.Errorf("%s: %w", folderID, ErrUnknownFolder)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st, err := folder.Open(a.ctx, a.loop, a.backend, *meta, folder.Options{
		Limits: a.opts.Limits,
		Log:    a.log,
	})
	if err != nil {
		return nil, err
	}
	a.storages[folderID] = st
	return st, nil
}

// Engine returns the sync engine of a folder.
func (a *Account) Engine(ctx context.Context, folderID string) (*appsync.Engine, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if eng, ok := a.engines[folderID]; ok {
		return eng, nil
	}
	st, err := a.storageLocked(ctx, folderID)
	if err != nil {
		return nil, err
	}
	var path string
	for _, m := range a.metas {
		if m.ID == folderID {
			path = m.Path
		}
	}
	eng := appsync.New(st, a.pool, path, appsync.Options{
		Log:             a.log,
		Now:             a.opts.Now,
		BisectThreshold: a.opts.BisectThreshold,
		MovedOut:        a.queue.MovedOut,
	})
	a.engines[folderID] = eng
	return eng, nil
}

// OpenSlice opens a view of a folder's newest desired messages. It fills
// the view from storage, then, when online, refreshes what storage had or
// grows a first sync when storage had nothing.
func (a *Account) OpenSlice(
	ctx context.Context,
	folderID string,
	consumer folder.Consumer,
	desired int,
) (*folder.Slice, error) {
	eng, err := a.Engine(ctx, folderID)
	if err != nil {
		return nil, err
	}
	sl, err := eng.Storage().OpenSlice(ctx, consumer, desired, eng)
	if err != nil {
		return nil, err
	}

	n, err := sl.FillFromStorage(ctx)
	if err == nil {
		switch {
		case !a.Online():
			err = sl.SetStatus(ctx, folder.StatusSynced, false)
		case n > 0:
			err = eng.Refresh(ctx, sl)
		default:
			err = eng.GrowSync(ctx, sl)
		}
	}
	if err != nil {
		_ = sl.Close(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("opening %s: %w", folderID, err)
	}
	return sl, nil
}

// SetOnline records connectivity and passes it to the operation queue.
func (a *Account) SetOnline(online bool) {
	a.mu.Lock()
	a.online = online
	a.mu.Unlock()
	a.queue.SetOnline(online)
}

// Online reports the account's connectivity.
func (a *Account) Online() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.online
}

// Submit queues an operation and returns its longterm id.
func (a *Account) Submit(ctx context.Context, op model.Operation) (string, error) {
	return a.queue.Submit(ctx, op)
}

// Undo reverts an operation of this account.
func (a *Account) Undo(ctx context.Context, longtermID string) error {
	return a.queue.Undo(ctx, longtermID)
}

// Flush checkpoints every open folder and evicts cached blocks no slice
// needs.
func (a *Account) Flush(ctx context.Context) error {
	a.mu.Lock()
	storages := make([]*folder.Storage, 0, len(a.storages))
	for _, st := range a.storages {
		storages = append(storages, st)
	}
	a.mu.Unlock()

	var errs []error
	for _, st := range storages {
		if err := st.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flushing %s: %w", st.ID(), err))
			continue
		}
		if err := st.FlushExcessCachedBlocks(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops the queue, checkpoints open folders and closes connections.
func (a *Account) Close(ctx context.Context) error {
	a.queue.Close()
	err := a.Flush(ctx)
	if perr := a.pool.Close(); perr != nil {
		err = errors.Join(err, perr)
	}
	a.shutdown()
	return err
}

func (a *Account) shutdown() {
	a.cancel()
	a.loopWG.Wait()
}
