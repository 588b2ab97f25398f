// Package jobs runs an account's mutations. Each Operation applies its
// local effect immediately, then waits in a FIFO for its server effect;
// one Operation per account talks to the server at a time. Operations
// can be undone, and a bounded history is kept for that.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/folder"
	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/pool"
	"github.com/nhle/mailsync/internal/store"
)

// DefaultHistoryLimit is how many operations an account keeps for undo.
const DefaultHistoryLimit = 10

// ErrUnknownOperation is returned by Undo for an id not in the history.
var ErrUnknownOperation = errors.New("unknown operation")

// Folders resolves the folders operations touch.
type Folders interface {
	// Storage opens (or returns the open) storage for a folder.
	Storage(ctx context.Context, folderID string) (*folder.Storage, error)
	// FolderMeta describes a folder by id.
	FolderMeta(folderID string) (model.FolderMeta, bool)
	// FolderOfType returns the first folder of type t.
	FolderOfType(t model.FolderType) (model.FolderMeta, bool)
}

// Options tune a Queue.
type Options struct {
	Log zerolog.Logger
	// OnComplete is called after every server phase with its outcome.
	OnComplete   func(op model.Operation, err error)
	HistoryLimit int
}

// Queue is one account's operation queue.
type Queue struct {
	accountID  string
	folders    Folders
	pool       *pool.Pool
	backend    store.Backend
	log        zerolog.Logger
	onComplete func(model.Operation, error)
	limit      int

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}

	localMu sync.Mutex

	mu       sync.Mutex
	history  []*model.Operation
	pending  []*model.Operation
	running  *model.Operation
	online   bool
	stalled  bool
	draining []func()
}

// New restores an account's history from backend and starts the worker.
// Operations that had not settled are queued again. The queue starts
// offline.
func New(
	accountID string,
	folders Folders,
	p *pool.Pool,
	backend store.Backend,
	opts Options,
) (*Queue, error) {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.OnComplete == nil {
		opts.OnComplete = func(model.Operation, error) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		accountID:  accountID,
		folders:    folders,
		pool:       p,
		backend:    backend,
		log:        opts.Log.With().Str("account", accountID).Logger(),
		onComplete: opts.OnComplete,
		limit:      opts.HistoryLimit,
		ctx:        ctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	ops, err := backend.LoadOperations(ctx, accountID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("loading operations: %w", err)
	}
	for i := range ops {
		op := &ops[i]
		q.history = append(q.history, op)
		switch op.Desire {
		case model.DesireDo:
			op.Status = model.StatusNone
			q.pending = append(q.pending, op)
		case model.DesireUndo:
			op.Status = model.StatusDone
			q.pending = append(q.pending, op)
		}
	}

	go q.run()
	return q, nil
}

// Close stops the worker. An Operation in flight is abandoned and will be
// queued again when the history is next loaded.
func (q *Queue) Close() {
	q.cancel()
	<-q.done
}

// SetOnline records connectivity. Going online clears a stalled head and
// dispatches it again.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	was := q.online
	q.online = online
	if online && !was {
		q.stalled = false
	}
	q.mu.Unlock()
	if online {
		q.kick()
	}
}

// Online reports the queue's connectivity.
func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Submit applies op locally, records it and queues its server phase. It
// returns the operation's longterm id.
func (q *Queue) Submit(ctx context.Context, op model.Operation) (string, error) {
	op.LongtermID = q.accountID + "/" + uuid.NewString()
	op.AccountID = q.accountID
	op.Desire = model.DesireDo
	op.Status = model.StatusNone
	op.LocalStatus = model.StatusRunning

	if err := q.localDo(ctx, &op); err != nil {
		metrics.JobPhases.WithLabelValues(string(op.Type), "local_do", "error").Inc()
		return "", err
	}
	metrics.JobPhases.WithLabelValues(string(op.Type), "local_do", "ok").Inc()
	op.LocalStatus = model.StatusDone

	q.mu.Lock()
	p := &op
	q.history = append(q.history, p)
	if op.Status == model.StatusSkip {
		op.Desire = model.DesireNone
	} else {
		q.pending = append(q.pending, p)
	}
	q.evictLocked()
	snap := q.snapshotLocked()
	q.mu.Unlock()

	q.persist(snap)
	q.kick()
	q.log.Debug().Str("op", op.LongtermID).Str("type", string(op.Type)).Msg("operation submitted")
	return op.LongtermID, nil
}

// Undo reverts an operation. One that has not reached the server is
// cancelled locally and never will; otherwise its local effect is
// reverted and a server undo is queued. An operation in flight is undone
// once its server phase finishes.
func (q *Queue) Undo(ctx context.Context, longtermID string) error {
	q.mu.Lock()
	op := q.findLocked(longtermID)
	if op == nil {
		q.mu.Unlock()
		return fmt.Errorf("%s: %w", longtermID, ErrUnknownOperation)
	}
	if op.Desire == model.DesireUndo || op.LocalStatus == model.StatusUndone {
		q.mu.Unlock()
		return nil
	}
	if op == q.running {
		op.Desire = model.DesireUndo
		q.mu.Unlock()
		return nil
	}

	cancelled := q.removePendingLocked(op)
	op.Desire = model.DesireUndo
	work := op.Clone()
	q.mu.Unlock()

	err := q.localUndo(ctx, &work)

	q.mu.Lock()
	op.Moved, op.Appended = work.Moved, work.Appended
	if err != nil {
		metrics.JobPhases.WithLabelValues(string(op.Type), "local_undo", "error").Inc()
		// Put it back the way it was so a later undo can retry.
		op.Desire = model.DesireNone
		if cancelled {
			op.Desire = model.DesireDo
			q.pending = append([]*model.Operation{op}, q.pending...)
		}
		q.mu.Unlock()
		return err
	}
	metrics.JobPhases.WithLabelValues(string(op.Type), "local_undo", "ok").Inc()
	op.LocalStatus = model.StatusUndone
	switch {
	case cancelled, op.Status == model.StatusSkip:
		op.Desire = model.DesireNone
	default:
		q.pending = append(q.pending, op)
	}
	q.evictLocked()
	snap := q.snapshotLocked()
	q.mu.Unlock()

	q.persist(snap)
	q.kick()
	return nil
}

// MovedOut returns the server UIDs in folderID that operations still
// wanting to be done have moved out locally. A sync must not fetch them
// back while the server still has them.
func (q *Queue) MovedOut(folderID string) map[model.UID]bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out map[model.UID]bool
	for _, op := range q.history {
		if op.Desire != model.DesireDo || op.LocalStatus != model.StatusDone {
			continue
		}
		for _, m := range op.Moved {
			if source, _, ok := model.ParseSUID(m.Source.SUID); !ok || source != folderID || m.SrvID == 0 {
				continue
			}
			if out == nil {
				out = make(map[model.UID]bool)
			}
			out[m.SrvID] = true
		}
	}
	return out
}

// Operation returns a copy of an operation in the history.
func (q *Queue) Operation(longtermID string) (model.Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if op := q.findLocked(longtermID); op != nil {
		return op.Clone(), true
	}
	return model.Operation{}, false
}

// History returns copies of the retained operations, oldest first.
func (q *Queue) History() []model.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// Pending returns how many operations still have server work to do.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// WaitForDrain calls fn once no server work is queued or running. While
// offline that waits for the next time the queue goes online and empties.
func (q *Queue) WaitForDrain(fn func()) {
	q.mu.Lock()
	if len(q.pending) == 0 && q.running == nil {
		q.mu.Unlock()
		fn()
		return
	}
	q.draining = append(q.draining, fn)
	q.mu.Unlock()
}

// Drain blocks until WaitForDrain would fire or ctx ends.
func (q *Queue) Drain(ctx context.Context) error {
	ch := make(chan struct{})
	q.WaitForDrain(func() { close(ch) })
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) findLocked(id string) *model.Operation {
	for _, op := range q.history {
		if op.LongtermID == id {
			return op
		}
	}
	return nil
}

// removePendingLocked drops op from the FIFO if it never started and
// reports whether it did.
func (q *Queue) removePendingLocked(op *model.Operation) bool {
	if op.Status != model.StatusNone || op.Desire != model.DesireDo {
		return false
	}
	for i, p := range q.pending {
		if p == op {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

// evictLocked trims the history to the limit, oldest settled first.
func (q *Queue) evictLocked() {
	for i := 0; len(q.history) > q.limit && i < len(q.history); {
		if q.history[i].Settled() && q.history[i] != q.running {
			q.history = append(q.history[:i], q.history[i+1:]...)
			continue
		}
		i++
	}
}

func (q *Queue) snapshotLocked() []model.Operation {
	out := make([]model.Operation, len(q.history))
	for i, op := range q.history {
		out[i] = op.Clone()
	}
	return out
}

func (q *Queue) persist(ops []model.Operation) {
	if err := q.backend.SaveOperations(q.ctx, q.accountID, ops); err != nil && q.ctx.Err() == nil {
		q.log.Error().Err(err).Msg("saving operations")
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
		}
		for q.step() {
		}
	}
}

// step runs the head of the FIFO once and reports whether the worker
// should look for more.
func (q *Queue) step() bool {
	q.mu.Lock()
	if !q.online || q.stalled || len(q.pending) == 0 || q.ctx.Err() != nil {
		var waiters []func()
		if len(q.pending) == 0 {
			waiters, q.draining = q.draining, nil
		}
		q.mu.Unlock()
		for _, fn := range waiters {
			fn()
		}
		return false
	}

	op := q.pending[0]
	desire := op.Desire
	prevStatus := op.Status
	if desire == model.DesireUndo {
		op.Status = model.StatusUndoing
	} else {
		op.Status = model.StatusRunning
	}
	q.running = op
	work := op.Clone()
	q.mu.Unlock()

	phase := "do"
	var err error
	if desire == model.DesireUndo {
		phase = "undo"
		err = q.serverUndo(q.ctx, &work)
	} else {
		err = q.serverDo(q.ctx, &work)
	}

	q.mu.Lock()
	q.running = nil
	op.Moved, op.Appended, op.AppendedUIDs = work.Moved, work.Appended, work.AppendedUIDs
	op.Progress = work.Progress
	if err != nil {
		metrics.JobPhases.WithLabelValues(string(op.Type), phase, "error").Inc()
		op.Status = prevStatus
		op.Error = err.Error()

		// An undo that arrived while the failed do was running still owes
		// its local revert.
		lateUndo := desire == model.DesireDo &&
			op.Desire == model.DesireUndo &&
			op.LocalStatus == model.StatusDone
		dropped := false
		switch {
		case lateUndo && work.Progress == 0:
			// Nothing reached the server, so there is nothing to undo there.
			op.Desire = model.DesireNone
			q.pending = q.pending[1:]
			dropped = true
		case lateUndo:
			op.Status = model.StatusDone
			q.stalled = true
		default:
			q.stalled = true
		}
		q.mu.Unlock()
		q.log.Warn().Err(err).Str("op", op.LongtermID).Str("phase", phase).Msg("server phase failed")

		if lateUndo {
			q.finishLateUndo(op)
		}

		q.mu.Lock()
		if dropped {
			q.evictLocked()
		}
		result := op.Clone()
		snap := q.snapshotLocked()
		q.mu.Unlock()

		q.persist(snap)
		q.onComplete(result, err)
		return dropped
	}
	metrics.JobPhases.WithLabelValues(string(op.Type), phase, "ok").Inc()
	op.Error = ""

	undoNow := false
	if desire == model.DesireDo {
		op.Status = model.StatusDone
		if op.Desire == model.DesireDo {
			op.Desire = model.DesireNone
			q.pending = q.pending[1:]
		} else {
			// Undo arrived while the server phase ran; the local effect is
			// still applied.
			undoNow = op.LocalStatus == model.StatusDone
		}
	} else {
		op.Status = model.StatusUndone
		op.Desire = model.DesireNone
		q.pending = q.pending[1:]
	}
	result := op.Clone()
	q.evictLocked()
	snap := q.snapshotLocked()
	q.mu.Unlock()

	q.persist(snap)
	q.onComplete(result, nil)

	if undoNow {
		q.finishLateUndo(op)
	}
	return true
}

// finishLateUndo reverts the local effect of an operation whose undo was
// requested while its server phase was running.
func (q *Queue) finishLateUndo(op *model.Operation) {
	q.mu.Lock()
	work := op.Clone()
	q.mu.Unlock()

	err := q.localUndo(q.ctx, &work)

	q.mu.Lock()
	op.Moved, op.Appended = work.Moved, work.Appended
	if err != nil {
		q.mu.Unlock()
		metrics.JobPhases.WithLabelValues(string(op.Type), "local_undo", "error").Inc()
		q.log.Warn().Err(err).Str("op", op.LongtermID).Msg("local undo failed")
		return
	}
	metrics.JobPhases.WithLabelValues(string(op.Type), "local_undo", "ok").Inc()
	op.LocalStatus = model.StatusUndone
	snap := q.snapshotLocked()
	q.mu.Unlock()
	q.persist(snap)
}
