// Package loop runs posted functions one at a time on a single goroutine.
// State owned by a Loop needs no locking as long as it is only touched from
// functions running on that loop.
package loop

import (
	"context"
	gosync "sync"
)

// Loop is an unbounded FIFO of functions drained by Run.
type Loop struct {
	mu     gosync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
}

// New creates an idle loop. Call Run to start executing posted work.
func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post enqueues fn. It never blocks, so it is safe to call from the loop
// itself. Work posted after Run returns is dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run executes posted functions in order until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	defer func() {
		l.mu.Lock()
		l.closed = true
		l.queue = nil
		l.mu.Unlock()
	}()

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			fn()
		}

		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}
	}
}

// Go runs work on a new goroutine and posts then back onto the loop with
// work's result.
func Go[T any](l *Loop, work func() T, then func(T)) {
	go func() {
		v := work()
		l.Post(func() { then(v) })
	}()
}

// Call posts fn and blocks until fn (or a continuation it scheduled)
// invokes resolve. resolve must be called at most once.
func Call[T any](ctx context.Context, l *Loop, fn func(resolve func(T))) (T, error) {
	ch := make(chan T, 1)
	l.Post(func() {
		fn(func(v T) {
			select {
			case ch <- v:
			default:
			}
		})
	})

	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Do is Call for continuations that carry only an error.
func Do(ctx context.Context, l *Loop, fn func(done func(error))) error {
	err, cerr := Call(ctx, l, fn)
	if cerr != nil {
		return cerr
	}
	return err
}
