// Package pool hands out server connections leased to one folder at a
// time. A folder never has two leases outstanding; a second request for
// it waits for the first lease to be released.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/protocol"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("pool closed")

// Options configure a Pool.
type Options struct {
	// MaxConnections bounds open plus opening connections. Zero means 4.
	MaxConnections int
	// OpenRate limits how fast new connections are dialed. Zero means
	// unlimited.
	OpenRate  rate.Limit
	OpenBurst int
	Log       zerolog.Logger
}

type idleConn struct {
	conn       protocol.Connection
	lastFolder string
}

// Pool manages one account's connections.
type Pool struct {
	dialer  protocol.Dialer
	limiter *rate.Limiter
	max     int
	log     zerolog.Logger

	mu     sync.Mutex
	idle   []idleConn
	held   map[string]bool
	total  int
	freed  chan struct{}
	closed bool
}

// New creates a pool that opens connections with dialer.
func New(dialer protocol.Dialer, opts Options) *Pool {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 4
	}
	limit, burst := opts.OpenRate, opts.OpenBurst
	if limit == 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Pool{
		dialer:  dialer,
		limiter: rate.NewLimiter(limit, burst),
		max:     opts.MaxConnections,
		log:     opts.Log,
		held:    make(map[string]bool),
		freed:   make(chan struct{}),
	}
}

// Lease is exclusive use of a connection with one folder selected.
type Lease struct {
	p        *Pool
	conn     protocol.Connection
	folderID string
	status   *protocol.MailboxStatus
	done     bool
}

// Conn returns the leased connection.
func (l *Lease) Conn() protocol.Connection { return l.conn }

// Status returns what selecting the folder reported.
func (l *Lease) Status() *protocol.MailboxStatus { return l.status }

// FolderID returns the folder the lease is tagged with.
func (l *Lease) FolderID() string { return l.folderID }

// broadcast wakes every waiter. Callers hold mu.
func (p *Pool) broadcast() {
	close(p.freed)
	p.freed = make(chan struct{})
	metrics.PoolConnections.Set(float64(p.total))
}

// takeIdle removes and returns an idle connection, preferring one last
// used for folderID. Callers hold mu.
func (p *Pool) takeIdle(folderID string) (protocol.Connection, bool) {
	if len(p.idle) == 0 {
		return nil, false
	}
	pick := len(p.idle) - 1
	for i, ic := range p.idle {
		if ic.lastFolder == folderID {
			pick = i
			break
		}
	}
	conn := p.idle[pick].conn
	p.idle = append(p.idle[:pick], p.idle[pick+1:]...)
	return conn, true
}

// Acquire leases a connection for folderID with path selected. It waits
// while another lease holds the folder or the pool is at capacity.
func (p *Pool) Acquire(ctx context.Context, folderID, path string) (*Lease, error) {
	waited := false
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if !p.held[folderID] {
			if conn, ok := p.takeIdle(folderID); ok {
				p.held[folderID] = true
				p.mu.Unlock()
				return p.enter(ctx, conn, folderID, path)
			}
			if p.total < p.max {
				p.held[folderID] = true
				p.total++
				p.mu.Unlock()
				conn, err := p.open(ctx)
				if err != nil {
					p.mu.Lock()
					p.total--
					delete(p.held, folderID)
					p.broadcast()
					p.mu.Unlock()
					return nil, err
				}
				return p.enter(ctx, conn, folderID, path)
			}
		}
		freed := p.freed
		p.mu.Unlock()

		if !waited {
			waited = true
			metrics.PoolWaits.Inc()
		}
		select {
		case <-freed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) open(ctx context.Context) (protocol.Connection, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	conn, err := p.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening connection: %w", err)
	}
	p.log.Debug().Msg("connection opened")
	return conn, nil
}

func (p *Pool) enter(
	ctx context.Context,
	conn protocol.Connection,
	folderID, path string,
) (*Lease, error) {
	l := &Lease{p: p, conn: conn, folderID: folderID}
	status, err := conn.Select(ctx, path)
	if err != nil {
		l.Discard()
		return nil, fmt.Errorf("selecting %s: %w", path, err)
	}
	l.status = status
	return l, nil
}

// Release closes the folder server-side, which expunges messages flagged
// deleted, and returns the connection to the idle set. A connection that
// fails to unselect is closed instead.
func (l *Lease) Release(ctx context.Context) {
	if l.done {
		return
	}
	if err := l.conn.UnselectAndExpunge(ctx); err != nil {
		l.p.log.Warn().Err(err).Str("folder", l.folderID).Msg("unselect failed, dropping connection")
		l.Discard()
		return
	}
	l.done = true

	p := l.p
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.held, l.folderID)
	if p.closed {
		_ = l.conn.Close()
		p.total--
	} else {
		p.idle = append(p.idle, idleConn{conn: l.conn, lastFolder: l.folderID})
	}
	p.broadcast()
}

// Discard closes the connection and frees the folder. Use it after an
// I/O error leaves the session in an unknown state.
func (l *Lease) Discard() {
	if l.done {
		return
	}
	l.done = true
	_ = l.conn.Close()

	p := l.p
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.held, l.folderID)
	p.total--
	p.broadcast()
}

// Close closes idle connections and fails later Acquire calls. Leased
// connections are closed as they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var errs []error
	for _, ic := range p.idle {
		if err := ic.conn.Close(); err != nil {
			errs = append(errs, err)
		}
		p.total--
	}
	p.idle = nil
	p.broadcast()
	return errors.Join(errs...)
}

// Stats reports open and idle connection counts.
func (p *Pool) Stats() (open, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total, len(p.idle)
}
