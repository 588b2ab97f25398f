package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/protocol"
	"github.com/nhle/mailsync/internal/protocol/fake"
	"github.com/nhle/mailsync/internal/testutil"
)

func newTestPool(srv *fake.Server, max int) *Pool {
	return New(protocol.DialerFunc(srv.Dial), Options{MaxConnections: max, Log: zerolog.Nop()})
}

func TestSameFolderLeasesAreExclusive(t *testing.T) {
	ctx := testutil.Context(t)
	srv := fake.NewServer()
	p := newTestPool(srv, 4)
	defer p.Close()

	first, err := p.Acquire(ctx, "acct/0", "INBOX")
	require.NoError(t, err)

	var secondHeld atomic.Bool
	acquired := make(chan *Lease)
	go func() {
		l, err := p.Acquire(ctx, "acct/0", "INBOX")
		if err != nil {
			close(acquired)
			return
		}
		secondHeld.Store(true)
		acquired <- l
	}()

	// The second request must still be waiting while the first is held.
	time.Sleep(50 * time.Millisecond)
	assert.False(t, secondHeld.Load())

	first.Release(ctx)
	second, ok := <-acquired
	require.True(t, ok)
	require.NotNil(t, second)
	second.Release(ctx)

	assert.Equal(t, 1, srv.MaxSelected("INBOX"))
	assert.Equal(t, 1, srv.Calls("dial"), "idle connection should be reused")
}

func TestDifferentFoldersLeaseConcurrently(t *testing.T) {
	ctx := testutil.Context(t)
	srv := fake.NewServer()
	srv.AddFolder("Archive")
	p := newTestPool(srv, 4)
	defer p.Close()

	a, err := p.Acquire(ctx, "acct/0", "INBOX")
	require.NoError(t, err)
	b, err := p.Acquire(ctx, "acct/1", "Archive")
	require.NoError(t, err)

	assert.Equal(t, "INBOX", a.Conn().Selected())
	assert.Equal(t, "Archive", b.Conn().Selected())
	open, idle := p.Stats()
	assert.Equal(t, 2, open)
	assert.Zero(t, idle)

	a.Release(ctx)
	b.Release(ctx)
	open, idle = p.Stats()
	assert.Equal(t, 2, open)
	assert.Equal(t, 2, idle)
}

func TestAcquireWaitsAtCapacity(t *testing.T) {
	ctx := testutil.Context(t)
	srv := fake.NewServer()
	srv.AddFolder("Archive")
	p := newTestPool(srv, 1)
	defer p.Close()

	a, err := p.Acquire(ctx, "acct/0", "INBOX")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(short, "acct/1", "Archive")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	a.Release(ctx)
	b, err := p.Acquire(ctx, "acct/1", "Archive")
	require.NoError(t, err)
	b.Release(ctx)
	assert.Equal(t, 1, srv.Calls("dial"))
}

func TestReleaseExpungesDeleted(t *testing.T) {
	ctx := testutil.Context(t)
	srv := fake.NewServer()
	uid := srv.Add("INBOX", fake.Message{Date: time.Now(), Subject: "gone"})
	p := newTestPool(srv, 1)
	defer p.Close()

	l, err := p.Acquire(ctx, "acct/0", "INBOX")
	require.NoError(t, err)
	require.NoError(t, l.Conn().Store(ctx, []model.UID{uid}, []string{model.FlagDeleted}, nil))
	l.Release(ctx)

	assert.Empty(t, srv.Messages("INBOX"))
}

func TestDialFailureFreesFolder(t *testing.T) {
	ctx := testutil.Context(t)
	srv := fake.NewServer()
	srv.SetOffline(true)
	p := newTestPool(srv, 1)
	defer p.Close()

	_, err := p.Acquire(ctx, "acct/0", "INBOX")
	require.ErrorIs(t, err, fake.ErrOffline)

	srv.SetOffline(false)
	l, err := p.Acquire(ctx, "acct/0", "INBOX")
	require.NoError(t, err)
	l.Release(ctx)
}

func TestAcquireAfterClose(t *testing.T) {
	p := newTestPool(fake.NewServer(), 1)
	require.NoError(t, p.Close())
	_, err := p.Acquire(context.Background(), "acct/0", "INBOX")
	assert.ErrorIs(t, err, ErrClosed)
}
