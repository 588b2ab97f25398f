package loop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(cancel)
	return l
}

func TestPostRunsInOrder(t *testing.T) {
	l := startLoop(t)

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	n, err := Call(context.Background(), l, func(resolve func(int)) {
		resolve(len(got))
	})
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestPostFromLoopDoesNotBlock(t *testing.T) {
	l := startLoop(t)

	v, err := Call(context.Background(), l, func(resolve func(string)) {
		l.Post(func() { resolve("nested") })
	})
	require.NoError(t, err)
	assert.Equal(t, "nested", v)
}

func TestGoPostsResultBack(t *testing.T) {
	l := startLoop(t)

	v, err := Call(context.Background(), l, func(resolve func(int)) {
		Go(l, func() int { return 42 }, resolve)
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestDoPropagatesError(t *testing.T) {
	l := startLoop(t)
	boom := errors.New("boom")

	err := Do(context.Background(), l, func(done func(error)) { done(boom) })
	assert.ErrorIs(t, err, boom)
}

func TestCallHonoursContext(t *testing.T) {
	l := startLoop(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Call(ctx, l, func(resolve func(int)) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
