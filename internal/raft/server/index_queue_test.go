package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raft-session-protocol/internal/raft/protocol"
)

// waitAsync starts q.Wait in a goroutine and returns the channel its result is delivered on
func waitAsync(ctx context.Context, q *IndexQueue, session, index uint64) <-chan error {
	result := make(chan error, 1)
	go func() { result <- q.Wait(ctx, session, index) }()
	return result
}

func waitForLen(t *testing.T, q *IndexQueue, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return q.Len() == n }, time.Second, time.Millisecond)
}

func receive(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the query to be released")
		return nil
	}
}

func TestIndexQueue_Wait(t *testing.T) {
	t.Run("already applied index returns at once", func(t *testing.T) {
		q := NewIndexQueue(10, 0, clock.NewMock(), nil)
		assert.NoError(t, q.Wait(context.Background(), 1, 7))
		assert.NoError(t, q.Wait(context.Background(), 1, 10))
		assert.Equal(t, 0, q.Len())
	})

	t.Run("queued until the index is applied", func(t *testing.T) {
		q := NewIndexQueue(0, 0, clock.NewMock(), nil)
		result := waitAsync(context.Background(), q, 1, 7)
		waitForLen(t, q, 1)

		q.Advance(6)
		select {
		case <-result:
			t.Fatal("query released before its index was applied")
		case <-time.After(20 * time.Millisecond):
		}

		q.Advance(10)
		assert.NoError(t, receive(t, result))
		assert.Equal(t, 0, q.Len())
		assert.Equal(t, uint64(10), q.Applied())
	})

	t.Run("advance releases only reached indices", func(t *testing.T) {
		q := NewIndexQueue(0, 0, clock.NewMock(), nil)
		low := waitAsync(context.Background(), q, 1, 3)
		high := waitAsync(context.Background(), q, 2, 9)
		waitForLen(t, q, 2)

		q.Advance(5)
		assert.NoError(t, receive(t, low))
		assert.Equal(t, 1, q.Len())

		q.Advance(9)
		assert.NoError(t, receive(t, high))
	})

	t.Run("advance never goes backwards", func(t *testing.T) {
		q := NewIndexQueue(8, 0, clock.NewMock(), nil)
		q.Advance(4)
		assert.Equal(t, uint64(8), q.Applied())
	})

	t.Run("context cancellation removes the query", func(t *testing.T) {
		q := NewIndexQueue(0, 0, clock.NewMock(), nil)
		ctx, cancel := context.WithCancel(context.Background())
		result := waitAsync(ctx, q, 1, 5)
		waitForLen(t, q, 1)

		cancel()
		assert.ErrorIs(t, receive(t, result), context.Canceled)
		assert.Equal(t, 0, q.Len())
	})

	t.Run("max wait fails the query", func(t *testing.T) {
		mock := clock.NewMock()
		q := NewIndexQueue(0, time.Second, mock, nil)
		result := waitAsync(context.Background(), q, 1, 5)
		waitForLen(t, q, 1)

		mock.Add(time.Second)
		err := receive(t, result)
		assert.ErrorIs(t, err, protocol.QueryFailure)
		assert.ErrorIs(t, err, ErrQueryTimeout)
		assert.Equal(t, 0, q.Len())
	})
}

func TestIndexQueue_FailSession(t *testing.T) {
	q := NewIndexQueue(0, 0, clock.NewMock(), nil)
	expired := waitAsync(context.Background(), q, 1, 5)
	other := waitAsync(context.Background(), q, 2, 5)
	waitForLen(t, q, 2)

	assert.Equal(t, 1, q.FailSession(1, protocol.SessionExpired))
	assert.ErrorIs(t, receive(t, expired), protocol.SessionExpired)
	assert.Equal(t, 1, q.Len())

	assert.Equal(t, 0, q.FailSession(1, protocol.SessionExpired))

	q.Advance(5)
	assert.NoError(t, receive(t, other))
}

func TestIndexQueue_Close(t *testing.T) {
	t.Run("fails parked and new queries", func(t *testing.T) {
		q := NewIndexQueue(0, 0, clock.NewMock(), nil)
		result := waitAsync(context.Background(), q, 1, 5)
		waitForLen(t, q, 1)

		shutdown := errors.New("shutting down")
		q.Close(shutdown)
		assert.ErrorIs(t, receive(t, result), shutdown)
		assert.ErrorIs(t, q.Wait(context.Background(), 1, 9), shutdown)
	})

	t.Run("nil error defaults to a query failure", func(t *testing.T) {
		q := NewIndexQueue(0, 0, clock.NewMock(), nil)
		q.Close(nil)

		err := q.Wait(context.Background(), 1, 1)
		assert.ErrorIs(t, err, protocol.QueryFailure)
		assert.ErrorIs(t, err, ErrQueueClosed)
	})
}

func TestIndexQueue_OnChange(t *testing.T) {
	var mu sync.Mutex
	var sizes []int
	q := NewIndexQueue(0, 0, clock.NewMock(), func(n int) {
		mu.Lock()
		defer mu.Unlock()
		sizes = append(sizes, n)
	})

	result := waitAsync(context.Background(), q, 1, 2)
	waitForLen(t, q, 1)
	q.Advance(2)
	require.NoError(t, receive(t, result))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 0}, sizes)
}
