package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/btree"

	"raft-session-protocol/internal/raft/protocol"
)

var (
	ErrQueueClosed  = errors.New("pending query queue is closed")
	ErrQueryTimeout = errors.New("query waited too long for the state machine to catch up")
)

// pendingQuery is a query parked until the local state machine applied index
type pendingQuery struct {
	index   uint64
	arrival uint64
	session uint64
	// Buffered so resolving never blocks the goroutine advancing the queue
	done chan error
}

func pendingLess(a, b *pendingQuery) bool {
	if a.index != b.index {
		return a.index < b.index
	}
	return a.arrival < b.arrival
}

// IndexQueue parks queries until the local state machine catches up with the index they need. It never polls: it is
// advanced by whoever learns about a newly applied index.
type IndexQueue struct {
	maxWait time.Duration
	clock   clock.Clock
	// Called with the queue length after it changed
	onChange func(n int)

	// Protects all fields below
	mu       sync.Mutex
	pending  *btree.BTreeG[*pendingQuery]
	applied  uint64
	arrivals uint64
	closed   bool
	closeErr error
}

// NewIndexQueue creates a queue that considers applied as already reached. A positive maxWait bounds how long a query
// may stay parked.
func NewIndexQueue(applied uint64, maxWait time.Duration, clk clock.Clock, onChange func(n int)) *IndexQueue {
	if clk == nil {
		clk = clock.New()
	}
	if onChange == nil {
		onChange = func(int) {}
	}
	return &IndexQueue{
		maxWait:  maxWait,
		clock:    clk,
		onChange: onChange,
		pending:  btree.NewG[*pendingQuery](32, pendingLess),
		applied:  applied,
	}
}

// Wait blocks until index has been applied. It fails with QueryFailure when the query waited longer than the maximum
// wait or the queue was closed, with the error given to FailSession when the owning session died, and with the
// context error when ctx is done. A query that stops waiting is removed from the queue.
func (q *IndexQueue) Wait(ctx context.Context, session, index uint64) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return q.closeErr
	}
	if index <= q.applied {
		q.mu.Unlock()
		return nil
	}

	// The timer is armed before the query becomes visible, so a mock clock advanced by a caller that saw the query
	// queued always fires it
	var timeout <-chan time.Time
	if q.maxWait > 0 {
		timer := q.clock.Timer(q.maxWait)
		defer timer.Stop()
		timeout = timer.C
	}

	q.arrivals++
	p := &pendingQuery{index: index, arrival: q.arrivals, session: session, done: make(chan error, 1)}
	q.pending.ReplaceOrInsert(p)
	n := q.pending.Len()
	q.mu.Unlock()
	q.onChange(n)

	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		return q.abandon(p, ctx.Err())
	case <-timeout:
		return q.abandon(p, fmt.Errorf("%w: %w at index %d", protocol.QueryFailure, ErrQueryTimeout, index))
	}
}

// abandon removes p unless it was resolved in the meantime, in which case its result wins
func (q *IndexQueue) abandon(p *pendingQuery, err error) error {
	q.mu.Lock()
	_, removed := q.pending.Delete(p)
	n := q.pending.Len()
	q.mu.Unlock()

	if !removed {
		return <-p.done
	}
	q.onChange(n)
	return err
}

// Advance records a newly applied index and releases every query waiting for it, oldest index first
func (q *IndexQueue) Advance(applied uint64) {
	q.mu.Lock()
	if applied <= q.applied {
		q.mu.Unlock()
		return
	}
	q.applied = applied

	var ready []*pendingQuery
	for {
		p, ok := q.pending.Min()
		if !ok || p.index > applied {
			break
		}
		q.pending.DeleteMin()
		ready = append(ready, p)
	}
	n := q.pending.Len()
	q.mu.Unlock()

	for _, p := range ready {
		p.done <- nil
	}
	if len(ready) > 0 {
		q.onChange(n)
	}
}

// FailSession fails every query owned by session with err
func (q *IndexQueue) FailSession(session uint64, err error) int {
	q.mu.Lock()
	var failed []*pendingQuery
	q.pending.Ascend(func(p *pendingQuery) bool {
		if p.session == session {
			failed = append(failed, p)
		}
		return true
	})
	for _, p := range failed {
		q.pending.Delete(p)
	}
	n := q.pending.Len()
	q.mu.Unlock()

	for _, p := range failed {
		p.done <- err
	}
	if len(failed) > 0 {
		q.onChange(n)
	}
	return len(failed)
}

// Close fails every parked query with err and rejects new ones with it
func (q *IndexQueue) Close(err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if err == nil {
		err = fmt.Errorf("%w: %w", protocol.QueryFailure, ErrQueueClosed)
	}
	q.closed = true
	q.closeErr = err

	var failed []*pendingQuery
	for q.pending.Len() > 0 {
		p, _ := q.pending.DeleteMin()
		failed = append(failed, p)
	}
	q.mu.Unlock()

	for _, p := range failed {
		p.done <- err
	}
	q.onChange(0)
}

// Applied returns the highest index the queue knows to be applied
func (q *IndexQueue) Applied() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.applied
}

// Len returns the number of parked queries
func (q *IndexQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}
