package batcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raft-session-protocol/internal/raft/core"
	"raft-session-protocol/internal/raft/operation"
	"raft-session-protocol/internal/raft/protocol"
)

// fakeCore is a leader whose majority probes are controlled by the test
type fakeCore struct {
	mu          sync.Mutex
	commitIndex uint64
	probes      int
	probeErr    error
	// When set every probe blocks until a value is received
	gate chan struct{}
}

func (f *fakeCore) ReadState() core.ReadState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return core.ReadState{Role: core.Leader, CommitIndex: f.commitIndex, LastApplied: f.commitIndex}
}

func (f *fakeCore) Leader() (core.ServerID, bool) { return "leader", true }

func (f *fakeCore) ProbeMajority(ctx context.Context) error {
	f.mu.Lock()
	f.probes++
	gate, err := f.gate, f.probeErr
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeCore) Commit(context.Context, operation.Command) (uint64, []byte, error) {
	return 0, nil, errors.New("not implemented")
}

func (f *fakeCore) Query(operation.Query, uint64) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeCore) setCommitIndex(i uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitIndex = i
}

func (f *fakeCore) probeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

type outcome struct {
	index uint64
	err   error
}

func awaitAsync(b *Batcher, ctx context.Context, session uint64) <-chan outcome {
	out := make(chan outcome, 1)
	go func() {
		index, err := b.Await(ctx, session)
		out <- outcome{index: index, err: err}
	}()
	return out
}

func receive(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the batch result")
		return outcome{}
	}
}

func waitForQueries(t *testing.T, b *Batcher, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool { return b.Stats().Queries == n }, 2*time.Second, time.Millisecond)
}

func TestBatcher_OneRoundTripPerBatch(t *testing.T) {
	fc := &fakeCore{commitIndex: 42}
	mockClock := clock.NewMock()
	b := New(fc, Config{SealDelay: 5 * time.Millisecond, ProbeTimeout: time.Second}, WithClock(mockClock))
	defer b.Close()

	const n = 10
	results := make([]<-chan outcome, n)
	for i := 0; i < n; i++ {
		results[i] = awaitAsync(b, context.Background(), uint64(i+1))
	}
	waitForQueries(t, b, n)
	assert.Equal(t, 0, fc.probeCount())

	mockClock.Add(5 * time.Millisecond)

	for i := 0; i < n; i++ {
		o := receive(t, results[i])
		require.NoError(t, o.err)
		assert.Equal(t, uint64(42), o.index)
	}
	assert.Equal(t, 1, fc.probeCount())
	assert.Equal(t, Stats{Batches: 1, Queries: n}, b.Stats())
}

func TestBatcher_FailureFailsEveryMember(t *testing.T) {
	fc := &fakeCore{commitIndex: 3, probeErr: core.ErrNoQuorum}
	mockClock := clock.NewMock()
	b := New(fc, Config{SealDelay: time.Millisecond}, WithClock(mockClock))
	defer b.Close()

	results := []<-chan outcome{
		awaitAsync(b, context.Background(), 1),
		awaitAsync(b, context.Background(), 2),
		awaitAsync(b, context.Background(), 3),
	}
	waitForQueries(t, b, 3)
	mockClock.Add(time.Millisecond)

	for _, ch := range results {
		o := receive(t, ch)
		assert.ErrorIs(t, o.err, protocol.QueryFailure)
		assert.Equal(t, protocol.QueryFailure, protocol.CodeOf(o.err))
		assert.Zero(t, o.index)
	}
	assert.Equal(t, uint64(1), b.Stats().FailedRoundTrips)
}

func TestBatcher_QueriesDuringRoundTripSeedNextBatch(t *testing.T) {
	gate := make(chan struct{})
	fc := &fakeCore{commitIndex: 5, gate: gate}
	b := New(fc, DefaultConfig())
	defer b.Close()

	first := awaitAsync(b, context.Background(), 1)
	require.Eventually(t, func() bool { return fc.probeCount() == 1 }, 2*time.Second, time.Millisecond)

	fc.setCommitIndex(6)
	second := awaitAsync(b, context.Background(), 2)
	third := awaitAsync(b, context.Background(), 3)
	waitForQueries(t, b, 3)
	assert.Equal(t, 1, fc.probeCount())

	// Release the first round trip, then the second
	gate <- struct{}{}
	o := receive(t, first)
	require.NoError(t, o.err)
	assert.Equal(t, uint64(5), o.index)

	gate <- struct{}{}
	for _, ch := range []<-chan outcome{second, third} {
		o := receive(t, ch)
		require.NoError(t, o.err)
		assert.Equal(t, uint64(6), o.index)
	}
	assert.Equal(t, 2, fc.probeCount())
	assert.Equal(t, uint64(2), b.Stats().Batches)
}

func TestBatcher_CancelledMemberLeavesBatch(t *testing.T) {
	fc := &fakeCore{commitIndex: 8}
	mockClock := clock.NewMock()
	b := New(fc, Config{SealDelay: time.Millisecond}, WithClock(mockClock))
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := awaitAsync(b, ctx, 1)
	kept := awaitAsync(b, context.Background(), 2)
	waitForQueries(t, b, 2)

	cancel()
	o := receive(t, cancelled)
	assert.ErrorIs(t, o.err, context.Canceled)

	mockClock.Add(time.Millisecond)
	o = receive(t, kept)
	require.NoError(t, o.err)
	assert.Equal(t, uint64(8), o.index)
}

func TestBatcher_BatchWithOnlyCancelledMembersIsDropped(t *testing.T) {
	fc := &fakeCore{}
	mockClock := clock.NewMock()
	b := New(fc, Config{SealDelay: time.Millisecond}, WithClock(mockClock))
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := awaitAsync(b, ctx, 1)
	waitForQueries(t, b, 1)
	cancel()
	receive(t, ch)

	mockClock.Add(time.Millisecond)
	assert.Equal(t, 0, fc.probeCount())
	assert.Equal(t, uint64(0), b.Stats().Batches)
}

func TestBatcher_FailSession(t *testing.T) {
	fc := &fakeCore{commitIndex: 2}
	mockClock := clock.NewMock()
	b := New(fc, Config{SealDelay: time.Millisecond}, WithClock(mockClock))
	defer b.Close()

	expired := awaitAsync(b, context.Background(), 7)
	other := awaitAsync(b, context.Background(), 8)
	waitForQueries(t, b, 2)

	b.FailSession(7, protocol.SessionExpired)
	o := receive(t, expired)
	assert.ErrorIs(t, o.err, protocol.SessionExpired)

	mockClock.Add(time.Millisecond)
	o = receive(t, other)
	require.NoError(t, o.err)
	assert.Equal(t, uint64(2), o.index)
}

func TestBatcher_Close(t *testing.T) {
	fc := &fakeCore{}
	mockClock := clock.NewMock()
	b := New(fc, Config{SealDelay: time.Second}, WithClock(mockClock))

	waiting := awaitAsync(b, context.Background(), 1)
	waitForQueries(t, b, 1)

	b.Close()
	o := receive(t, waiting)
	assert.ErrorIs(t, o.err, protocol.QueryFailure)
	assert.ErrorIs(t, o.err, ErrClosed)

	_, err := b.Await(context.Background(), 2)
	assert.ErrorIs(t, err, protocol.QueryFailure)

	// Closing twice is a no-op
	b.Close()
}
