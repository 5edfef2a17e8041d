// Package batcher confirms leadership for linearizable reads. Queries that arrive while a majority round trip is being
// prepared or is in flight share a single round trip: every member of a sealed batch observes the same read index.
package batcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"raft-session-protocol/internal/raft/core"
	"raft-session-protocol/internal/raft/protocol"
)

var ErrClosed = errors.New("batcher is closed")

// The lifecycle of the batcher: Idle -> Accumulating -> RoundTripInFlight -> Idle or Accumulating
type state uint8

const (
	idle state = iota
	accumulating
	roundTripInFlight
)

func (s state) String() string {
	switch s {
	case idle:
		return "Idle"
	case accumulating:
		return "Accumulating"
	case roundTripInFlight:
		return "RoundTripInFlight"
	default:
		return "Unknown"
	}
}

// Config holds the batching policy
type Config struct {
	// SealDelay is how long an open batch keeps accepting queries before its round trip starts. Zero seals at once.
	SealDelay time.Duration
	// ProbeTimeout bounds a single majority round trip
	ProbeTimeout time.Duration
}

// DefaultConfig returns the default batching policy
func DefaultConfig() Config {
	return Config{
		SealDelay:    0,
		ProbeTimeout: 500 * time.Millisecond,
	}
}

// MetricsCollector receives the outcome of every round trip
type MetricsCollector interface {
	RecordRoundTrip(batchSize int, err error)
}

// Stats counts what the batcher has done since it was created
type Stats struct {
	Batches          uint64
	Queries          uint64
	FailedRoundTrips uint64
}

// Result is delivered to every member of a batch once its round trip completed
type Result struct {
	// The commit index captured when the batch was sealed
	ReadIndex uint64
	Err       error
}

type member struct {
	session uint64
	result  chan Result
	done    bool
}

type batch struct {
	members []*member
	live    int
}

func (b *batch) add(m *member) {
	b.members = append(b.members, m)
	b.live++
}

// Batcher coalesces linearizable reads on the leader
type Batcher struct {
	core    core.Core
	cfg     Config
	clock   clock.Clock
	metrics MetricsCollector
	log     *zap.Logger

	// Protects all fields below
	mu          sync.Mutex
	state       state
	open        *batch
	inflight    *batch
	sealPending bool
	closed      bool
	stats       Stats

	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Batcher
type Option func(*Batcher)

// WithClock replaces the realtime clock used for the seal delay
func WithClock(c clock.Clock) Option {
	return func(b *Batcher) { b.clock = c }
}

// WithLogger sets the logger
func WithLogger(log *zap.Logger) Option {
	return func(b *Batcher) { b.log = log }
}

// WithMetrics sets the metrics collector
func WithMetrics(m MetricsCollector) Option {
	return func(b *Batcher) { b.metrics = m }
}

// New creates a Batcher confirming leadership through c
func New(c core.Core, cfg Config, opts ...Option) *Batcher {
	b := &Batcher{
		core:  c,
		cfg:   cfg,
		clock: clock.New(),
		log:   zap.NewNop(),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.Named("batcher")
	return b
}

// Await joins the open batch and blocks until its round trip completed. It returns the read index the caller must
// serve its query at. Every failure of the round trip is reported as protocol.QueryFailure. If ctx is cancelled the
// caller leaves the batch and the other members are not affected.
func (b *Batcher) Await(ctx context.Context, session uint64) (uint64, error) {
	m := &member{session: session, result: make(chan Result, 1)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, fmt.Errorf("%w: %w", protocol.QueryFailure, ErrClosed)
	}
	if b.open == nil {
		b.open = &batch{}
	}
	b.open.add(m)
	b.stats.Queries++
	if b.state == idle {
		b.state = accumulating
	}
	b.scheduleSealLocked()
	b.mu.Unlock()

	select {
	case res := <-m.result:
		return res.ReadIndex, res.Err
	case <-ctx.Done():
		b.mu.Lock()
		defer b.mu.Unlock()
		if m.done {
			// The result raced with the cancellation
			res := <-m.result
			return res.ReadIndex, res.Err
		}
		b.leaveLocked(m)
		return 0, ctx.Err()
	}
}

// FailSession delivers err to every waiting member owned by session
func (b *Batcher) FailSession(session uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, bt := range []*batch{b.open, b.inflight} {
		if bt == nil {
			continue
		}
		for _, m := range bt.members {
			if !m.done && m.session == session {
				b.deliverLocked(bt, m, Result{Err: err})
			}
		}
	}
}

// Stats returns a copy of the batcher counters
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Close fails every waiting member with QueryFailure and waits for the round trip in flight to finish
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.done)
	err := fmt.Errorf("%w: %w", protocol.QueryFailure, ErrClosed)
	b.failAllLocked(b.open, err)
	b.failAllLocked(b.inflight, err)
	b.open = nil
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Batcher) scheduleSealLocked() {
	if b.state != accumulating || b.sealPending {
		return
	}
	if b.cfg.SealDelay <= 0 {
		b.sealLocked()
		return
	}

	b.sealPending = true
	timer := b.clock.Timer(b.cfg.SealDelay)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		select {
		case <-timer.C:
		case <-b.done:
			timer.Stop()
			return
		}

		b.mu.Lock()
		defer b.mu.Unlock()
		b.sealPending = false
		if !b.closed {
			b.sealLocked()
		}
	}()
}

// sealLocked closes the open batch, captures its read index and starts its round trip
func (b *Batcher) sealLocked() {
	sealed := b.open
	b.open = nil
	if sealed == nil || sealed.live == 0 {
		b.state = idle
		return
	}

	b.state = roundTripInFlight
	b.inflight = sealed
	b.stats.Batches++
	readIndex := b.core.ReadState().CommitIndex

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.roundTrip(sealed, readIndex)
	}()
}

func (b *Batcher) roundTrip(sealed *batch, readIndex uint64) {
	ctx := context.Background()
	if b.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.ProbeTimeout)
		defer cancel()
	}

	err := b.core.ProbeMajority(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()

	size := len(sealed.members)
	if b.metrics != nil {
		b.metrics.RecordRoundTrip(size, err)
	}

	if err != nil {
		b.stats.FailedRoundTrips++
		b.log.Warn("Majority round trip failed", zap.Int("batchSize", size), zap.Uint64("readIndex", readIndex),
			zap.Error(err))
		b.failAllLocked(sealed, fmt.Errorf("%w: %w", protocol.QueryFailure, err))
	} else {
		b.log.Debug("Majority round trip completed", zap.Int("batchSize", size),
			zap.Uint64("readIndex", readIndex))
		for _, m := range sealed.members {
			if !m.done {
				b.deliverLocked(sealed, m, Result{ReadIndex: readIndex})
			}
		}
	}

	b.inflight = nil
	if b.closed {
		b.state = idle
		return
	}
	if b.open != nil {
		b.state = accumulating
		b.scheduleSealLocked()
		return
	}
	b.state = idle
}

func (b *Batcher) failAllLocked(bt *batch, err error) {
	if bt == nil {
		return
	}
	for _, m := range bt.members {
		if !m.done {
			b.deliverLocked(bt, m, Result{Err: err})
		}
	}
}

func (b *Batcher) deliverLocked(bt *batch, m *member, res Result) {
	m.done = true
	bt.live--
	m.result <- res
}

// leaveLocked removes a cancelled member without delivering anything to it
func (b *Batcher) leaveLocked(m *member) {
	for _, bt := range []*batch{b.open, b.inflight} {
		if bt == nil {
			continue
		}
		for _, candidate := range bt.members {
			if candidate == m {
				m.done = true
				bt.live--
				return
			}
		}
	}
}
