package core

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"raft-session-protocol/internal/raft/operation"
	"raft-session-protocol/internal/raft/state_machine"
)

// getElectionTimeout generates a randomly chosen ElectionTimeout. The range of 150-300ms is chosen based on the
// recommendation at the end of Section 9.3 from the [Raft paper](https://raft.github.io/raft.pdf)
func getElectionTimeout() time.Duration {
	return time.Duration(rand.Intn(151)+150) * time.Millisecond
}

// MemoryCore is an in-process stand-in for the Raft consensus module. A leader commits and applies commands
// immediately, a follower applies whatever entries it is handed through ApplyCommitted. It is enough to run the
// session layer as a single node and to drive it deterministically in tests.
type MemoryCore struct {
	// Protects all fields below
	mu sync.RWMutex

	id     ServerID
	role   Role
	leader ServerID
	term   uint64

	commitIndex uint64
	lastApplied uint64

	// The last time a majority of the cluster acknowledged this server (leader), or the last time the leader was
	// heard from (follower)
	lastMajorityContact time.Time
	electionTimeout     time.Duration

	stateMachine state_machine.StateMachine
	// Optional prober used for ProbeMajority. Without one the server is a cluster of one and is its own majority.
	prober func(ctx context.Context) error
	// Called with the new last applied index after every apply
	appliedListeners []func(index uint64)

	clock clock.Clock
	log   *zap.Logger
}

// MemoryCoreOption configures a MemoryCore
type MemoryCoreOption func(*MemoryCore)

// WithClock replaces the realtime clock, mostly for tests
func WithClock(c clock.Clock) MemoryCoreOption {
	return func(m *MemoryCore) { m.clock = c }
}

// WithProber sets the function used to confirm leadership with a majority
func WithProber(prober func(ctx context.Context) error) MemoryCoreOption {
	return func(m *MemoryCore) { m.prober = prober }
}

// WithElectionTimeout overrides the randomly chosen election timeout
func WithElectionTimeout(d time.Duration) MemoryCoreOption {
	return func(m *MemoryCore) { m.electionTimeout = d }
}

// WithLogger sets the logger
func WithLogger(log *zap.Logger) MemoryCoreOption {
	return func(m *MemoryCore) { m.log = log }
}

// NewMemoryCore creates a MemoryCore in the given role. A Leader considers itself the leader.
func NewMemoryCore(id ServerID, role Role, sm state_machine.StateMachine, opts ...MemoryCoreOption) *MemoryCore {
	m := &MemoryCore{
		id:              id,
		role:            role,
		term:            1,
		stateMachine:    sm,
		electionTimeout: getElectionTimeout(),
		clock:           clock.New(),
		log:             zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.Named("core")
	if role == Leader {
		m.leader = id
	}
	return m
}

// ReadState returns a consistent snapshot of the read path state
func (m *MemoryCore) ReadState() ReadState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	since := time.Duration(math.MaxInt64)
	if !m.lastMajorityContact.IsZero() {
		since = m.clock.Since(m.lastMajorityContact)
	}

	return ReadState{
		Role:                 m.role,
		Term:                 m.term,
		CommitIndex:          m.commitIndex,
		LastApplied:          m.lastApplied,
		SinceMajorityContact: since,
		ElectionTimeout:      m.electionTimeout,
	}
}

// Leader returns the current leader hint
func (m *MemoryCore) Leader() (ServerID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.leader, m.leader != ""
}

// ProbeMajority confirms leadership. On success the majority contact time is refreshed, which also renews the lease.
func (m *MemoryCore) ProbeMajority(ctx context.Context) error {
	m.mu.RLock()
	role, term, prober := m.role, m.term, m.prober
	m.mu.RUnlock()

	if role != Leader {
		return ErrNotLeader
	}

	if prober != nil {
		if err := prober(ctx); err != nil {
			return fmt.Errorf("probe for term %d failed: %w", term, err)
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Leadership may have been lost while the probe was in flight
	if m.role != Leader || m.term != term {
		return ErrNotLeader
	}
	m.lastMajorityContact = m.clock.Now()
	return nil
}

// Commit appends the command to the log and applies it. Only the leader accepts commands.
func (m *MemoryCore) Commit(ctx context.Context, command operation.Command) (uint64, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}

	m.mu.Lock()
	if m.role != Leader {
		m.mu.Unlock()
		return 0, nil, ErrNotLeader
	}
	index := m.commitIndex + 1
	m.commitIndex = index
	result, err := m.stateMachine.Apply(index, command.Bytes())
	m.lastApplied = index
	listeners := m.appliedListeners
	m.mu.Unlock()

	m.notifyApplied(listeners, index)
	return index, result, err
}

// Query applies a read to the state machine
func (m *MemoryCore) Query(query operation.Query, index uint64) ([]byte, error) {
	m.mu.RLock()
	lastApplied := m.lastApplied
	m.mu.RUnlock()

	if lastApplied < index {
		return nil, fmt.Errorf("state machine at index %d has not reached index %d", lastApplied, index)
	}
	return m.stateMachine.Query(query.Bytes())
}

// ApplyCommitted applies entries replicated from the leader, in order. It is how a follower advances.
func (m *MemoryCore) ApplyCommitted(commands ...[]byte) uint64 {
	m.mu.Lock()
	for _, command := range commands {
		index := m.lastApplied + 1
		if _, err := m.stateMachine.Apply(index, command); err != nil {
			m.log.Warn("Replicated command failed", zap.Uint64("index", index), zap.Error(err))
		}
		m.lastApplied = index
		if index > m.commitIndex {
			m.commitIndex = index
		}
	}
	// Receiving entries counts as contact with the leader
	m.lastMajorityContact = m.clock.Now()
	index := m.lastApplied
	listeners := m.appliedListeners
	m.mu.Unlock()

	m.notifyApplied(listeners, index)
	return index
}

// SetRole changes the role and the leader hint. Stepping into a new role starts a new term.
func (m *MemoryCore) SetRole(role Role, leader ServerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if role != m.role {
		m.term++
	}
	m.role = role
	m.leader = leader
	if role == Leader {
		m.leader = m.id
		// A new leader has no lease until it contacts a majority
		m.lastMajorityContact = time.Time{}
	}
	m.log.Info("Role changed", zap.Stringer("role", role), zap.String("leader", string(m.leader)),
		zap.Uint64("term", m.term))
}

// TouchMajority records contact with a majority (or with the leader, for a follower)
func (m *MemoryCore) TouchMajority() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastMajorityContact = m.clock.Now()
}

// OnApplied registers a listener called after the last applied index advanced
func (m *MemoryCore) OnApplied(fn func(index uint64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appliedListeners = append(m.appliedListeners, fn)
}

func (m *MemoryCore) notifyApplied(listeners []func(uint64), index uint64) {
	for _, fn := range listeners {
		fn(index)
	}
}
