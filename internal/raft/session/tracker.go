// Package session tracks client sessions on the leader. A session gives every client command a sequence number, so a
// command is applied exactly once and in the order the client issued it, even when it is retried or arrives out of
// order after a leader change.
package session

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"raft-session-protocol/internal/raft/operation"
	"raft-session-protocol/internal/raft/protocol"
	"raft-session-protocol/internal/raft/storage"
)

var ErrInvalidClientID = errors.New("invalid client id")

// Config holds the session policy
type Config struct {
	// Timeout granted when the client does not ask for one
	DefaultTimeout time.Duration
	// Requested timeouts are clamped into [MinTimeout, MaxTimeout]
	MinTimeout time.Duration
	MaxTimeout time.Duration
	// StrictOrdering rejects commands that skip a sequence number instead of buffering them
	StrictOrdering bool
	// How many out of order commands a session may hold back
	MaxBufferedCommands int
}

// DefaultConfig returns the default session policy
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:      5 * time.Second,
		MinTimeout:          time.Second,
		MaxTimeout:          time.Minute,
		StrictOrdering:      false,
		MaxBufferedCommands: 128,
	}
}

// Verdict is what the caller must do with a command
type Verdict uint8

const (
	// Apply commits the command, then reports the outcome through Complete or Abort
	Apply Verdict = iota
	// Duplicate answers with the cached result of the earlier execution
	Duplicate
	// Wait blocks on Decision.Ready and then calls Accept again
	Wait
)

func (v Verdict) String() string {
	switch v {
	case Apply:
		return "apply"
	case Duplicate:
		return "duplicate"
	case Wait:
		return "wait"
	default:
		return "unknown"
	}
}

// Decision is the outcome of Accept
type Decision struct {
	Verdict Verdict
	// The cached result and its log index, only set for Duplicate
	Result []byte
	Index  uint64
	// Closed once the command may be accepted again, only set for Wait
	Ready <-chan struct{}
}

// Info is a read only view of a session
type Info struct {
	ID                  uint64
	ClientID            string
	Timeout             time.Duration
	LastCommandSequence uint64
	LastAppliedIndex    uint64
	LastKeepAlive       time.Time
}

type session struct {
	id       uint64
	clientID string
	timeout  time.Duration

	lastKeepAlive       time.Time
	lastCommandSequence uint64
	// Log index of the last applied command of the session
	lastAppliedIndex uint64
	// Highest index submitted with a SEQUENTIAL query
	lastQueryIndex uint64

	results map[uint64]storage.CachedResult

	// The command currently being applied. Only lastCommandSequence+1 can be in flight.
	inflightSequence uint64
	inflightDone     chan struct{}

	// Commands waiting for their predecessors
	buffered map[uint64]chan struct{}
	pending  sequenceHeap
}

// Tracker owns every session of the cluster. It lives on the leader.
type Tracker struct {
	cfg   Config
	store storage.SessionStore
	clock clock.Clock
	log   *zap.Logger

	// Protects all fields below
	mu       sync.Mutex
	sessions map[uint64]*session
	nextID   uint64
	// Filled while the lock is held, drained by unlockAndNotify
	justExpired []uint64
	listeners   []func(id uint64)
}

// Option configures a Tracker
type Option func(*Tracker)

// WithClock replaces the realtime clock used for expiry
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithLogger sets the logger
func WithLogger(log *zap.Logger) Option {
	return func(t *Tracker) { t.log = log }
}

// WithStore persists sessions in store and restores the sessions it already holds
func WithStore(store storage.SessionStore) Option {
	return func(t *Tracker) { t.store = store }
}

// NewTracker creates a Tracker. With a store, previously persisted sessions are restored and considered alive as of
// now.
func NewTracker(cfg Config, opts ...Option) (*Tracker, error) {
	t := &Tracker{
		cfg:      cfg,
		clock:    clock.New(),
		log:      zap.NewNop(),
		sessions: make(map[uint64]*session),
		nextID:   1,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.Named("sessions")

	if t.store != nil {
		if err := t.restore(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Tracker) restore() error {
	next, err := t.store.NextSessionID()
	if err != nil {
		return fmt.Errorf("failed to load next session id: %w", err)
	}
	records, err := t.store.LoadSessions()
	if err != nil {
		return fmt.Errorf("failed to load sessions: %w", err)
	}

	now := t.clock.Now()
	for _, rec := range records {
		s := newSession(rec.ID, rec.ClientID, rec.Timeout, now)
		s.lastCommandSequence = rec.LastCommandSequence
		s.lastAppliedIndex = rec.LastAppliedIndex
		s.lastQueryIndex = rec.LastQueryIndex
		for _, res := range rec.Results {
			s.results[res.Sequence] = res
		}
		t.sessions[rec.ID] = s
		if rec.ID >= next {
			next = rec.ID + 1
		}
	}
	t.nextID = next

	t.log.Info("Restored sessions", zap.Int("sessions", len(records)), zap.Uint64("nextSessionID", next))
	return nil
}

func newSession(id uint64, clientID string, timeout time.Duration, now time.Time) *session {
	return &session{
		id:            id,
		clientID:      clientID,
		timeout:       timeout,
		lastKeepAlive: now,
		results:       make(map[uint64]storage.CachedResult),
		buffered:      make(map[uint64]chan struct{}),
	}
}

// OnExpire registers a listener called with the id of every session that expires or is unregistered. Listeners run
// outside the tracker lock.
func (t *Tracker) OnExpire(fn func(id uint64)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Register opens a new session. A zero timeout asks for the default; any other value is clamped into the configured
// bounds.
func (t *Tracker) Register(clientID string, timeout time.Duration) (Info, error) {
	if clientID == "" {
		return Info{}, ErrInvalidClientID
	}

	t.mu.Lock()
	defer t.unlockAndNotify()

	id := t.nextID
	s := newSession(id, clientID, t.clampTimeout(timeout), t.clock.Now())

	if t.store != nil {
		if err := t.store.SaveNextSessionID(id + 1); err != nil {
			return Info{}, fmt.Errorf("failed to persist next session id: %w", err)
		}
		if err := t.store.SaveSession(s.record()); err != nil {
			return Info{}, fmt.Errorf("failed to persist session %d: %w", id, err)
		}
	}

	t.nextID++
	t.sessions[id] = s
	t.log.Info("Registered session", zap.Uint64("session", id), zap.String("client", clientID),
		zap.Duration("timeout", s.timeout))
	return s.info(), nil
}

func (t *Tracker) clampTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		timeout = t.cfg.DefaultTimeout
	}
	if t.cfg.MinTimeout > 0 && timeout < t.cfg.MinTimeout {
		timeout = t.cfg.MinTimeout
	}
	if t.cfg.MaxTimeout > 0 && timeout > t.cfg.MaxTimeout {
		timeout = t.cfg.MaxTimeout
	}
	return timeout
}

// KeepAlive refreshes a session. Cached results up to ackedSequence are no longer needed by the client and are
// released.
func (t *Tracker) KeepAlive(id, ackedSequence uint64) error {
	t.mu.Lock()
	defer t.unlockAndNotify()

	s, err := t.liveLocked(id)
	if err != nil {
		return err
	}

	pruned := 0
	for seq := range s.results {
		if seq <= ackedSequence {
			delete(s.results, seq)
			pruned++
		}
	}
	if pruned > 0 {
		t.log.Debug("Released acknowledged results", zap.Uint64("session", id), zap.Int("results", pruned),
			zap.Uint64("ackedSequence", ackedSequence))
		return t.persistLocked(s)
	}
	return nil
}

// Unregister closes a session. Later requests for it fail with SessionExpired.
func (t *Tracker) Unregister(id uint64) error {
	t.mu.Lock()
	defer t.unlockAndNotify()

	s, err := t.liveLocked(id)
	if err != nil {
		return err
	}
	t.expireLocked(s, "unregistered")
	return nil
}

// Accept decides how to handle the command with the given sequence number
func (t *Tracker) Accept(id, sequence uint64) (Decision, error) {
	t.mu.Lock()
	defer t.unlockAndNotify()

	s, err := t.liveLocked(id)
	if err != nil {
		return Decision{}, err
	}

	if sequence == 0 {
		return Decision{}, fmt.Errorf("%w: sequence numbers start at 1", protocol.CommandOutOfOrder)
	}

	if sequence <= s.lastCommandSequence {
		if res, ok := s.results[sequence]; ok {
			return Decision{Verdict: Duplicate, Result: res.Result, Index: res.Index}, nil
		}
		return Decision{}, fmt.Errorf("%w: sequence %d already acknowledged, session is at %d",
			protocol.CommandOutOfOrder, sequence, s.lastCommandSequence)
	}

	if s.inflightDone != nil && sequence == s.inflightSequence {
		return Decision{Verdict: Wait, Ready: s.inflightDone}, nil
	}

	if sequence == s.lastCommandSequence+1 {
		s.inflightSequence = sequence
		s.inflightDone = make(chan struct{})
		return Decision{Verdict: Apply}, nil
	}

	// A gap: an earlier command has not arrived yet
	if t.cfg.StrictOrdering {
		return Decision{}, fmt.Errorf("%w: expected sequence %d, got %d", protocol.CommandOutOfOrder,
			s.lastCommandSequence+1, sequence)
	}
	if ready, ok := s.buffered[sequence]; ok {
		return Decision{Verdict: Wait, Ready: ready}, nil
	}
	if len(s.buffered) >= t.cfg.MaxBufferedCommands {
		return Decision{}, fmt.Errorf("%w: %d commands already waiting for sequence %d",
			protocol.CommandOutOfOrder, len(s.buffered), s.lastCommandSequence+1)
	}

	ready := make(chan struct{})
	s.buffered[sequence] = ready
	heap.Push(&s.pending, sequence)
	t.log.Debug("Buffered out of order command", zap.Uint64("session", id), zap.Uint64("sequence", sequence),
		zap.Uint64("expected", s.lastCommandSequence+1))
	return Decision{Verdict: Wait, Ready: ready}, nil
}

// Complete records that the command accepted with Apply was applied at index with the given result
func (t *Tracker) Complete(id, sequence, index uint64, result []byte) error {
	t.mu.Lock()
	defer t.unlockAndNotify()

	s, ok := t.sessions[id]
	if !ok || s.inflightDone == nil || s.inflightSequence != sequence {
		// The session expired while the command was applied
		return nil
	}

	s.lastCommandSequence = sequence
	if index > s.lastAppliedIndex {
		s.lastAppliedIndex = index
	}
	s.results[sequence] = storage.CachedResult{Sequence: sequence, Index: index, Result: append([]byte{}, result...)}
	close(s.inflightDone)
	s.inflightDone = nil
	s.inflightSequence = 0

	// Wake up buffered successors that are now next in line
	for s.pending.Len() > 0 && s.pending[0] <= s.lastCommandSequence+1 {
		next := heap.Pop(&s.pending).(uint64)
		if ready, ok := s.buffered[next]; ok {
			close(ready)
			delete(s.buffered, next)
		}
	}

	return t.persistLocked(s)
}

// Abort releases a command accepted with Apply that could not be applied. Waiting retries may apply it again.
func (t *Tracker) Abort(id, sequence uint64) {
	t.mu.Lock()
	defer t.unlockAndNotify()

	s, ok := t.sessions[id]
	if !ok || s.inflightDone == nil || s.inflightSequence != sequence {
		return
	}
	close(s.inflightDone)
	s.inflightDone = nil
	s.inflightSequence = 0
}

// Withdraw removes a buffered command whose caller stopped waiting, so it no longer counts against
// MaxBufferedCommands. Other waiters of the same sequence are woken up and buffer it again when they call Accept.
func (t *Tracker) Withdraw(id, sequence uint64, ready <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return
	}
	buffered, ok := s.buffered[sequence]
	if !ok || buffered != ready {
		return
	}
	close(buffered)
	delete(s.buffered, sequence)
	for i, seq := range s.pending {
		if seq == sequence {
			heap.Remove(&s.pending, i)
			break
		}
	}
}

// BeginQuery validates and refreshes the session of a query and returns the index the query must be served at: the
// client's index, or the index of the session's last command if that is newer. A SEQUENTIAL query whose index went
// backwards is rejected.
func (t *Tracker) BeginQuery(id uint64, level operation.ConsistencyLevel, index uint64) (uint64, error) {
	t.mu.Lock()
	defer t.unlockAndNotify()

	s, err := t.liveLocked(id)
	if err != nil {
		return 0, err
	}

	if level.OrDefault() == operation.Sequential {
		if index < s.lastQueryIndex {
			return 0, fmt.Errorf("%w: query index %d is behind %d", protocol.CommandOutOfOrder, index,
				s.lastQueryIndex)
		}
		s.lastQueryIndex = index
	}

	return max(index, s.lastAppliedIndex), nil
}

// Get returns a view of a live session
func (t *Tracker) Get(id uint64) (Info, error) {
	t.mu.Lock()
	defer t.unlockAndNotify()

	s, err := t.liveLocked(id)
	if err != nil {
		return Info{}, err
	}
	return s.info(), nil
}

// Len returns the number of sessions that have not been expired yet
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// ExpireStale expires every session whose keep-alive is overdue and returns their ids
func (t *Tracker) ExpireStale() []uint64 {
	t.mu.Lock()
	defer t.unlockAndNotify()

	now := t.clock.Now()
	var ids []uint64
	for _, s := range t.sessions {
		if now.Sub(s.lastKeepAlive) > s.timeout {
			ids = append(ids, s.id)
			t.expireLocked(s, "timed out")
		}
	}
	return ids
}

// liveLocked returns the session, refreshing it, or the error a client gets for it
func (t *Tracker) liveLocked(id uint64) (*session, error) {
	s, ok := t.sessions[id]
	if !ok {
		if id != 0 && id < t.nextID {
			return nil, fmt.Errorf("%w: session %d", protocol.SessionExpired, id)
		}
		return nil, fmt.Errorf("%w: session %d", protocol.SessionUnknown, id)
	}

	now := t.clock.Now()
	if now.Sub(s.lastKeepAlive) > s.timeout {
		t.expireLocked(s, "timed out")
		return nil, fmt.Errorf("%w: session %d", protocol.SessionExpired, id)
	}
	s.lastKeepAlive = now
	return s, nil
}

// expireLocked forgets a session. Everything waiting on it is woken up and will observe SessionExpired.
func (t *Tracker) expireLocked(s *session, reason string) {
	delete(t.sessions, s.id)

	if s.inflightDone != nil {
		close(s.inflightDone)
		s.inflightDone = nil
	}
	for seq, ready := range s.buffered {
		close(ready)
		delete(s.buffered, seq)
	}
	s.pending = nil
	s.results = nil

	if t.store != nil {
		if err := t.store.DeleteSession(s.id); err != nil {
			t.log.Error("Failed to delete session", zap.Uint64("session", s.id), zap.Error(err))
		}
	}

	t.justExpired = append(t.justExpired, s.id)
	t.log.Info("Session expired", zap.Uint64("session", s.id), zap.String("reason", reason))
}

func (t *Tracker) persistLocked(s *session) error {
	if t.store == nil {
		return nil
	}
	if err := t.store.SaveSession(s.record()); err != nil {
		return fmt.Errorf("failed to persist session %d: %w", s.id, err)
	}
	return nil
}

// unlockAndNotify releases the lock and then tells the listeners about sessions that expired while it was held
func (t *Tracker) unlockAndNotify() {
	expired := t.justExpired
	t.justExpired = nil
	listeners := t.listeners
	t.mu.Unlock()

	for _, id := range expired {
		for _, fn := range listeners {
			fn(id)
		}
	}
}

func (s *session) info() Info {
	return Info{
		ID:                  s.id,
		ClientID:            s.clientID,
		Timeout:             s.timeout,
		LastCommandSequence: s.lastCommandSequence,
		LastAppliedIndex:    s.lastAppliedIndex,
		LastKeepAlive:       s.lastKeepAlive,
	}
}

func (s *session) record() *storage.SessionRecord {
	rec := &storage.SessionRecord{
		ID:                  s.id,
		ClientID:            s.clientID,
		Timeout:             s.timeout,
		LastCommandSequence: s.lastCommandSequence,
		LastAppliedIndex:    s.lastAppliedIndex,
		LastQueryIndex:      s.lastQueryIndex,
	}
	for _, res := range s.results {
		rec.Results = append(rec.Results, res)
	}
	sort.Slice(rec.Results, func(i, j int) bool { return rec.Results[i].Sequence < rec.Results[j].Sequence })
	return rec
}

// sequenceHeap implements a min-heap of command sequence numbers
type sequenceHeap []uint64

func (h sequenceHeap) Len() int           { return len(h) }
func (h sequenceHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h sequenceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *sequenceHeap) Push(x any) {
	*h = append(*h, x.(uint64))
}

func (h *sequenceHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}
