package server

import (
	"fmt"
	"sync"
	"time"

	"raft-session-protocol/internal/raft/operation"
	"raft-session-protocol/internal/raft/protocol"
)

// followerSession is what a server that is not the leader remembers about a session it served reads for
type followerSession struct {
	// When the leader last confirmed the session is alive
	verifiedAt time.Time
	lastSeen   time.Time
	// Highest index submitted with a SEQUENTIAL query
	lastQueryIndex uint64
}

// followerSessions lets a follower serve CAUSAL and SEQUENTIAL reads without asking the leader for every query.
// A session is confirmed with the leader at most once per verifyEvery; between confirmations the follower enforces
// SEQUENTIAL monotonicity on its own.
type followerSessions struct {
	verifyEvery time.Duration

	mu       sync.Mutex
	sessions map[uint64]*followerSession
}

func newFollowerSessions(verifyEvery time.Duration) *followerSessions {
	return &followerSessions{
		verifyEvery: verifyEvery,
		sessions:    make(map[uint64]*followerSession),
	}
}

// needsVerify reports whether the leader must confirm the session before it is served
func (f *followerSessions) needsVerify(id uint64, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	fs, ok := f.sessions[id]
	return !ok || now.Sub(fs.verifiedAt) >= f.verifyEvery
}

// verified records that the leader confirmed the session
func (f *followerSessions) verified(id uint64, now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fs, ok := f.sessions[id]
	if !ok {
		fs = &followerSession{}
		f.sessions[id] = fs
	}
	fs.verifiedAt = now
	fs.lastSeen = now
}

// begin checks a query against what the follower knows about its session. A SEQUENTIAL index that went backwards is
// rejected.
func (f *followerSessions) begin(id uint64, level operation.ConsistencyLevel, index uint64, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fs, ok := f.sessions[id]
	if !ok {
		return fmt.Errorf("%w: session %d", protocol.SessionUnknown, id)
	}
	fs.lastSeen = now

	if level == operation.Sequential {
		if index < fs.lastQueryIndex {
			return fmt.Errorf("%w: query index %d is behind %d", protocol.CommandOutOfOrder, index,
				fs.lastQueryIndex)
		}
		fs.lastQueryIndex = index
	}
	return nil
}

func (f *followerSessions) forget(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
}

// evictIdle drops sessions that sent no query for longer than idle and returns how many were dropped
func (f *followerSessions) evictIdle(now time.Time, idle time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	evicted := 0
	for id, fs := range f.sessions {
		if now.Sub(fs.lastSeen) > idle {
			delete(f.sessions, id)
			evicted++
		}
	}
	return evicted
}

func (f *followerSessions) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}
