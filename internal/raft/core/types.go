package core

import (
	"context"
	"errors"
	"time"

	"raft-session-protocol/internal/raft/operation"
)

// ServerID is the id of the server in the cluster
type ServerID string

// ServerAddress is the network address of a Server
type ServerAddress string

// A Role is a custom type representing the role of a server at any given point: leader, follower, or candidate, as
// per Section 5.1 from the [Raft paper](https://raft.github.io/raft.pdf)
type Role uint8

// As Golang does not support Enums this is a common pattern for implementing one. When a server initially starts it
// is a Follower, so Follower is the zero value.
const (
	Follower Role = iota
	Candidate
	Leader
)

// String returns the string representation of the Role
func (r Role) String() string {
	switch r {
	case Leader:
		return "Leader"
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	default:
		return "Unknown"
	}
}

var (
	ErrNotLeader = errors.New("server is not the leader")
	ErrNoQuorum  = errors.New("majority of the cluster could not be contacted")
)

// ReadState is a consistent snapshot of the Raft state that matters to the read path. It is produced by the Raft
// core under its own lock, so role and indexes always belong together.
type ReadState struct {
	Role Role
	// The latest term the server has seen
	Term uint64
	// Index of the highest log entry known to be committed
	CommitIndex uint64
	// Index of the highest log entry applied to the state machine
	LastApplied uint64
	// For a leader, the time elapsed since it last heard from a majority of the cluster. For a follower, the time
	// since it last heard from the leader.
	SinceMajorityContact time.Duration
	// The election timeout of the server. A leader that contacted a majority within this window holds a valid lease.
	ElectionTimeout time.Duration
}

// LeaseValid reports whether a leader may serve lease based reads without a new round trip.
func (s ReadState) LeaseValid() bool {
	return s.Role == Leader && s.SinceMajorityContact < s.ElectionTimeout
}

// Core is the boundary with the Raft consensus module. Election and log replication live behind it; this layer only
// reads its state, asks it to confirm leadership and hands it operations to apply.
type Core interface {
	// ReadState returns a consistent snapshot of the read path state.
	ReadState() ReadState
	// Leader returns the id of the server believed to be the leader, if any.
	Leader() (ServerID, bool)
	// ProbeMajority performs one heartbeat round with the cluster and succeeds only if a majority acknowledged this
	// server as leader for its current term.
	ProbeMajority(ctx context.Context) error
	// Commit replicates a command through the log and applies it once committed. It returns the log index the
	// command was applied at and the state machine output.
	Commit(ctx context.Context, command operation.Command) (uint64, []byte, error)
	// Query applies a read to the state machine. The state machine must have applied at least up to index.
	Query(query operation.Query, index uint64) ([]byte, error)
}
