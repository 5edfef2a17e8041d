// Package router decides how a server handles a query for a given consistency level. It only looks at a snapshot of
// the Raft read state, so it is a pure function and safe to call from any number of goroutines.
package router

import (
	"fmt"

	"raft-session-protocol/internal/raft/core"
	"raft-session-protocol/internal/raft/operation"
)

// DefaultMaxForwardHops bounds how many times a request may be forwarded before the receiving server gives up
const DefaultMaxForwardHops = 2

// Disposition is what the server does with a query
type Disposition uint8

const (
	// ServeLocal applies the query to the local state machine right away
	ServeLocal Disposition = iota
	// QueueUntil parks the query until the local state machine applied Decision.Index
	QueueUntil
	// Forward sends the query to the leader
	Forward
	// Linearize hands the query to the leader query batcher for a majority round trip
	Linearize
	// Reject answers with NotLeader because the forward hop bound was reached
	Reject
)

func (d Disposition) String() string {
	switch d {
	case ServeLocal:
		return "serve_local"
	case QueueUntil:
		return "queue"
	case Forward:
		return "forward"
	case Linearize:
		return "linearize"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Decision is the outcome of routing a query
type Decision struct {
	Disposition Disposition
	// The index the state machine must reach, only set for QueueUntil
	Index uint64
}

func (d Decision) String() string {
	if d.Disposition == QueueUntil {
		return fmt.Sprintf("%s(%d)", d.Disposition, d.Index)
	}
	return d.Disposition.String()
}

// Route decides how to handle a query with the given level on a server whose state is st. clientIndex is the highest
// index the client has observed and hops the number of times the request was already forwarded.
func Route(level operation.ConsistencyLevel, st core.ReadState, clientIndex uint64, hops, maxHops int) Decision {
	switch level.OrDefault() {
	case operation.Causal, operation.Sequential:
		if st.LastApplied >= clientIndex {
			return Decision{Disposition: ServeLocal}
		}
		return Decision{Disposition: QueueUntil, Index: clientIndex}

	case operation.BoundedLinearizable:
		if st.Role != core.Leader {
			return forward(hops, maxHops)
		}
		if st.LeaseValid() {
			return Decision{Disposition: ServeLocal}
		}
		return Decision{Disposition: Linearize}

	default:
		if st.Role != core.Leader {
			return forward(hops, maxHops)
		}
		return Decision{Disposition: Linearize}
	}
}

func forward(hops, maxHops int) Decision {
	if maxHops <= 0 {
		maxHops = DefaultMaxForwardHops
	}
	if hops >= maxHops {
		return Decision{Disposition: Reject}
	}
	return Decision{Disposition: Forward}
}
