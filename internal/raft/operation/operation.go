package operation

import "fmt"

// ConsistencyLevel dictates how a Query is routed through the cluster and what has to happen before a server is
// allowed to apply it to its state machine. Weaker levels may be served by followers, stronger levels always go
// through the leader.
type ConsistencyLevel uint8

// As Golang does not support Enums this is a common pattern for implementing one. The values double as the wire ids
// of each level, and 0 is reserved for "not specified", which resolves to Linearizable.
const (
	Unspecified ConsistencyLevel = iota
	// Causal requires that clients always see non-overlapping state progress monotonically. Any server that has
	// applied at least up to the client's last known index may serve the query.
	Causal
	// Sequential requires that a client never observes state older than its own prior writes. The client submits its
	// last known index, which must never decrease.
	Sequential
	// BoundedLinearizable relies on the leader lease: if the leader contacted a majority within the last election
	// timeout it serves immediately, otherwise the query is handled as Linearizable.
	BoundedLinearizable
	// Linearizable contacts a majority of the cluster before every read.
	Linearizable
)

// DefaultConsistency is used for any Query that does not specify a level.
const DefaultConsistency = Linearizable

// String returns the string representation of the ConsistencyLevel
func (c ConsistencyLevel) String() string {
	switch c {
	case Unspecified:
		return "UNSPECIFIED"
	case Causal:
		return "CAUSAL"
	case Sequential:
		return "SEQUENTIAL"
	case BoundedLinearizable:
		return "BOUNDED_LINEARIZABLE"
	case Linearizable:
		return "LINEARIZABLE"
	default:
		return "UNKNOWN"
	}
}

// ID returns the wire id of the level.
func (c ConsistencyLevel) ID() uint8 {
	return uint8(c)
}

// OrDefault resolves Unspecified to DefaultConsistency.
func (c ConsistencyLevel) OrDefault() ConsistencyLevel {
	if c == Unspecified {
		return DefaultConsistency
	}
	return c
}

// RequiresLeader reports whether the level can only be satisfied by the leader.
func (c ConsistencyLevel) RequiresLeader() bool {
	switch c.OrDefault() {
	case BoundedLinearizable, Linearizable:
		return true
	default:
		return false
	}
}

// ConsistencyForID looks up a level by its wire id. The unspecified id resolves to DefaultConsistency.
func ConsistencyForID(id uint8) (ConsistencyLevel, error) {
	level := ConsistencyLevel(id)
	switch level {
	case Unspecified, Causal, Sequential, BoundedLinearizable, Linearizable:
		return level.OrDefault(), nil
	default:
		return Unspecified, fmt.Errorf("unknown consistency level id %d", id)
	}
}

// ParseConsistency parses the String form of a level, as used by the CLI.
func ParseConsistency(s string) (ConsistencyLevel, error) {
	for _, level := range []ConsistencyLevel{Causal, Sequential, BoundedLinearizable, Linearizable} {
		if level.String() == s {
			return level, nil
		}
	}
	return Unspecified, fmt.Errorf("unknown consistency level %q", s)
}

// Operation is either a Command or a Query. Both carry an opaque, application defined payload.
type Operation interface {
	Bytes() []byte
	isOperation()
}

// Command mutates the state machine. It has no consistency level: every command is linearizable through the log
// commit protocol of the leader.
type Command struct {
	payload []byte
}

// NewCommand creates a Command. The payload is copied, so the caller may reuse its slice.
func NewCommand(payload []byte) Command {
	return Command{payload: clone(payload)}
}

// Bytes returns the command payload. Callers must not modify it.
func (c Command) Bytes() []byte { return c.payload }

func (Command) isOperation() {}

func (c Command) String() string {
	return fmt.Sprintf("Command[size=%d]", len(c.payload))
}

// Query reads the state machine with a declared ConsistencyLevel.
type Query struct {
	payload     []byte
	consistency ConsistencyLevel
}

// NewQuery creates a Query. An Unspecified level resolves to DefaultConsistency. The payload is copied.
func NewQuery(payload []byte, consistency ConsistencyLevel) Query {
	return Query{
		payload:     clone(payload),
		consistency: consistency.OrDefault(),
	}
}

// Bytes returns the query payload. Callers must not modify it.
func (q Query) Bytes() []byte { return q.payload }

// Consistency returns the level the query must be executed with.
func (q Query) Consistency() ConsistencyLevel {
	return q.consistency.OrDefault()
}

func (Query) isOperation() {}

func (q Query) String() string {
	return fmt.Sprintf("Query[consistency=%s, size=%d]", q.Consistency(), len(q.payload))
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
