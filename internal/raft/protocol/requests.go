package protocol

import (
	"fmt"
	"time"

	"raft-session-protocol/internal/raft/operation"
)

// Message is implemented by every request and response of the session protocol
type Message interface {
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
}

// ConnectRequest opens a connection for a client. The client id is a UUID chosen by the client.
type ConnectRequest struct {
	ClientID string
}

func (m *ConnectRequest) MarshalBinary() ([]byte, error) {
	return encode(func(w *writer) {
		w.string(m.ClientID)
	}), nil
}

func (m *ConnectRequest) UnmarshalBinary(data []byte) error {
	r := reader{data: data}
	m.ClientID = r.string("client id")
	return r.finish()
}

// RegisterRequest asks the leader for a new session. A zero Timeout asks for the server default.
type RegisterRequest struct {
	ClientID string
	Timeout  time.Duration
}

func (m *RegisterRequest) MarshalBinary() ([]byte, error) {
	return encode(func(w *writer) {
		w.string(m.ClientID)
		w.uint64(uint64(m.Timeout.Milliseconds()))
	}), nil
}

func (m *RegisterRequest) UnmarshalBinary(data []byte) error {
	r := reader{data: data}
	m.ClientID = r.string("client id")
	m.Timeout = r.millis("timeout")
	return r.finish()
}

// KeepAliveRequest refreshes a session. CommandSequence is the highest command sequence whose response the client
// has received; the server may forget cached results up to it.
type KeepAliveRequest struct {
	Session         uint64
	CommandSequence uint64
}

func (m *KeepAliveRequest) MarshalBinary() ([]byte, error) {
	return encode(func(w *writer) {
		w.uint64(m.Session)
		w.uint64(m.CommandSequence)
	}), nil
}

func (m *KeepAliveRequest) UnmarshalBinary(data []byte) error {
	r := reader{data: data}
	m.Session = r.uint64("session")
	m.CommandSequence = r.uint64("command sequence")
	return r.finish()
}

// UnregisterRequest closes a session
type UnregisterRequest struct {
	Session uint64
}

func (m *UnregisterRequest) MarshalBinary() ([]byte, error) {
	return encode(func(w *writer) {
		w.uint64(m.Session)
	}), nil
}

func (m *UnregisterRequest) UnmarshalBinary(data []byte) error {
	r := reader{data: data}
	m.Session = r.uint64("session")
	return r.finish()
}

// CommandRequest submits a command. Sequence numbers are assigned by the client, start at 1 and increase by one per
// command. Retries reuse the original sequence.
type CommandRequest struct {
	Session  uint64
	Sequence uint64
	Payload  []byte
}

func (m *CommandRequest) MarshalBinary() ([]byte, error) {
	return encode(func(w *writer) {
		w.uint64(m.Session)
		w.uint64(m.Sequence)
		w.bytes(m.Payload)
	}), nil
}

func (m *CommandRequest) UnmarshalBinary(data []byte) error {
	r := reader{data: data}
	m.Session = r.uint64("session")
	m.Sequence = r.uint64("sequence")
	m.Payload = r.bytes("payload")
	return r.finish()
}

// Command returns the operation carried by the request
func (m *CommandRequest) Command() operation.Command {
	return operation.NewCommand(m.Payload)
}

func (m *CommandRequest) String() string {
	return fmt.Sprintf("CommandRequest[session=%d, sequence=%d, size=%d]", m.Session, m.Sequence, len(m.Payload))
}

// QueryRequest submits a query. Index is the highest log index the client has observed; the query is never served
// from state older than it.
type QueryRequest struct {
	Session     uint64
	Sequence    uint64
	Index       uint64
	Consistency operation.ConsistencyLevel
	Payload     []byte
}

func (m *QueryRequest) MarshalBinary() ([]byte, error) {
	return encode(func(w *writer) {
		w.uint64(m.Session)
		w.uint64(m.Sequence)
		w.uint64(m.Index)
		w.uint8(m.Consistency.ID())
		w.bytes(m.Payload)
	}), nil
}

func (m *QueryRequest) UnmarshalBinary(data []byte) error {
	r := reader{data: data}
	m.Session = r.uint64("session")
	m.Sequence = r.uint64("sequence")
	m.Index = r.uint64("index")
	id := r.uint8("consistency")
	m.Payload = r.bytes("payload")
	if err := r.finish(); err != nil {
		return err
	}

	level, err := operation.ConsistencyForID(id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	m.Consistency = level
	return nil
}

// Query returns the operation carried by the request
func (m *QueryRequest) Query() operation.Query {
	return operation.NewQuery(m.Payload, m.Consistency)
}

func (m *QueryRequest) String() string {
	return fmt.Sprintf("QueryRequest[session=%d, sequence=%d, index=%d, consistency=%s, size=%d]",
		m.Session, m.Sequence, m.Index, m.Consistency.OrDefault(), len(m.Payload))
}
