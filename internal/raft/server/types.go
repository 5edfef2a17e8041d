package server

import (
	"time"

	"raft-session-protocol/internal/pubsub"
	"raft-session-protocol/internal/raft/batcher"
	"raft-session-protocol/internal/raft/core"
	"raft-session-protocol/internal/raft/operation"
	"raft-session-protocol/internal/raft/protocol"
	"raft-session-protocol/internal/raft/router"
)

const (
	// ServerShutDown event is sent when the server is shutting down. The payload for this event is an empty struct.
	ServerShutDown pubsub.EventType = iota
	// SessionExpired is sent when a session timed out or was unregistered. The payload is the session id.
	SessionExpired
)

type serverCtx struct {
	ID   core.ServerID
	Addr core.ServerAddress
}

// MetricsCollector is an optional interface for collecting metrics about the read and write paths
type MetricsCollector interface {
	batcher.MetricsCollector
	RecordQuery(level operation.ConsistencyLevel, disposition router.Disposition)
	RecordForward()
	RecordCommand(latency time.Duration, duplicate bool)
	RecordError(code protocol.ErrorCode)
	SetActiveSessions(n int)
	SetPendingQueries(n int)
}

type noopMetrics struct{}

func (noopMetrics) RecordRoundTrip(int, error)                                 {}
func (noopMetrics) RecordQuery(operation.ConsistencyLevel, router.Disposition) {}
func (noopMetrics) RecordForward()                                             {}
func (noopMetrics) RecordCommand(time.Duration, bool)                          {}
func (noopMetrics) RecordError(protocol.ErrorCode)                             {}
func (noopMetrics) SetActiveSessions(int)                                      {}
func (noopMetrics) SetPendingQueries(int)                                      {}
