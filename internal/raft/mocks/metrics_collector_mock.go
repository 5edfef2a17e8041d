package mocks

import (
	"sync"
	"time"

	"raft-session-protocol/internal/raft/operation"
	"raft-session-protocol/internal/raft/protocol"
	"raft-session-protocol/internal/raft/router"
)

// QueryRecord is a query routing decision seen by MockMetricsCollector
type QueryRecord struct {
	Level       operation.ConsistencyLevel
	Disposition router.Disposition
}

// MockMetricsCollector is a mock implementation of server.MetricsCollector for testing
type MockMetricsCollector struct {
	mu               sync.RWMutex
	RoundTripSizes   []int
	RoundTripErrors  int
	Queries          []QueryRecord
	ForwardCount     int
	CommandLatencies []time.Duration
	DuplicateCount   int
	Errors           []protocol.ErrorCode
	ActiveSessions   int
	PendingQueries   int
}

// NewMockMetricsCollector creates a new mock metrics collector
func NewMockMetricsCollector() *MockMetricsCollector {
	return &MockMetricsCollector{}
}

func (m *MockMetricsCollector) RecordRoundTrip(batchSize int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RoundTripSizes = append(m.RoundTripSizes, batchSize)
	if err != nil {
		m.RoundTripErrors++
	}
}

func (m *MockMetricsCollector) RecordQuery(level operation.ConsistencyLevel, disposition router.Disposition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Queries = append(m.Queries, QueryRecord{Level: level, Disposition: disposition})
}

func (m *MockMetricsCollector) RecordForward() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ForwardCount++
}

func (m *MockMetricsCollector) RecordCommand(latency time.Duration, duplicate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CommandLatencies = append(m.CommandLatencies, latency)
	if duplicate {
		m.DuplicateCount++
	}
}

func (m *MockMetricsCollector) RecordError(code protocol.ErrorCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors = append(m.Errors, code)
}

func (m *MockMetricsCollector) SetActiveSessions(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ActiveSessions = n
}

func (m *MockMetricsCollector) SetPendingQueries(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PendingQueries = n
}

// GetQueries returns a copy of the recorded routing decisions
func (m *MockMetricsCollector) GetQueries() []QueryRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]QueryRecord(nil), m.Queries...)
}

// GetErrors returns a copy of the recorded error codes
func (m *MockMetricsCollector) GetErrors() []protocol.ErrorCode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]protocol.ErrorCode(nil), m.Errors...)
}

// GetForwardCount returns how many requests were forwarded to the leader
func (m *MockMetricsCollector) GetForwardCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ForwardCount
}

// GetDuplicateCount returns how many commands were answered from the result cache
func (m *MockMetricsCollector) GetDuplicateCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.DuplicateCount
}

// GetRoundTripSizes returns a copy of the sizes of all batches that completed a round trip
func (m *MockMetricsCollector) GetRoundTripSizes() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int(nil), m.RoundTripSizes...)
}

// Reset clears all recorded metrics
func (m *MockMetricsCollector) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RoundTripSizes = nil
	m.RoundTripErrors = 0
	m.Queries = nil
	m.ForwardCount = 0
	m.CommandLatencies = nil
	m.DuplicateCount = 0
	m.Errors = nil
	m.ActiveSessions = 0
	m.PendingQueries = 0
}
