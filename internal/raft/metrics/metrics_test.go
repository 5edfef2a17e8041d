package metrics

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raft-session-protocol/internal/raft/operation"
	"raft-session-protocol/internal/raft/protocol"
	"raft-session-protocol/internal/raft/router"
	"raft-session-protocol/internal/raft/server"
)

var _ server.MetricsCollector = (*Metrics)(nil)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()

	assert.NotNil(t, m)
	assert.NotNil(t, m.commandLatencies)
	assert.NotNil(t, m.queryLatencies)
	assert.False(t, m.startTime.IsZero())
	assert.Len(t, m.PrometheusCollectors(), 9)
}

func TestMetrics_Register(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()

	require.NoError(t, m.Register(reg))
	// Registering the same series twice is refused
	assert.Error(t, m.Register(reg))
}

func TestMetrics_RecordCommand(t *testing.T) {
	m := NewMetrics()

	t.Run("records applied commands", func(t *testing.T) {
		m.RecordCommand(100*time.Millisecond, false)

		m.mu.RLock()
		assert.Len(t, m.commandLatencies, 1)
		assert.Equal(t, 100*time.Millisecond, m.commandLatencies[0])
		m.mu.RUnlock()
		assert.Equal(t, uint64(1), m.commandsCommitted.Load())
	})

	t.Run("duplicates are not commits", func(t *testing.T) {
		m.RecordCommand(time.Millisecond, true)

		assert.Equal(t, uint64(1), m.commandsCommitted.Load())
		assert.Equal(t, uint64(1), m.duplicates.Load())
		assert.Equal(t, 2, testutil.CollectAndCount(m.prom.commandLatency))
	})
}

func TestMetrics_RecordQuery(t *testing.T) {
	m := NewMetrics()

	m.RecordQuery(operation.Causal, router.QueueUntil)
	m.RecordQuery(operation.Causal, router.QueueUntil)
	m.RecordQuery(operation.Linearizable, router.Linearize)

	assert.Equal(t, uint64(3), m.queries.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.prom.queries.WithLabelValues("CAUSAL", "queue")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.prom.queries.WithLabelValues("LINEARIZABLE", "linearize")))
}

func TestMetrics_RecordRoundTrip(t *testing.T) {
	m := NewMetrics()

	m.RecordRoundTrip(4, nil)
	m.RecordRoundTrip(2, errors.New("no quorum"))

	assert.Equal(t, uint64(2), m.roundTrips.Load())
	assert.Equal(t, uint64(1), m.failedRoundTrips.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.prom.roundTrips.WithLabelValues(labelSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.prom.roundTrips.WithLabelValues(labelFailure)))
}

func TestMetrics_Gauges(t *testing.T) {
	m := NewMetrics()

	m.SetActiveSessions(3)
	m.SetPendingQueries(7)
	m.SetPendingQueries(2)
	m.RecordForward()
	m.RecordError(protocol.NotLeader)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.prom.activeSessions))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.prom.pendingQueries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.prom.forwarded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.prom.errors.WithLabelValues("not leader")))
}

func TestMetrics_GetThroughput(t *testing.T) {
	m := NewMetrics()

	t.Run("returns 0 for no commands", func(t *testing.T) {
		throughput := m.GetThroughput()
		assert.Equal(t, 0.0, throughput)
	})

	t.Run("calculates throughput", func(t *testing.T) {
		// Set start time to 1 second ago
		m.startTime = time.Now().Add(-1 * time.Second)

		m.RecordCommand(time.Millisecond, false)
		m.RecordCommand(time.Millisecond, false)

		throughput := m.GetThroughput()
		assert.Greater(t, throughput, 0.0)
		assert.LessOrEqual(t, throughput, 3.0) // Should be ~2 commands/sec
	})
}

func TestMetrics_GetLatencyStats(t *testing.T) {
	m := NewMetrics()

	t.Run("returns empty stats for no latencies", func(t *testing.T) {
		stats := m.GetLatencyStats()
		assert.Equal(t, 0, stats.Count)
	})

	t.Run("calculates statistics", func(t *testing.T) {
		m.RecordCommand(100*time.Millisecond, false)
		m.RecordCommand(200*time.Millisecond, false)
		m.RecordCommand(300*time.Millisecond, false)

		stats := m.GetLatencyStats()
		assert.Equal(t, 3, stats.Count)
		assert.InDelta(t, 200.0, stats.Mean, 1.0)
		assert.InDelta(t, 200.0, stats.P50, 1.0)
		assert.InDelta(t, 100.0, stats.Min, 1.0)
		assert.InDelta(t, 300.0, stats.Max, 1.0)
		assert.Greater(t, stats.StdDev, 0.0)
	})

	t.Run("calculates percentiles", func(t *testing.T) {
		m2 := NewMetrics()
		for i := 1; i <= 100; i++ {
			m2.RecordQueryLatency(time.Duration(i) * time.Millisecond)
		}

		stats := m2.GetQueryLatencyStats()
		assert.InDelta(t, 50.0, stats.P50, 5.0)
		assert.InDelta(t, 95.0, stats.P95, 5.0)
		assert.InDelta(t, 99.0, stats.P99, 5.0)
	})
}

func TestMetrics_GetReport(t *testing.T) {
	m := NewMetrics()

	m.RecordCommand(100*time.Millisecond, false)
	m.RecordCommand(200*time.Millisecond, true)
	m.RecordQueryLatency(5 * time.Millisecond)
	m.RecordForward()
	m.RecordRoundTrip(1, nil)

	report := m.GetReport(4, operation.Unspecified)

	assert.Equal(t, 4, report.Clients)
	assert.Equal(t, "LINEARIZABLE", report.Consistency)
	assert.Equal(t, uint64(1), report.CommandsCommitted)
	assert.Equal(t, uint64(1), report.Duplicates)
	assert.Equal(t, uint64(1), report.Forwarded)
	assert.Equal(t, uint64(1), report.RoundTrips)
	assert.Equal(t, 2, report.CommandLatency.Count)
	assert.Equal(t, 1, report.QueryLatency.Count)

	t.Run("prints", func(t *testing.T) {
		var buf bytes.Buffer
		report.PrintReport(&buf)
		assert.Contains(t, buf.String(), "Clients: 4")
		assert.Contains(t, buf.String(), "Duplicates: 1")
	})

	t.Run("saves json", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "report.json")
		require.NoError(t, report.SaveJSON(path))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var decoded Report
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, report.CommandsCommitted, decoded.CommandsCommitted)
		assert.Equal(t, report.Consistency, decoded.Consistency)
	})
}

func TestMetrics_Reset(t *testing.T) {
	m := NewMetrics()

	m.RecordCommand(100*time.Millisecond, false)
	m.RecordQueryLatency(time.Millisecond)
	m.RecordForward()
	m.RecordError(protocol.QueryFailure)

	m.Reset()

	assert.Equal(t, uint64(0), m.commandsCommitted.Load())
	assert.Equal(t, uint64(0), m.queries.Load())
	assert.Equal(t, uint64(0), m.forwarded.Load())
	assert.Equal(t, uint64(0), m.errors.Load())

	m.mu.RLock()
	assert.Len(t, m.commandLatencies, 0)
	assert.Len(t, m.queryLatencies, 0)
	m.mu.RUnlock()

	assert.False(t, m.startTime.IsZero())
}

func TestMetrics_Concurrency(t *testing.T) {
	m := NewMetrics()

	var wg sync.WaitGroup
	iterations := 1000

	for i := 0; i < iterations; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.RecordCommand(100*time.Millisecond, false)
		}()
		go func() {
			defer wg.Done()
			m.RecordQuery(operation.Sequential, router.ServeLocal)
			m.GetLatencyStats()
		}()
	}

	wg.Wait()

	assert.Equal(t, uint64(iterations), m.commandsCommitted.Load())
	assert.Equal(t, uint64(iterations), m.queries.Load())
	m.mu.RLock()
	assert.Len(t, m.commandLatencies, iterations)
	m.mu.RUnlock()
}
