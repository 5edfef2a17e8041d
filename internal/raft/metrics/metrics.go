package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"raft-session-protocol/internal/raft/operation"
	"raft-session-protocol/internal/raft/protocol"
	"raft-session-protocol/internal/raft/router"
)

// Metrics collects performance metrics for the session layer. Every observation is exported through Prometheus and
// the latencies are also kept in memory for the percentile report of a benchmark run.
type Metrics struct {
	mu sync.RWMutex

	// Command latencies (time from arrival to commit)
	commandLatencies []time.Duration
	// Query latencies, only recorded by clients
	queryLatencies []time.Duration

	commandsCommitted atomic.Uint64
	duplicates        atomic.Uint64
	queries           atomic.Uint64
	forwarded         atomic.Uint64
	roundTrips        atomic.Uint64
	failedRoundTrips  atomic.Uint64
	errors            atomic.Uint64
	startTime         time.Time

	prom *collectors
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		commandLatencies: make([]time.Duration, 0, 10000), // Pre-allocate for performance
		queryLatencies:   make([]time.Duration, 0, 10000),
		startTime:        time.Now(),
		prom:             newCollectors(),
	}
}

// PrometheusCollectors returns the collectors to register with a Prometheus registry
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return m.prom.all()
}

// Register registers every collector with reg
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.PrometheusCollectors() {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return nil
}

// RecordRoundTrip records a majority round trip of the query batcher
func (m *Metrics) RecordRoundTrip(batchSize int, err error) {
	m.roundTrips.Add(1)
	result := labelSuccess
	if err != nil {
		m.failedRoundTrips.Add(1)
		result = labelFailure
	}
	m.prom.roundTrips.WithLabelValues(result).Inc()
	m.prom.batchSize.Observe(float64(batchSize))
}

// RecordQuery records the routing decision of a query
func (m *Metrics) RecordQuery(level operation.ConsistencyLevel, disposition router.Disposition) {
	m.queries.Add(1)
	m.prom.queries.WithLabelValues(level.String(), disposition.String()).Inc()
}

// RecordForward records a request forwarded to the leader
func (m *Metrics) RecordForward() {
	m.forwarded.Add(1)
	m.prom.forwarded.Inc()
}

// RecordCommand records the latency of a command. Duplicates were answered from the result cache.
func (m *Metrics) RecordCommand(latency time.Duration, duplicate bool) {
	result := "applied"
	if duplicate {
		m.duplicates.Add(1)
		result = "duplicate"
	} else {
		m.commandsCommitted.Add(1)
	}
	m.prom.commandLatency.WithLabelValues(result).Observe(latency.Seconds())

	m.mu.Lock()
	m.commandLatencies = append(m.commandLatencies, latency)
	m.mu.Unlock()
}

// RecordQueryLatency records the end to end latency of a query
func (m *Metrics) RecordQueryLatency(latency time.Duration) {
	m.queries.Add(1)
	m.prom.queryLatency.Observe(latency.Seconds())

	m.mu.Lock()
	m.queryLatencies = append(m.queryLatencies, latency)
	m.mu.Unlock()
}

// RecordError records an error status sent to a client
func (m *Metrics) RecordError(code protocol.ErrorCode) {
	m.errors.Add(1)
	m.prom.errors.WithLabelValues(code.Error()).Inc()
}

// SetActiveSessions sets the number of live sessions
func (m *Metrics) SetActiveSessions(n int) {
	m.prom.activeSessions.Set(float64(n))
}

// SetPendingQueries sets the number of queries waiting for the state machine
func (m *Metrics) SetPendingQueries(n int) {
	m.prom.pendingQueries.Set(float64(n))
}

// LatencyStats contains percentile statistics for latencies
type LatencyStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min_ms"`
	Max    float64 `json:"max_ms"`
	Mean   float64 `json:"mean_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	P99    float64 `json:"p99_ms"`
	StdDev float64 `json:"stddev_ms"`
}

// GetLatencyStats computes percentile statistics from recorded command latencies
func (m *Metrics) GetLatencyStats() LatencyStats {
	m.mu.RLock()
	latencies := make([]time.Duration, len(m.commandLatencies))
	copy(latencies, m.commandLatencies)
	m.mu.RUnlock()

	return computeStats(latencies)
}

// GetQueryLatencyStats computes percentile statistics from recorded query latencies
func (m *Metrics) GetQueryLatencyStats() LatencyStats {
	m.mu.RLock()
	latencies := make([]time.Duration, len(m.queryLatencies))
	copy(latencies, m.queryLatencies)
	m.mu.RUnlock()

	return computeStats(latencies)
}

func computeStats(latencies []time.Duration) LatencyStats {
	if len(latencies) == 0 {
		return LatencyStats{}
	}

	// Sort for percentile calculation
	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	// Convert to milliseconds
	latenciesMs := make([]float64, len(latencies))
	var sum float64
	for i, lat := range latencies {
		ms := float64(lat.Microseconds()) / 1000.0
		latenciesMs[i] = ms
		sum += ms
	}

	mean := sum / float64(len(latenciesMs))

	var variance float64
	for _, lat := range latenciesMs {
		diff := lat - mean
		variance += diff * diff
	}
	stddev := math.Sqrt(variance / float64(len(latenciesMs)))

	return LatencyStats{
		Count:  len(latencies),
		Min:    latenciesMs[0],
		Max:    latenciesMs[len(latenciesMs)-1],
		Mean:   mean,
		P50:    percentile(latenciesMs, 50),
		P95:    percentile(latenciesMs, 95),
		P99:    percentile(latenciesMs, 99),
		StdDev: stddev,
	}
}

// percentile calculates the nth percentile from sorted data
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	// Linear interpolation
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// GetThroughput returns the current throughput in commands/second
func (m *Metrics) GetThroughput() float64 {
	elapsed := time.Since(m.startTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(m.commandsCommitted.Load()) / elapsed
}

// Report contains all collected metrics
type Report struct {
	// Run configuration
	Clients      int       `json:"clients"`
	Consistency  string    `json:"consistency"`
	TestDuration float64   `json:"test_duration_seconds"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`

	// Throughput metrics
	CommandsCommitted uint64  `json:"commands_committed"`
	Duplicates        uint64  `json:"duplicates"`
	ThroughputCmdSec  float64 `json:"throughput_cmd_per_sec"`
	Queries           uint64  `json:"queries"`

	// Latency metrics
	CommandLatency LatencyStats `json:"command_latency"`
	QueryLatency   LatencyStats `json:"query_latency"`

	// Read path metrics
	Forwarded        uint64 `json:"forwarded"`
	RoundTrips       uint64 `json:"round_trips"`
	FailedRoundTrips uint64 `json:"failed_round_trips"`
	Errors           uint64 `json:"errors"`
}

// GetReport generates a comprehensive performance report
func (m *Metrics) GetReport(clients int, consistency operation.ConsistencyLevel) Report {
	endTime := time.Now()
	duration := endTime.Sub(m.startTime).Seconds()

	return Report{
		Clients:           clients,
		Consistency:       consistency.OrDefault().String(),
		TestDuration:      duration,
		StartTime:         m.startTime,
		EndTime:           endTime,
		CommandsCommitted: m.commandsCommitted.Load(),
		Duplicates:        m.duplicates.Load(),
		ThroughputCmdSec:  m.GetThroughput(),
		Queries:           m.queries.Load(),
		CommandLatency:    m.GetLatencyStats(),
		QueryLatency:      m.GetQueryLatencyStats(),
		Forwarded:         m.forwarded.Load(),
		RoundTrips:        m.roundTrips.Load(),
		FailedRoundTrips:  m.failedRoundTrips.Load(),
		Errors:            m.errors.Load(),
	}
}

// PrintReport prints the report in a human-readable format
func (r *Report) PrintReport(w io.Writer) {
	rule := strings.Repeat("=", 60)
	thin := strings.Repeat("-", 60)

	fmt.Fprintln(w, "\n"+rule)
	fmt.Fprintln(w, "SESSION PROTOCOL PERFORMANCE REPORT")
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "\nRun Configuration:\n")
	fmt.Fprintf(w, "  Clients: %d\n", r.Clients)
	fmt.Fprintf(w, "  Consistency: %s\n", r.Consistency)
	fmt.Fprintf(w, "  Duration: %.2f seconds\n", r.TestDuration)
	fmt.Fprintf(w, "  Start: %s\n", r.StartTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "  End: %s\n", r.EndTime.Format("2006-01-02 15:04:05"))

	fmt.Fprintln(w, "\n"+thin)
	fmt.Fprintf(w, "\nThroughput:\n")
	fmt.Fprintf(w, "  Commands Committed: %d\n", r.CommandsCommitted)
	fmt.Fprintf(w, "  Duplicates: %d\n", r.Duplicates)
	fmt.Fprintf(w, "  Throughput: %.2f cmd/sec\n", r.ThroughputCmdSec)
	fmt.Fprintf(w, "  Queries: %d\n", r.Queries)

	printLatency(w, "Command Latency (submission to commit)", r.CommandLatency)
	printLatency(w, "Query Latency", r.QueryLatency)

	fmt.Fprintln(w, "\n"+thin)
	fmt.Fprintf(w, "\nRead Path:\n")
	fmt.Fprintf(w, "  Forwarded: %d\n", r.Forwarded)
	fmt.Fprintf(w, "  Round Trips: %d (%d failed)\n", r.RoundTrips, r.FailedRoundTrips)
	fmt.Fprintf(w, "  Errors: %d\n", r.Errors)

	fmt.Fprintln(w, "\n"+rule)
}

func printLatency(w io.Writer, title string, stats LatencyStats) {
	fmt.Fprintf(w, "\n%s:\n", title)
	if stats.Count == 0 {
		fmt.Fprintf(w, "  No data collected\n")
		return
	}
	fmt.Fprintf(w, "  Count: %d\n", stats.Count)
	fmt.Fprintf(w, "  Min: %.3f ms\n", stats.Min)
	fmt.Fprintf(w, "  Mean: %.3f ms\n", stats.Mean)
	fmt.Fprintf(w, "  P50: %.3f ms\n", stats.P50)
	fmt.Fprintf(w, "  P95: %.3f ms\n", stats.P95)
	fmt.Fprintf(w, "  P99: %.3f ms\n", stats.P99)
	fmt.Fprintf(w, "  Max: %.3f ms\n", stats.Max)
	fmt.Fprintf(w, "  StdDev: %.3f ms\n", stats.StdDev)
}

// SaveJSON saves the report to a JSON file
func (r *Report) SaveJSON(filename string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report to %s: %w", filename, err)
	}
	return nil
}

// Reset clears all collected latencies and counters (useful for running multiple benchmarks). Prometheus series
// are cumulative and are not reset.
func (m *Metrics) Reset() {
	m.mu.Lock()
	m.commandLatencies = make([]time.Duration, 0, 10000)
	m.queryLatencies = make([]time.Duration, 0, 10000)
	m.mu.Unlock()

	m.commandsCommitted.Store(0)
	m.duplicates.Store(0)
	m.queries.Store(0)
	m.forwarded.Store(0)
	m.roundTrips.Store(0)
	m.failedRoundTrips.Store(0)
	m.errors.Store(0)
	m.startTime = time.Now()
}
