package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "raft"
	subsystem = "session"

	labelSuccess = "success"
	labelFailure = "failure"
)

// collectors holds the Prometheus series of the session layer
type collectors struct {
	queries        *prometheus.CounterVec
	forwarded      prometheus.Counter
	roundTrips     *prometheus.CounterVec
	batchSize      prometheus.Histogram
	commandLatency *prometheus.HistogramVec
	queryLatency   prometheus.Histogram
	errors         *prometheus.CounterVec
	activeSessions prometheus.Gauge
	pendingQueries prometheus.Gauge
}

func newCollectors() *collectors {
	return &collectors{
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queries_total",
			Help:      "Count of routed queries by consistency level and routing decision",
		}, []string{"consistency", "decision"}),

		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "forwarded_total",
			Help:      "Count of requests forwarded to the leader",
		}),

		roundTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "round_trips_total",
			Help:      "Count of majority round trips made for batched linearizable reads",
		}, []string{"result"}),

		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "batch_size",
			Help:      "Histogram of the number of queries sharing one majority round trip",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),

		commandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "command_latency_seconds",
			Help:      "Histogram of times spent between the arrival of a command and its commit",
			Buckets:   prometheus.ExponentialBuckets(1e-4, 4, 9),
		}, []string{"result"}),

		queryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "query_latency_seconds",
			Help:      "Histogram of end to end query latencies seen by clients",
			Buckets:   prometheus.ExponentialBuckets(1e-4, 4, 9),
		}),

		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Count of error responses by error code",
		}, []string{"code"}),

		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_sessions",
			Help:      "Number of live client sessions",
		}),

		pendingQueries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pending_queries",
			Help:      "Number of queries waiting for the local state machine to catch up",
		}),
	}
}

func (c *collectors) all() []prometheus.Collector {
	return []prometheus.Collector{
		c.queries,
		c.forwarded,
		c.roundTrips,
		c.batchSize,
		c.commandLatency,
		c.queryLatency,
		c.errors,
		c.activeSessions,
		c.pendingQueries,
	}
}
