// Package metrics holds the Prometheus instruments of the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Backend REST client
	BackendRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "busdash_backend_requests_total",
			Help: "Backend API requests by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"}, // outcome: success, failure, rejected
	)

	BackendRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "busdash_backend_request_duration_seconds",
			Help:    "Duration of backend API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "busdash_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Caches
	StaleResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "busdash_stale_responses_total",
			Help: "Responses discarded because a newer request for the same key was issued",
		},
		[]string{"cache"}, // node, history
	)

	NodesCached = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "busdash_nodes_cached",
			Help: "Number of node snapshots held by the node cache",
		},
	)

	NodeFetchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "busdash_node_fetch_failures_total",
			Help: "Node fetches that failed and kept the prior snapshot",
		},
	)

	HistoryRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "busdash_history_refreshes_total",
			Help: "History window refreshes by render context and outcome",
		},
		[]string{"context", "outcome"},
	)

	Reconciliations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "busdash_reconciliations_total",
			Help: "Dashboard layout reconciliations by whether membership changed",
		},
		[]string{"changed"},
	)

	PersistenceFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "busdash_persistence_failures_total",
			Help: "Blob store writes that failed; state was kept in memory",
		},
	)

	// Push channel and event bus
	PushBatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "busdash_push_batches_total",
			Help: "Change batches received from the push stream",
		},
	)

	PushDecodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "busdash_push_decode_errors_total",
			Help: "Malformed push payloads that were dropped",
		},
	)

	PushConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "busdash_push_connected",
			Help: "Whether the push stream is connected (1) or not (0)",
		},
	)

	HandlerPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "busdash_eventbus_handler_panics_total",
			Help: "Event bus handlers that panicked, by topic",
		},
		[]string{"topic"},
	)
)
