// Package metrics holds the Prometheus collectors for the client cache, the
// connector and the reference master.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Invalidation sources, used as the "source" label.
const (
	SourceCommand  = "command"  // invalidate list returned with a command response
	SourceListener = "listener" // pushed on the cache listener connection
	SourceResync   = "resync"   // all tables dropped after a listener reconnect
)

var (
	// Table cache metrics

	TableCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aoserv_table_cache_hits_total",
			Help: "Lookups answered from a valid table cache",
		},
		[]string{"table"},
	)

	TableCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aoserv_table_cache_misses_total",
			Help: "Lookups that found the table cache invalid",
		},
		[]string{"table"},
	)

	TableRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aoserv_table_refreshes_total",
			Help: "Whole-table fetches from the master, by result",
		},
		[]string{"table", "result"}, // "stored", "stale", "error"
	)

	TableRefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aoserv_table_refresh_duration_seconds",
			Help:    "Duration of whole-table fetches",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"table"},
	)

	TableRows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aoserv_table_cached_rows",
			Help: "Rows currently held in each table cache",
		},
		[]string{"table"},
	)

	TableInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aoserv_table_invalidations_total",
			Help: "Table cache invalidations by source",
		},
		[]string{"table", "source"},
	)

	// Connector metrics

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aoserv_command_duration_seconds",
			Help:    "Round-trip duration of commands sent to the master",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	CommandErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aoserv_command_errors_total",
			Help: "Failed commands by kind",
		},
		[]string{"command", "kind"}, // "transport", "server", "rejected"
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aoserv_circuit_breaker_state",
			Help: "Breaker state per master (0=closed, 1=half-open, 2=open)",
		},
		[]string{"master"},
	)

	ListenerReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aoserv_cache_listener_reconnects_total",
			Help: "Times the cache listener connection was re-established",
		},
	)

	// Reference master metrics

	ServerConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aoserv_master_connections",
			Help: "Open client connections on the reference master",
		},
	)

	ServerPushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aoserv_master_invalidation_pushes_total",
			Help: "Invalidate lists pushed to listening connections, by result",
		},
		[]string{"result"}, // "sent", "dropped"
	)
)
