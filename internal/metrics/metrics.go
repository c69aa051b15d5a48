package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for reviewfeed
type Metrics struct {
	// API metrics
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec
	APIErrorsTotal     *prometheus.CounterVec

	// Transport metrics
	ConnectionState       *prometheus.GaugeVec
	ConnectAttemptsTotal  *prometheus.CounterVec
	ReconnectsTotal       prometheus.Counter
	MessagesReceivedTotal *prometheus.CounterVec

	// Decoder metrics
	DecodeFailuresTotal *prometheus.CounterVec

	// Feed metrics
	EventsAppendedTotal  *prometheus.CounterVec
	DuplicatesTotal      *prometheus.CounterVec
	ExpiredRejectedTotal prometheus.Counter
	EventsEvictedTotal   prometheus.Counter
	EventsStored         prometheus.Gauge
	ObserversActive      prometheus.Gauge
	ObserverDroppedTotal prometheus.Counter

	// Storage metrics
	StorageOperations        *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec
	StorageSlotBytes         prometheus.Gauge
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// API metrics
	m.APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewfeed_api_requests_total",
			Help: "Total number of local API requests",
		},
		[]string{"method", "path", "status"},
	)

	m.APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reviewfeed_api_request_duration_seconds",
			Help:    "Local API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // from 1ms to ~2s
		},
		[]string{"method", "path"},
	)

	m.APIErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewfeed_api_errors_total",
			Help: "Total number of local API errors",
		},
		[]string{"method", "path", "error_type"},
	)

	// Transport metrics
	m.ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reviewfeed_connection_state",
			Help: "Current push connection state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	m.ConnectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewfeed_connect_attempts_total",
			Help: "Total number of push connection attempts",
		},
		[]string{"dialer", "result"},
	)

	m.ReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reviewfeed_reconnects_total",
			Help: "Total number of times the push connection entered reconnecting",
		},
	)

	m.MessagesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewfeed_messages_received_total",
			Help: "Total number of raw push messages delivered",
		},
		[]string{"dialer"},
	)

	// Decoder metrics
	m.DecodeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewfeed_decode_failures_total",
			Help: "Total number of push messages that did not decode to an event",
		},
		[]string{"reason"}, // malformed, control
	)

	// Feed metrics
	m.EventsAppendedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewfeed_events_appended_total",
			Help: "Total number of events appended to the feed",
		},
		[]string{"path"}, // index, scan
	)

	m.DuplicatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewfeed_duplicates_total",
			Help: "Total number of incoming events rejected as duplicates",
		},
		[]string{"path"}, // index, scan
	)

	m.ExpiredRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reviewfeed_expired_rejected_total",
			Help: "Total number of incoming events rejected because they were already expired",
		},
	)

	m.EventsEvictedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reviewfeed_events_evicted_total",
			Help: "Total number of stored events evicted by TTL",
		},
	)

	m.EventsStored = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reviewfeed_events_stored",
			Help: "Number of events currently exposed by the feed",
		},
	)

	m.ObserversActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reviewfeed_observers_active",
			Help: "Number of active feed observers",
		},
	)

	m.ObserverDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reviewfeed_observer_dropped_total",
			Help: "Total number of snapshots dropped for slow observers",
		},
	)

	// Storage metrics
	m.StorageOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewfeed_storage_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"operation", "success"},
	)

	m.StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reviewfeed_storage_operation_duration_seconds",
			Help:    "Duration of storage operations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15), // from 0.1ms to ~1.6s
		},
		[]string{"operation"},
	)

	m.StorageSlotBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reviewfeed_storage_slot_bytes",
			Help: "Size of the last persisted event slot in bytes",
		},
	)

	return m
}
