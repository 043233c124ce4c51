package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Inbound message metrics, labeled by message type and verdict
	// (applied, duplicate, unknown_sender, bad_signature, stale, replay,
	// scope_violation, handler_error)
	InboxMessageTotal    *prometheus.CounterVec
	InboxMessageDuration *prometheus.HistogramVec

	// Outbound delivery metrics
	DeliveryTotal    *prometheus.CounterVec
	DeliveryDuration *prometheus.HistogramVec
	DeliveryAttempts *prometheus.HistogramVec

	// Pairing metrics
	PairingTotal *prometheus.CounterVec

	// Event publishing metrics
	EventPublishTotal *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		InboxMessageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_inbox_messages_total",
			Help: "Total number of inbound federation messages by verdict",
		}, []string{"type", "verdict"}),

		InboxMessageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "federation_inbox_message_duration_seconds",
			Help:    "Inbound message processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"type", "verdict"}),

		DeliveryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_deliveries_total",
			Help: "Total number of outbound deliveries by outcome",
		}, []string{"type", "status"}),

		DeliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "federation_delivery_duration_seconds",
			Help:    "Outbound delivery duration in seconds, including retries",
			Buckets: prometheus.DefBuckets,
		}, []string{"type", "status"}),

		DeliveryAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "federation_delivery_attempts",
			Help:    "Number of attempts used per delivery",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 10},
		}, []string{"status"}),

		PairingTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_pairing_total",
			Help: "Total number of pairing operations by outcome",
		}, []string{"operation", "status"}),

		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"}),
	}

	// Register metrics with the default registry
	registerMetrics(m)

	// Store as global instance
	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.InboxMessageTotal)
	registerOrGet(m.InboxMessageDuration)
	registerOrGet(m.DeliveryTotal)
	registerOrGet(m.DeliveryDuration)
	registerOrGet(m.DeliveryAttempts)
	registerOrGet(m.PairingTotal)
	registerOrGet(m.EventPublishTotal)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
