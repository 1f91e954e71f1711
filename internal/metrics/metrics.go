// Package metrics exposes the Prometheus counters and gauges the invoice
// core pushes readings into. QueueMetrics is the one production
// implementation of the narrow sink interfaces internal/scheduler and
// internal/consumer declare; internal/webhook's router takes *HTTPMetrics
// directly.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPMetrics tracks webhook intake request volume and latency.
type HTTPMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewHTTPMetrics creates HTTP metrics for serviceName.
func NewHTTPMetrics(serviceName string) *HTTPMetrics {
	return &HTTPMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    serviceName + "_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// RecordHTTPRequest records one HTTP request observation.
func (m *HTTPMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// QueueMetrics tracks event-queue health: depths per event type, dead-letter
// size, and processing outcomes. The maintenance scheduler and the
// consumer are its only writers.
type QueueMetrics struct {
	Pending        *prometheus.GaugeVec
	Processing     *prometheus.GaugeVec
	DeadLetterSize prometheus.Gauge

	EventsProcessed    prometheus.Counter
	EventsRetried      prometheus.Counter
	EventsDeadLettered prometheus.Counter
}

// NewQueueMetrics creates queue metrics for serviceName.
func NewQueueMetrics(serviceName string) *QueueMetrics {
	return &QueueMetrics{
		Pending: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: serviceName + "_event_queue_pending",
				Help: "Pending events per type",
			},
			[]string{"type"},
		),
		Processing: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: serviceName + "_event_queue_processing",
				Help: "In-flight events per type",
			},
			[]string{"type"},
		),
		DeadLetterSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: serviceName + "_event_queue_dead_letter_size",
				Help: "Total dead-lettered events awaiting TTL expiry",
			},
		),
		EventsProcessed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_events_processed_total",
				Help: "Total events acknowledged as processed",
			},
		),
		EventsRetried: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_events_retried_total",
				Help: "Total events re-enqueued after a transient failure",
			},
		),
		EventsDeadLettered: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_events_dead_lettered_total",
				Help: "Total events moved to the dead-letter queue",
			},
		),
	}
}

// SetQueueDepth implements internal/scheduler.MetricsSink.
func (m *QueueMetrics) SetQueueDepth(eventType string, pending, processing int) {
	m.Pending.WithLabelValues(eventType).Set(float64(pending))
	m.Processing.WithLabelValues(eventType).Set(float64(processing))
}

// SetDeadLetterSize implements internal/scheduler.MetricsSink.
func (m *QueueMetrics) SetDeadLetterSize(n int) {
	m.DeadLetterSize.Set(float64(n))
}

// IncEventsProcessed implements internal/consumer.MetricsSink.
func (m *QueueMetrics) IncEventsProcessed() { m.EventsProcessed.Inc() }

// IncEventsRetried implements internal/consumer.MetricsSink.
func (m *QueueMetrics) IncEventsRetried() { m.EventsRetried.Inc() }

// IncEventsDeadLettered implements internal/consumer.MetricsSink.
func (m *QueueMetrics) IncEventsDeadLettered() { m.EventsDeadLettered.Inc() }
