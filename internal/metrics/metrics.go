// Package metrics exposes Prometheus instrumentation for the session
// gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Connection metrics
	ConnectionsOpen   *prometheus.GaugeVec
	ConnectionsTotal  *prometheus.CounterVec
	ConnectionLatency *prometheus.HistogramVec

	// Frame metrics
	FramesDecoded  *prometheus.CounterVec
	FramesEncoded  *prometheus.CounterVec
	DecodeFailures *prometheus.CounterVec

	// Routing metrics
	PublishTotal   *prometheus.CounterVec
	DeliveredTotal *prometheus.CounterVec
	DroppedTotal   *prometheus.CounterVec
	EvictedTotal   *prometheus.CounterVec

	// Heartbeat metrics
	HeartbeatTimeouts *prometheus.CounterVec

	// Admission metrics
	AdmissionRefused *prometheus.CounterVec
	RateLimited      *prometheus.CounterVec
	QuotaRefused     *prometheus.CounterVec
}

// NewMetrics creates and registers all gateway metrics on the default
// registry.
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionsOpen: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rt_connections_open",
				Help: "Currently open connections",
			},
			[]string{"tenant"},
		),

		ConnectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rt_connections_total",
				Help: "Total connections accepted",
			},
			[]string{"tenant"},
		),

		ConnectionLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rt_connection_latency_seconds",
				Help:    "Round-trip latency measured by heartbeat pings",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"tenant"},
		),

		FramesDecoded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rt_frames_decoded_total",
				Help: "Frames successfully decoded",
			},
			[]string{"type"},
		),

		FramesEncoded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rt_frames_encoded_total",
				Help: "Frames successfully encoded",
			},
			[]string{"type"},
		),

		DecodeFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rt_decode_failures_total",
				Help: "Frames rejected by the codec",
			},
			[]string{"code"}, // stable protocol error code
		),

		PublishTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rt_publish_total",
				Help: "Publish operations accepted by the router",
			},
			[]string{"tenant"},
		),

		DeliveredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rt_delivered_total",
				Help: "Events delivered to subscriber queues",
			},
			[]string{"tenant"},
		),

		DroppedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rt_dropped_total",
				Help: "Events dropped from slow subscriber queues",
			},
			[]string{"tenant"},
		),

		EvictedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rt_evicted_total",
				Help: "Subscribers evicted",
			},
			[]string{"reason"}, // slow_consumer, heartbeat_timeout
		),

		HeartbeatTimeouts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rt_heartbeat_timeouts_total",
				Help: "Heartbeat timeouts observed",
			},
			[]string{"tenant"},
		),

		AdmissionRefused: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rt_admission_refused_total",
				Help: "Connections refused at admission",
			},
			[]string{"code"}, // TENANT_NOT_FOUND, TENANT_SUSPENDED, ...
		),

		RateLimited: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rt_rate_limited_total",
				Help: "Operations refused by the rate limiter",
			},
			[]string{"tenant"},
		),

		QuotaRefused: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rt_quota_refused_total",
				Help: "Operations refused by the limit enforcer",
			},
			[]string{"tenant", "metric"},
		),
	}
}

// ConnectionOpened records an accepted connection.
func (m *Metrics) ConnectionOpened(tenant string) {
	m.ConnectionsTotal.WithLabelValues(tenant).Inc()
	m.ConnectionsOpen.WithLabelValues(tenant).Inc()
}

// ConnectionClosed records a closed connection.
func (m *Metrics) ConnectionClosed(tenant string) {
	m.ConnectionsOpen.WithLabelValues(tenant).Dec()
}

// ObserveLatency records a heartbeat round trip.
func (m *Metrics) ObserveLatency(tenant string, seconds float64) {
	m.ConnectionLatency.WithLabelValues(tenant).Observe(seconds)
}

// RecordPublish records a publish and its fan-out outcome.
func (m *Metrics) RecordPublish(tenant string, delivered, dropped int) {
	m.PublishTotal.WithLabelValues(tenant).Inc()
	m.DeliveredTotal.WithLabelValues(tenant).Add(float64(delivered))
	if dropped > 0 {
		m.DroppedTotal.WithLabelValues(tenant).Add(float64(dropped))
	}
}
