// Package metrics holds the proxy's Prometheus metrics, adapted from the
// teacher's per-tenant Collector (internal/metrics/metrics.go) down to the
// single-upstream shape this proxy has: one protocol, one upstream, many
// concurrent client connections.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric the proxy exports.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive    prometheus.Gauge
	connectionsRejected  *prometheus.CounterVec
	sessionDuration      *prometheus.HistogramVec
	upstreamHealth       prometheus.Gauge
	healthCheckDuration  prometheus.Histogram
	healthCheckErrors    *prometheus.CounterVec
	maskingFailures      prometheus.Counter
	fieldsMaskedTotal    *prometheus.CounterVec
	framesProcessedTotal *prometheus.CounterVec
	configReloadsTotal   *prometheus.CounterVec
}

// New creates and registers every metric on an independent registry. Safe
// to call multiple times (tests, or a from-scratch rebuild on fatal config
// errors) since each call's registry is isolated.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,

		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "piimask_connections_active",
			Help: "Number of currently open client connections.",
		}),
		connectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "piimask_connections_rejected_total",
			Help: "Connections rejected before relay, by reason.",
		}, []string{"reason"}), // "max_connections" or "rate_limited"
		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "piimask_session_duration_seconds",
			Help:    "Duration of a client session from accept to close.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}, []string{"protocol"}),
		upstreamHealth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "piimask_upstream_health",
			Help: "Health of the configured upstream (1=healthy, 0=unhealthy).",
		}),
		healthCheckDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "piimask_health_check_duration_seconds",
			Help:    "Duration of upstream health-check probes.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		healthCheckErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "piimask_health_check_errors_total",
			Help: "Health check errors by type.",
		}, []string{"error_type"}),
		maskingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "piimask_masking_failures_total",
			Help: "Fields that failed to mask and were passed through unchanged.",
		}),
		fieldsMaskedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "piimask_fields_masked_total",
			Help: "Fields replaced by the masking engine, by strategy.",
		}, []string{"strategy"}),
		framesProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "piimask_frames_processed_total",
			Help: "Upstream frames decoded, by protocol.",
		}, []string{"protocol"}),
		configReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "piimask_config_reloads_total",
			Help: "Config hot-reload attempts, by outcome.",
		}, []string{"outcome"}), // "applied" or "rejected"
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsRejected,
		c.sessionDuration,
		c.upstreamHealth,
		c.healthCheckDuration,
		c.healthCheckErrors,
		c.maskingFailures,
		c.fieldsMaskedTotal,
		c.framesProcessedTotal,
		c.configReloadsTotal,
	)

	return c
}

// ConnectionOpened/ConnectionClosed track the live-connection gauge.
func (c *Collector) ConnectionOpened() { c.connectionsActive.Inc() }
func (c *Collector) ConnectionClosed() { c.connectionsActive.Dec() }

// ConnectionRejected records a pre-relay rejection by reason.
func (c *Collector) ConnectionRejected(reason string) {
	c.connectionsRejected.WithLabelValues(reason).Inc()
}

// SessionCompleted records a session's total duration.
func (c *Collector) SessionCompleted(protocol string, d time.Duration) {
	c.sessionDuration.WithLabelValues(protocol).Observe(d.Seconds())
}

// SetUpstreamHealth sets the upstream health gauge.
func (c *Collector) SetUpstreamHealth(healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	c.upstreamHealth.Set(v)
}

// HealthCheckCompleted records a probe's duration.
func (c *Collector) HealthCheckCompleted(d time.Duration) {
	c.healthCheckDuration.Observe(d.Seconds())
}

// HealthCheckError records a probe error by type.
func (c *Collector) HealthCheckError(errorType string) {
	c.healthCheckErrors.WithLabelValues(errorType).Inc()
}

// RecordMaskingFailure implements mask.FailureRecorder.
func (c *Collector) RecordMaskingFailure() {
	c.maskingFailures.Inc()
}

// FieldMasked records a field replaced by the given strategy.
func (c *Collector) FieldMasked(strategy string) {
	c.fieldsMaskedTotal.WithLabelValues(strategy).Inc()
}

// FrameProcessed records one decoded frame for a protocol.
func (c *Collector) FrameProcessed(protocol string) {
	c.framesProcessedTotal.WithLabelValues(protocol).Inc()
}

// ConfigReloaded records a hot-reload attempt's outcome.
func (c *Collector) ConfigReloaded(applied bool) {
	outcome := "applied"
	if !applied {
		outcome = "rejected"
	}
	c.configReloadsTotal.WithLabelValues(outcome).Inc()
}
