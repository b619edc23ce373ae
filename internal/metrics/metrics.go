// Package metrics defines the Prometheus instrumentation for the pipeline.
// Counters are nil-receiver safe so tests can pass a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every pipeline counter, registered on a private registry so
// tests can construct as many instances as they like.
type Metrics struct {
	registry *prometheus.Registry

	received  *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	published *prometheus.CounterVec

	parseDrops *prometheus.CounterVec
	writes     *prometheus.CounterVec
	retries    prometheus.Counter
	fatals     *prometheus.CounterVec
}

// New creates and registers all pipeline metrics.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.received = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fourgate_webhooks_received_total",
		Help: "Webhook deliveries received at the intake gate.",
	}, []string{"source"})
	m.rejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fourgate_webhooks_rejected_total",
		Help: "Webhook deliveries rejected before publish.",
	}, []string{"source", "reason"})
	m.published = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fourgate_envelopes_published_total",
		Help: "Raw event envelopes durably published to the bus.",
	}, []string{"source"})
	m.parseDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fourgate_parse_drops_total",
		Help: "Messages dropped by parser workers (acked without rows).",
	}, []string{"source", "reason"})
	m.writes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fourgate_warehouse_writes_total",
		Help: "Canonical rows written, by table.",
	}, []string{"table"})
	m.retries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fourgate_warehouse_write_retries_total",
		Help: "Transient warehouse write failures that were retried.",
	})
	m.fatals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fourgate_warehouse_write_fatal_total",
		Help: "Messages dropped after fatal warehouse write failures.",
	}, []string{"source"})

	m.registry.MustRegister(m.received, m.rejected, m.published,
		m.parseDrops, m.writes, m.retries, m.fatals)
	return m
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncReceived counts a webhook delivery hitting the gate.
func (m *Metrics) IncReceived(source string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(source).Inc()
}

// IncRejected counts a pre-publish rejection (unknown_source, verification,
// oversize, publish_failed).
func (m *Metrics) IncRejected(source, reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(source, reason).Inc()
}

// IncPublished counts a durably published envelope.
func (m *Metrics) IncPublished(source string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(source).Inc()
}

// IncParseDrop counts a worker-side drop (malformed, ambiguous, unknown_type).
func (m *Metrics) IncParseDrop(source, reason string) {
	if m == nil {
		return
	}
	m.parseDrops.WithLabelValues(source, reason).Inc()
}

// AddWrites counts canonical rows landed in a table.
func (m *Metrics) AddWrites(table string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.writes.WithLabelValues(table).Add(float64(n))
}

// IncWriteRetry counts one transient-failure retry.
func (m *Metrics) IncWriteRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// IncWriteFatal counts a message dropped on a fatal write failure.
func (m *Metrics) IncWriteFatal(source string) {
	if m == nil {
		return
	}
	m.fatals.WithLabelValues(source).Inc()
}
