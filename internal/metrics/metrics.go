// Package metrics exposes Prometheus instrumentation for the audit trail.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the audit trail's Prometheus collectors on a private
// registry. It implements audit.Observer for the append path.
type Metrics struct {
	appendsTotal      *prometheus.CounterVec
	appendFailures    *prometheus.CounterVec
	appendDuration    prometheus.Histogram
	queriesTotal      prometheus.Counter
	queryFailures     prometheus.Counter
	exportsTotal      *prometheus.CounterVec
	exportRowsTotal   prometheus.Counter
	verifyRunsTotal   *prometheus.CounterVec
	verifyLastGoodSeq prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a Metrics instance with its own registry, pre-registered with
// the standard Go and process collectors.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		appendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_appended_total",
				Help:      "Total audit records appended, by event type and outcome",
			},
			[]string{"event_type", "success"},
		),
		appendFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "append_failures_total",
				Help:      "Total rejected or failed appends, by reason",
			},
			[]string{"reason"},
		),
		appendDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "append_duration_seconds",
				Help:      "Append latency including chain-hash computation and commit",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
		),
		queriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queries_total",
				Help:      "Total paginated queries served",
			},
		),
		queryFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "query_failures_total",
				Help:      "Total queries that failed against the store",
			},
		),
		exportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exports_total",
				Help:      "Total export streams, by result (complete, aborted, failed)",
			},
			[]string{"result"},
		),
		exportRowsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "export_rows_total",
				Help:      "Total rows streamed by the export pipeline",
			},
		),
		verifyRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verify_runs_total",
				Help:      "Total chain verification runs, by result (ok, broken, error)",
			},
			[]string{"result"},
		),
		verifyLastGoodSeq: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "verify_last_good_sequence",
				Help:      "Highest sequence number covered by a passing verification",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.appendsTotal,
		m.appendFailures,
		m.appendDuration,
		m.queriesTotal,
		m.queryFailures,
		m.exportsTotal,
		m.exportRowsTotal,
		m.verifyRunsTotal,
		m.verifyLastGoodSeq,
	)
	return m
}

// RecordAppended implements audit.Observer.
func (m *Metrics) RecordAppended(eventType string, success bool, elapsed time.Duration) {
	outcome := "true"
	if !success {
		outcome = "false"
	}
	m.appendsTotal.WithLabelValues(eventType, outcome).Inc()
	m.appendDuration.Observe(elapsed.Seconds())
}

// AppendFailed implements audit.Observer.
func (m *Metrics) AppendFailed(reason string) {
	m.appendFailures.WithLabelValues(reason).Inc()
}

// QueryServed counts a completed paginated query.
func (m *Metrics) QueryServed() { m.queriesTotal.Inc() }

// QueryFailed counts a query that failed against the store.
func (m *Metrics) QueryFailed() { m.queryFailures.Inc() }

// ExportFinished counts an export stream by result.
func (m *Metrics) ExportFinished(result string, rows int64) {
	m.exportsTotal.WithLabelValues(result).Inc()
	m.exportRowsTotal.Add(float64(rows))
}

// VerifyRun counts a verification run and advances the known-good gauge.
func (m *Metrics) VerifyRun(result string, lastGoodSeq int64) {
	m.verifyRunsTotal.WithLabelValues(result).Inc()
	if result == "ok" && lastGoodSeq > 0 {
		m.verifyLastGoodSeq.Set(float64(lastGoodSeq))
	}
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
