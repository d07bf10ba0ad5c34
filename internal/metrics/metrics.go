// Package metrics exposes Prometheus instrumentation for the sync server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ledgersync"

// Metrics holds all sync server metrics. A nil *Metrics is a valid no-op recorder.
type Metrics struct {
	PushRows        *prometheus.CounterVec
	PushDuration    prometheus.Histogram
	PullRequests    prometheus.Counter
	LedgerAppended  prometheus.Counter
	LedgerLastSeq   prometheus.Gauge
	PipelineStatus  prometheus.Gauge
	ClientReports   *prometheus.CounterVec
	LedgerIncidents prometheus.Counter

	registry *prometheus.Registry
}

// New creates a metrics instance backed by its own registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.PushRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_rows_total",
			Help:      "Rows received through push by table and outcome",
		},
		[]string{"table", "outcome"},
	)

	m.PushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "push_duration_seconds",
			Help:      "Time spent applying one push batch",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		},
	)

	m.PullRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pull_requests_total",
			Help:      "Pull requests served",
		},
	)

	m.LedgerAppended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_appended_total",
			Help:      "Transactions appended to the ledger",
		},
	)

	m.LedgerLastSeq = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_last_seq",
			Help:      "Last assigned ledger sequence",
		},
	)

	m.PipelineStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_status",
			Help:      "Sync pipeline health (0 ok, 1 warn, 2 critical)",
		},
	)

	m.ClientReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_reports_total",
			Help:      "Client consistency reports by outcome",
		},
		[]string{"outcome"}, // "accepted", "rate_limited"
	)

	m.LedgerIncidents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_incidents_total",
			Help:      "Ledger appends that failed after the projection committed",
		},
	)

	m.registry.MustRegister(
		m.PushRows,
		m.PushDuration,
		m.PullRequests,
		m.LedgerAppended,
		m.LedgerLastSeq,
		m.PipelineStatus,
		m.ClientReports,
		m.LedgerIncidents,
	)

	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler for metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordPushRow increments the push row counter.
func (m *Metrics) RecordPushRow(table, outcome string) {
	if m != nil {
		m.PushRows.WithLabelValues(table, outcome).Inc()
	}
}

// RecordPushDuration records the time spent in one push.
func (m *Metrics) RecordPushDuration(duration time.Duration) {
	if m != nil {
		m.PushDuration.Observe(duration.Seconds())
	}
}

// RecordPull increments the pull counter.
func (m *Metrics) RecordPull() {
	if m != nil {
		m.PullRequests.Inc()
	}
}

// RecordLedgerAppend records appended transactions and the resulting last sequence.
func (m *Metrics) RecordLedgerAppend(applied int, lastSeq uint64) {
	if m != nil {
		m.LedgerAppended.Add(float64(applied))
		m.LedgerLastSeq.Set(float64(lastSeq))
	}
}

// RecordLedgerIncident increments the incident counter.
func (m *Metrics) RecordLedgerIncident() {
	if m != nil {
		m.LedgerIncidents.Inc()
	}
}

// SetPipelineStatus publishes the pipeline health level.
func (m *Metrics) SetPipelineStatus(level int) {
	if m != nil {
		m.PipelineStatus.Set(float64(level))
	}
}

// RecordClientReport increments the client report counter.
func (m *Metrics) RecordClientReport(outcome string) {
	if m != nil {
		m.ClientReports.WithLabelValues(outcome).Inc()
	}
}
