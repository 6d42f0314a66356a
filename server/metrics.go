package server

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/andreyvit/docdb"
)

const metricsNamespace = "docdb"

// Metrics holds the server's Prometheus collectors. Batch metrics are fed by
// ObserveBatch, which is installed as the databases' OnBatchCommitted hook.
type Metrics struct {
	registry *prometheus.Registry

	documents      *prometheus.CounterVec
	batches        *prometheus.CounterVec
	batchDuration  *prometheus.HistogramVec
	conflicts      *prometheus.CounterVec
	failures       *prometheus.CounterVec
	sessionsOpened *prometheus.CounterVec
	sessionsActive prometheus.Gauge
	requests       *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bulk_documents_total",
			Help:      "Documents processed by bulk insert batches, by outcome.",
		}, []string{"db", "status"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bulk_batches_total",
			Help:      "Bulk insert batches, by whether they were committed.",
		}, []string{"db", "committed"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "bulk_batch_duration_seconds",
			Help:      "Time to commit a bulk insert batch.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"db"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bulk_conflicts_total",
			Help:      "Concurrency conflicts that ended a bulk insert session.",
		}, []string{"db"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bulk_storage_failures_total",
			Help:      "Storage failures that ended a bulk insert session.",
		}, []string{"db"}),
		sessionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bulk_sessions_opened_total",
			Help:      "Remote bulk insert sessions opened.",
		}, []string{"db"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "bulk_sessions_active",
			Help:      "Remote bulk insert sessions currently open.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by route and status code.",
		}, []string{"route", "code"}),
	}
	m.registry.MustRegister(
		m.documents,
		m.batches,
		m.batchDuration,
		m.conflicts,
		m.failures,
		m.sessionsOpened,
		m.sessionsActive,
		m.requests,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveBatch(ev docdb.BatchEvent) {
	if ev.Err != nil {
		m.failures.WithLabelValues(ev.Database).Inc()
		return
	}
	res := ev.Result
	m.batches.WithLabelValues(ev.Database, strconv.FormatBool(res.Committed)).Inc()
	m.batchDuration.WithLabelValues(ev.Database).Observe(ev.Duration.Seconds())
	for _, o := range res.Outcomes {
		m.documents.WithLabelValues(ev.Database, o.Status.String()).Inc()
	}
	if res.Conflict != nil {
		m.conflicts.WithLabelValues(ev.Database).Inc()
	}
}

func (m *Metrics) sessionOpened(db string) {
	m.sessionsOpened.WithLabelValues(db).Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) sessionEnded() {
	m.sessionsActive.Dec()
}

func (m *Metrics) observeRequest(route string, code int) {
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
