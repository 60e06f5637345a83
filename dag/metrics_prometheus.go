package dag

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics exports counters and histograms on a registry and keeps
// an InMemMetrics alongside for Snapshot.
type PrometheusMetrics struct {
	inner *InMemMetrics

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	mutationTotal   *prometheus.CounterVec
	mutationRows    *prometheus.CounterVec
	mutationLatency *prometheus.HistogramVec
	queryTotal      *prometheus.CounterVec
	queryResults    *prometheus.HistogramVec
}

var latencyBucketsSeconds = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5}

// NewPrometheusMetrics registers the dagcore collectors on reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)
	return &PrometheusMetrics{
		inner: NewInMemMetrics(),
		requestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dagcore",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dagcore",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   latencyBucketsSeconds,
		}, []string{"method", "route"}),
		mutationTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dagcore",
			Name:      "mutations_total",
			Help:      "Edge inserts and removals by source and outcome.",
		}, []string{"operation", "source", "outcome"}),
		mutationRows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dagcore",
			Name:      "closure_rows_total",
			Help:      "Closure rows created or deleted.",
		}, []string{"operation", "source"}),
		mutationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dagcore",
			Name:      "mutation_duration_seconds",
			Help:      "Edge mutation latency including the transaction.",
			Buckets:   latencyBucketsSeconds,
		}, []string{"operation"}),
		queryTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dagcore",
			Name:      "queries_total",
			Help:      "Relation queries by direction and outcome.",
		}, []string{"direction", "outcome"}),
		queryResults: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dagcore",
			Name:      "query_result_vertices",
			Help:      "Distinct vertices returned by relation queries.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"direction"}),
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (p *PrometheusMetrics) RecordRequest(method, path string, status int, latencyMS int64) {
	p.inner.RecordRequest(method, path, status, latencyMS)
	p.requestTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	p.requestDuration.WithLabelValues(method, path).Observe(float64(latencyMS) / 1000)
}

func (p *PrometheusMetrics) RecordInsert(source string, latencyMS int64, rowCount int, err error) {
	p.inner.RecordInsert(source, latencyMS, rowCount, err)
	p.recordMutation("insert", source, latencyMS, rowCount, err)
}

func (p *PrometheusMetrics) RecordRemove(source string, latencyMS int64, rowCount int, err error) {
	p.inner.RecordRemove(source, latencyMS, rowCount, err)
	p.recordMutation("remove", source, latencyMS, rowCount, err)
}

func (p *PrometheusMetrics) recordMutation(operation, source string, latencyMS int64, rowCount int, err error) {
	source = normalizeMetricsSource(source)
	p.mutationTotal.WithLabelValues(operation, source, outcome(err)).Inc()
	p.mutationRows.WithLabelValues(operation, source).Add(float64(max(rowCount, 0)))
	p.mutationLatency.WithLabelValues(operation).Observe(float64(latencyMS) / 1000)
}

func (p *PrometheusMetrics) RecordQuery(source, direction string, latencyMS int64, resultCount int, err error) {
	p.inner.RecordQuery(source, direction, latencyMS, resultCount, err)
	p.queryTotal.WithLabelValues(direction, outcome(err)).Inc()
	if err == nil {
		p.queryResults.WithLabelValues(direction).Observe(float64(resultCount))
	}
}

func (p *PrometheusMetrics) Snapshot() MetricsSnapshot {
	return p.inner.Snapshot()
}
