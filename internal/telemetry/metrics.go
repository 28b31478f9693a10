// Package telemetry exposes Prometheus metrics for the retrieval pipeline
// and keeps local query statistics. Nothing is reported externally; the
// metrics are scraped from /metrics.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "policyrag"

// Retrieval error kinds used as the "kind" label.
const (
	KindUnavailable = "unavailable"
	KindCancelled   = "cancelled"
	KindInternal    = "internal"
)

// Metrics holds the pipeline's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	retrieveDuration   prometheus.Histogram
	retrieveResults    prometheus.Histogram
	retrieveErrors     *prometheus.CounterVec
	termFailures       *prometheus.CounterVec
	expansionFallbacks prometheus.Counter
	httpRequests       *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		retrieveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieve_duration_seconds",
			Help:      "End-to-end retrieval latency: expansion, term searches, rerank and formatting.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		retrieveResults: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieve_results",
			Help:      "Number of chunks in each context bundle.",
			Buckets:   []float64{0, 1, 3, 5, 10, 20, 50},
		}),
		retrieveErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieve_errors_total",
			Help:      "Retrievals that returned an error, by kind.",
		}, []string{"kind"}),
		termFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "term_search_failures_total",
			Help:      "Term searches that degraded to an empty result.",
		}, []string{"reason"}),
		expansionFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expansion_fallbacks_total",
			Help:      "Queries searched with the original text because expansion failed.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP API requests by route and status code.",
		}, []string{"route", "code"}),
	}

	reg.MustRegister(
		m.retrieveDuration,
		m.retrieveResults,
		m.retrieveErrors,
		m.termFailures,
		m.expansionFallbacks,
		m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveRetrieve records a completed retrieval.
func (m *Metrics) ObserveRetrieve(d time.Duration, results int) {
	if m == nil {
		return
	}
	m.retrieveDuration.Observe(d.Seconds())
	m.retrieveResults.Observe(float64(results))
}

// RetrieveFailed counts a failed retrieval.
func (m *Metrics) RetrieveFailed(kind string) {
	if m == nil {
		return
	}
	m.retrieveErrors.WithLabelValues(kind).Inc()
}

// TermSearchFailed counts a degraded term search.
func (m *Metrics) TermSearchFailed(reason string) {
	if m == nil {
		return
	}
	m.termFailures.WithLabelValues(reason).Inc()
}

// ExpansionFallback counts a query searched without expansion.
func (m *Metrics) ExpansionFallback() {
	if m == nil {
		return
	}
	m.expansionFallbacks.Inc()
}

// HTTPRequest counts an API request.
func (m *Metrics) HTTPRequest(route, code string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, code).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
