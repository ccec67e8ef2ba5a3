// Package metrics exposes Prometheus metrics for the HTTP surface and the
// detection pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors registered for one service instance.
type Metrics struct {
	registry            *prometheus.Registry
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	classifications     *prometheus.CounterVec
	classifyDuration    *prometheus.HistogramVec
	deletions           *prometheus.CounterVec
}

// New registers all collectors, including Go runtime and process metrics,
// on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ripeness_http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ripeness_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		classifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ripeness_classifications_total",
				Help: "Classification attempts by outcome.",
			},
			[]string{"outcome"},
		),
		classifyDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ripeness_classifier_duration_seconds",
				Help:    "Latency of the external classifier call in seconds.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"outcome"},
		),
		deletions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ripeness_record_deletions_total",
				Help: "Record deletion requests by result.",
			},
			[]string{"result"},
		),
	}
}

// Middleware records request count and latency. Routes are labelled with
// their gin pattern so record ids do not inflate cardinality.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())

		m.httpRequestsTotal.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveClassification counts a classification attempt and its latency.
func (m *Metrics) ObserveClassification(outcome string, latency time.Duration) {
	m.classifications.WithLabelValues(outcome).Inc()
	m.classifyDuration.WithLabelValues(outcome).Observe(latency.Seconds())
}

// ObserveDeletion counts a delete request.
func (m *Metrics) ObserveDeletion(found bool) {
	result := "deleted"
	if !found {
		result = "not_found"
	}
	m.deletions.WithLabelValues(result).Inc()
}
