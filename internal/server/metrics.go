package server

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

const metricsPath = "/metrics"

// Metrics holds the HTTP and revision collectors registered for one server.
type Metrics struct {
	gatherer        prometheus.Gatherer
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge
	draftsAccepted  *prometheus.CounterVec
	revisionsEvents *prometheus.CounterVec
}

// NewMetrics registers the collectors on a fresh registry. Each server owns
// its registry so several handlers can coexist in one process.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)

	return &Metrics{
		gatherer: registry,
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quire_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quire_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		activeRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "quire_http_active_requests",
				Help: "Number of in-flight HTTP requests",
			},
		),
		draftsAccepted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quire_drafts_accepted_total",
				Help: "Drafts published as head, labelled by whether they were stale",
			},
			[]string{"stale"},
		),
		revisionsEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quire_revision_events_total",
				Help: "Revision lifecycle events by kind",
			},
			[]string{"kind"},
		),
	}
}

// Middleware records request counts and latency by route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == metricsPath {
			c.Next()
			return
		}

		start := time.Now()
		m.activeRequests.Inc()
		defer m.activeRequests.Dec()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.requestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		m.requestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) observeEvent(kind string) {
	if m == nil {
		return
	}
	m.revisionsEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeAccept(wasStale bool) {
	if m == nil {
		return
	}
	m.draftsAccepted.WithLabelValues(strconv.FormatBool(wasStale)).Inc()
}
