// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	reportsTotal               *prometheus.CounterVec
	cellsWrittenTotal          prometheus.Counter
	artifactCollisionsTotal    prometheus.Counter
	frontierDepth              prometheus.Gauge
	robotsFallbacksTotal       prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tabnet_fetches_total",
				Help: "Total number of upstream fetches, labeled by site, method and status.",
			},
			[]string{"site", "method", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tabnet_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tabnet_fetch_duration_seconds",
				Help:    "Histogram of upstream fetch latencies, labeled by method.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"method"},
		)

		reportsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tabnet_reports_total",
				Help: "Total number of CSV reports processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		cellsWrittenTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tabnet_cells_written_total",
				Help: "Total number of cell artifacts persisted.",
			},
		)

		artifactCollisionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tabnet_artifact_collisions_total",
				Help: "Total number of artifacts renamed because the target path existed.",
			},
		)

		frontierDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tabnet_frontier_depth",
				Help: "Number of request descriptors waiting in the discovery frontier.",
			},
		)

		robotsFallbacksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tabnet_robots_fallbacks_total",
				Help: "Total robots.txt probes that timed out and fell back to allow-all.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one upstream fetch.
func ObserveFetch(site, method, status string, bytesFetched int, duration time.Duration) {
	Init()
	sanitizedSite := SanitizeSite(site)
	fetchesTotal.WithLabelValues(sanitizedSite, method, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
	fetchDurationSeconds.WithLabelValues(method).Observe(duration.Seconds())
}

// ObserveReport counts a parsed ("parsed") or rejected ("failed") report.
func ObserveReport(outcome string) {
	Init()
	reportsTotal.WithLabelValues(outcome).Inc()
}

// AddCellsWritten adds n persisted cells.
func AddCellsWritten(n int) {
	Init()
	if n > 0 {
		cellsWrittenTotal.Add(float64(n))
	}
}

// IncArtifactCollisions counts one renamed artifact.
func IncArtifactCollisions() {
	Init()
	artifactCollisionsTotal.Inc()
}

// SetFrontierDepth reports the current frontier size.
func SetFrontierDepth(n int) {
	Init()
	frontierDepth.Set(float64(n))
}

// IncRobotsFallback counts one robots.txt probe answered with allow-all.
func IncRobotsFallback() {
	Init()
	robotsFallbacksTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
