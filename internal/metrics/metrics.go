// Package metrics exposes Prometheus collectors for the topic crawler.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	navigationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topiccrawler_navigations_total",
			Help: "Total number of search navigations, labeled by site and outcome.",
		},
		[]string{"site", "outcome"},
	)

	navigationBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topiccrawler_navigation_bytes_total",
			Help: "Total number of bytes received from search navigations, labeled by site.",
		},
		[]string{"site"},
	)

	navigationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "topiccrawler_navigation_duration_seconds",
			Help:    "Histogram of navigation latencies, excluding gate wait and jitter.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"site"},
	)

	gateInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "topiccrawler_gate_in_flight",
			Help: "Number of gate slots currently held.",
		},
	)

	gateWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "topiccrawler_gate_wait_seconds",
			Help:    "Time spent waiting for a gate slot.",
			Buckets: []float64{0.01, 0.1, 1, 5, 15, 30, 60, 120},
		},
	)

	feedFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topiccrawler_feed_fetches_total",
			Help: "Total number of feed fetches, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	topicsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topiccrawler_topics_total",
			Help: "Total number of candidate topics, labeled by whether they were emitted or excluded.",
		},
		[]string{"decision"},
	)

	sourceReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topiccrawler_source_reloads_total",
			Help: "Total number of sources document (re)loads, labeled by result.",
		},
		[]string{"result"},
	)

	iterationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topiccrawler_iterations_total",
			Help: "Total number of orchestration iterations, labeled by result.",
		},
		[]string{"result"},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "topiccrawler_rate_limit_delay_seconds",
			Help:    "Histogram of per-host rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topiccrawler_http_requests_total",
			Help: "Total number of ops server requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "topiccrawler_http_request_duration_seconds",
			Help:    "Histogram of ops server request latencies, labeled by method and route.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"method", "route"},
	)
)

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

// ObserveNavigation records a completed navigation attempt.
func ObserveNavigation(rawURL string, ok bool, bytesFetched int, duration time.Duration) {
	site := SanitizeSite(rawURL)
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	navigationsTotal.WithLabelValues(site, outcome).Inc()
	if bytesFetched > 0 {
		navigationBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
	if duration > 0 {
		navigationDurationSeconds.WithLabelValues(site).Observe(duration.Seconds())
	}
}

// GateAcquired marks a slot as taken after waiting for the given duration.
func GateAcquired(waited time.Duration) {
	gateInFlight.Inc()
	gateWaitSeconds.Observe(waited.Seconds())
}

// GateReleased marks a slot as free.
func GateReleased() {
	gateInFlight.Dec()
}

// ObserveFeedFetch counts a feed fetch by outcome.
func ObserveFeedFetch(ok bool) {
	if ok {
		feedFetchesTotal.WithLabelValues("success").Inc()
		return
	}
	feedFetchesTotal.WithLabelValues("failure").Inc()
}

// ObserveTopic counts an emitted or excluded topic.
func ObserveTopic(excluded bool) {
	if excluded {
		topicsTotal.WithLabelValues("excluded").Inc()
		return
	}
	topicsTotal.WithLabelValues("emitted").Inc()
}

// ObserveSourceReload counts a sources document load attempt.
func ObserveSourceReload(result string) {
	sourceReloadsTotal.WithLabelValues(result).Inc()
}

// ObserveIteration counts an orchestration iteration by result.
func ObserveIteration(result string) {
	iterationsTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the ops server request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
