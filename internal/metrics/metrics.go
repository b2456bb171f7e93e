// Package metrics wraps the Prometheus collectors of the price engine.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector provides engine metrics collection.
type Collector struct {
	registry *prometheus.Registry

	// Fetch metrics
	attemptsTotal   *prometheus.CounterVec
	attemptLatency  *prometheus.HistogramVec
	fetchesTotal    *prometheus.CounterVec
	fetchLatency    *prometheus.HistogramVec
	discardedTotal  *prometheus.CounterVec
	breakerSkipping *prometheus.CounterVec

	// Cache metrics
	cacheLookups *prometheus.CounterVec
	cacheWrites  *prometheus.CounterVec
	cacheEntries prometheus.Gauge
	cacheEvicted prometheus.Counter
	fallbacks    *prometheus.CounterVec

	// Background metrics
	refreshTicks   prometheus.Counter
	refreshKeys    *prometheus.CounterVec
	streamMessages *prometheus.CounterVec

	// HTTP metrics
	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// NewCollector creates a collector with its own registry, including the Go
// runtime and process collectors.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "pricefetcher"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "attempts_total",
			Help:      "Completed endpoint attempts by outcome",
		},
		[]string{"category", "source", "outcome"},
	)

	c.attemptLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "attempt_duration_seconds",
			Help:      "Latency of completed endpoint attempts",
			Buckets:   prometheus.ExponentialBuckets(0.025, 2, 9), // 25ms to ~6s
		},
		[]string{"category", "source"},
	)

	c.fetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "requests_total",
			Help:      "Fan-out requests by result",
		},
		[]string{"category", "result"},
	)

	c.fetchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "request_duration_seconds",
			Help:      "Time from dispatch to resolution of a fan-out request",
			Buckets:   prometheus.ExponentialBuckets(0.025, 2, 10),
		},
		[]string{"category"},
	)

	c.discardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "discarded_total",
			Help:      "Attempts that finished after their request resolved",
		},
		[]string{"category"},
	)

	c.breakerSkipping = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "sources_skipped_total",
			Help:      "Sources skipped because their circuit breaker was open",
		},
		[]string{"category"},
	)

	c.cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by result (hit, miss, pinned, stale)",
		},
		[]string{"category", "result"},
	)

	c.cacheWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "commits_total",
			Help:      "Cache commits by result (written, insignificant, outdated)",
		},
		[]string{"category", "result"},
	)

	c.cacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Entries currently held by the cache",
		},
	)

	c.cacheEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evicted_total",
			Help:      "Entries removed after their stale retention passed",
		},
	)

	c.fallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "fallbacks_total",
			Help:      "Degraded answers served after every source failed, by origin (cache, snapshot, constant)",
		},
		[]string{"category", "origin"},
	)

	c.refreshTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "ticks_total",
			Help:      "Background refresh ticks",
		},
	)

	c.refreshKeys = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "keys_total",
			Help:      "Background key refreshes by result",
		},
		[]string{"result"},
	)

	c.streamMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "messages_total",
			Help:      "Streamed messages by result (applied, ignored, invalid)",
		},
		[]string{"result"},
	)

	c.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	c.httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	c.registry.MustRegister(
		c.attemptsTotal,
		c.attemptLatency,
		c.fetchesTotal,
		c.fetchLatency,
		c.discardedTotal,
		c.breakerSkipping,
		c.cacheLookups,
		c.cacheWrites,
		c.cacheEntries,
		c.cacheEvicted,
		c.fallbacks,
		c.refreshTicks,
		c.refreshKeys,
		c.streamMessages,
		c.httpRequests,
		c.httpLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry returns the Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the collector's registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordAttempt records a completed, non-discarded endpoint attempt.
func (c *Collector) RecordAttempt(category, source, outcome string, latency time.Duration) {
	if c == nil {
		return
	}
	c.attemptsTotal.WithLabelValues(category, source, outcome).Inc()
	c.attemptLatency.WithLabelValues(category, source).Observe(latency.Seconds())
}

// RecordFetch records the resolution of a fan-out request.
func (c *Collector) RecordFetch(category, result string, duration time.Duration) {
	if c == nil {
		return
	}
	c.fetchesTotal.WithLabelValues(category, result).Inc()
	c.fetchLatency.WithLabelValues(category).Observe(duration.Seconds())
}

// RecordDiscarded counts attempts that finished after resolution.
func (c *Collector) RecordDiscarded(category string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.discardedTotal.WithLabelValues(category).Add(float64(n))
}

// RecordSkippedSources counts sources left out by their breaker.
func (c *Collector) RecordSkippedSources(category string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.breakerSkipping.WithLabelValues(category).Add(float64(n))
}

// RecordLookup records a cache lookup.
func (c *Collector) RecordLookup(category, result string) {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues(category, result).Inc()
}

// RecordCommit records a cache commit decision.
func (c *Collector) RecordCommit(category, result string) {
	if c == nil {
		return
	}
	c.cacheWrites.WithLabelValues(category, result).Inc()
}

// RecordCacheSize sets the number of cache entries.
func (c *Collector) RecordCacheSize(n int) {
	if c == nil {
		return
	}
	c.cacheEntries.Set(float64(n))
}

// RecordEvicted counts swept entries.
func (c *Collector) RecordEvicted(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.cacheEvicted.Add(float64(n))
}

// RecordFallback counts a degraded answer.
func (c *Collector) RecordFallback(category, origin string) {
	if c == nil {
		return
	}
	c.fallbacks.WithLabelValues(category, origin).Inc()
}

// RecordRefreshTick counts a scheduler tick.
func (c *Collector) RecordRefreshTick() {
	if c == nil {
		return
	}
	c.refreshTicks.Inc()
}

// RecordRefresh records the refresh of one key.
func (c *Collector) RecordRefresh(err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.refreshKeys.WithLabelValues(result).Inc()
}

// RecordStreamMessage records a streamed message.
func (c *Collector) RecordStreamMessage(result string) {
	if c == nil {
		return
	}
	c.streamMessages.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records a served HTTP request.
func (c *Collector) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, route, status).Inc()
	c.httpLatency.WithLabelValues(route).Observe(duration.Seconds())
}
