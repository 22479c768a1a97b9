// Package telemetry registers the process's Prometheus collectors and
// serves them at /metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequests counts served API requests by endpoint and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qs_http_requests_total",
		Help: "API requests served, by endpoint and HTTP status.",
	}, []string{"endpoint", "status"})

	// UpstreamRequests counts gateway calls by outcome.
	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qs_upstream_requests_total",
		Help: "Upstream gateway calls, by outcome (ok, retry, error).",
	}, []string{"outcome"})

	// UpstreamInflight tracks requests currently holding an upstream slot.
	UpstreamInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qs_upstream_inflight",
		Help: "Upstream requests currently in flight.",
	})

	// CacheHits and CacheMisses count bar cache lookups.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qs_bar_cache_hits_total",
		Help: "Bar cache lookups fully served from memory.",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qs_bar_cache_misses_total",
		Help: "Bar cache lookups that needed an upstream fetch.",
	})

	// CachedBars tracks the cache's total bar count after eviction.
	CachedBars = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qs_bar_cache_bars",
		Help: "Bars currently held by the cache.",
	})
)

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
