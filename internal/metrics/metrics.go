// Package metrics exports the gateway's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RendersTotal counts completed render requests by outcome
	// (fresh, stale, updated, updating, error, timeout).
	RendersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kasha_renders_total",
		Help: "Completed render requests by outcome.",
	}, []string{"outcome"})

	// RenderDuration observes end-to-end render request latency.
	RenderDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kasha_render_duration_seconds",
		Help:    "End-to-end render request latency.",
		Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	})

	// PendingRenders gauges in-flight render jobs.
	PendingRenders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kasha_pending_renders",
		Help: "Render jobs currently in flight.",
	})

	// JobsPublished counts render jobs published to the bus.
	JobsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kasha_jobs_published_total",
		Help: "Render jobs published to the bus.",
	})

	// SitemapPages counts generated sitemap/robots artifacts.
	SitemapPages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kasha_sitemap_pages_total",
		Help: "Generated sitemap and robots artifacts by variant.",
	}, []string{"variant"})

	// CallbackDeliveries counts callback POST outcomes.
	CallbackDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kasha_callback_deliveries_total",
		Help: "Callback POST deliveries by result.",
	}, []string{"result"})

	// JanitorRemovals counts snapshots removed by the janitor.
	JanitorRemovals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kasha_janitor_removals_total",
		Help: "Snapshots removed by the cache janitor.",
	})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
