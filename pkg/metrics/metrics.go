// Package metrics exposes the engine's operational counters through a
// dedicated prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the storage-engine instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	// Saves counts save attempts by outcome: created, updated, stale,
	// sequence, validation, error.
	Saves *prometheus.CounterVec

	// Fetches counts read operations by outcome: hit, miss, error.
	Fetches *prometheus.CounterVec

	// BlobPromotions counts heavy-value transitions by direction:
	// promoted, demoted.
	BlobPromotions *prometheus.CounterVec

	// SaveDuration observes end-to-end save latency in seconds.
	SaveDuration prometheus.Histogram
}

// New creates and registers the engine metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Saves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entity_engine",
				Subsystem: "storage",
				Name:      "saves_total",
				Help:      "Total entity save attempts by outcome",
			},
			[]string{"outcome"},
		),
		Fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entity_engine",
				Subsystem: "storage",
				Name:      "fetches_total",
				Help:      "Total entity fetch attempts by outcome",
			},
			[]string{"outcome"},
		),
		BlobPromotions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entity_engine",
				Subsystem: "storage",
				Name:      "blob_promotions_total",
				Help:      "Heavy-value promotions and demotions",
			},
			[]string{"direction"},
		),
		SaveDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "entity_engine",
				Subsystem: "storage",
				Name:      "save_duration_seconds",
				Help:      "End-to-end save latency",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}
	m.registry.MustRegister(m.Saves, m.Fetches, m.BlobPromotions, m.SaveDuration)
	return m
}

// Handler serves the registry in prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
