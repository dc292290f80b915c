// Package metrics registers the Prometheus instrumentation for the
// order-state layer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counters shared across components. One instance per
// process, constructed in main and passed by reference.
type Metrics struct {
	registry *prometheus.Registry

	ReconRuns       *prometheus.CounterVec
	ReconErrors     *prometheus.CounterVec
	StalePruned     prometheus.Counter
	EventsPublished prometheus.Counter
	EventsReceived  prometheus.Counter
	EventsFiltered  prometheus.Counter
	EventsDropped   prometheus.Counter
}

// New creates and registers the counters on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ReconRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orderstate_recon_runs_total",
			Help: "Reconciliation operations executed, by operation.",
		}, []string{"op"}),
		ReconErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orderstate_recon_suberrors_total",
			Help: "Non-fatal cache sub-operation failures during reconciliation, by operation.",
		}, []string{"op"}),
		StalePruned: factory.NewCounter(prometheus.CounterOpts{
			Name: "orderstate_stale_orders_pruned_total",
			Help: "Stale order ids removed from the cache by prune.",
		}),
		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "orderstate_bus_events_published_total",
			Help: "Envelopes published on the broadcast channel.",
		}),
		EventsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "orderstate_bus_events_received_total",
			Help: "Envelopes received from the broadcast channel.",
		}),
		EventsFiltered: factory.NewCounter(prometheus.CounterOpts{
			Name: "orderstate_bus_events_self_filtered_total",
			Help: "Envelopes dropped because this instance originated them.",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "orderstate_bus_events_dropped_total",
			Help: "Local deliveries dropped on a full subscriber channel.",
		}),
	}
}

// Handler exposes the registry for the admin router.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
