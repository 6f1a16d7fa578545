// Package metrics holds the prometheus instruments shared by the pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vigil"

// Metrics is a private registry plus every instrument the pipeline records.
// Each pipeline owns one; tests create their own so counters never collide.
type Metrics struct {
	registry *prometheus.Registry

	EventsAccepted   prometheus.Counter
	EventsRejected   prometheus.Counter
	EventsDropped    *prometheus.CounterVec
	Subscribers      prometheus.Gauge
	CacheSize        prometheus.Gauge
	WatcherPolls     *prometheus.CounterVec
	WatcherFailures  *prometheus.CounterVec
	WatcherDegraded  *prometheus.GaugeVec
	DeliveryFailures prometheus.Counter
	Incidents        *prometheus.CounterVec
}

// New creates a registry and registers all instruments on it.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "events_accepted_total",
			Help:      "Events accepted into the broker cache.",
		}),
		EventsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "events_rejected_total",
			Help:      "Events rejected by schema validation.",
		}),
		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "events_dropped_total",
			Help:      "Events discarded from a subscriber queue that fell behind.",
		}, []string{"subscriber"}),
		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "subscribers",
			Help:      "Currently registered subscribers.",
		}),
		CacheSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "cache_size",
			Help:      "Events held in the recent-event cache.",
		}),
		WatcherPolls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "polls_total",
			Help:      "Completed watcher observation cycles.",
		}, []string{"watcher"}),
		WatcherFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "failures_total",
			Help:      "Failed watcher observations by failure kind.",
		}, []string{"watcher", "kind"}),
		WatcherDegraded: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "degraded",
			Help:      "1 while a watcher is polling at its backoff interval.",
		}, []string{"watcher"}),
		DeliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "delivery_failures_total",
			Help:      "Journaled events that could not be delivered to the broker.",
		}),
		Incidents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "correlation",
			Name:      "incidents_total",
			Help:      "Incidents fired by correlation rule.",
		}, []string{"rule"}),
	}
}

// Registry exposes the underlying registry, for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// OrNew returns m, or a fresh unshared Metrics when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return New()
}
