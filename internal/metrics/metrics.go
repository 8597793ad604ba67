// Package metrics exposes the orchestrator's Prometheus collectors.
// Grounded on r3e-network-service_layer/pkg/metrics: a package-level
// Registry plus one Handler() used by the HTTP layer, instead of the
// global default registerer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds every collector this package registers.
	Registry = prometheus.NewRegistry()

	eventsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orch_events_started_total",
		Help: "Total stream_started events handled.",
	})

	eventsEnded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orch_events_ended_total",
		Help: "Total stream_ended events handled.",
	})

	collectorErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orch_collector_errors_total",
		Help: "Total stats-collection scrape failures.",
	})

	streamsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orch_streams_active",
		Help: "Current number of streams in the started state.",
	})

	provisionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_provision_total",
		Help: "Total provisioning attempts, labeled by outcome kind.",
	}, []string{"kind"})
)

func init() {
	Registry.MustRegister(eventsStarted, eventsEnded, collectorErrors, streamsActive, provisionTotal)
}

// Handler exposes the registry for a GET /metrics route.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// IncEventsStarted records one stream_started event.
func IncEventsStarted() { eventsStarted.Inc() }

// IncEventsEnded records one stream_ended event.
func IncEventsEnded() { eventsEnded.Inc() }

// IncCollectorError records one failed scrape attempt.
func IncCollectorError() { collectorErrors.Inc() }

// SetStreamsActive publishes the current started-stream count.
func SetStreamsActive(n int) { streamsActive.Set(float64(n)) }

// IncProvision records one provisioning attempt under kind: "ok" on
// success, otherwise the apperr.Kind name (e.g. "ImageUnavailable",
// "NetworkError", "StartupFailed").
func IncProvision(kind string) { provisionTotal.WithLabelValues(kind).Inc() }
