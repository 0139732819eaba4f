// ABOUTME: Prometheus collectors for the hub, bundled behind one registry
// ABOUTME: Handed to components at construction; nothing registers globally

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay outcomes recorded on FramesRelayed.
const (
	OutcomeDelivered  = "delivered"
	OutcomeUnroutable = "unroutable"
	OutcomeRejected   = "rejected"
	OutcomeBroadcast  = "broadcast"
)

// Metrics carries the hub's collectors. Construct once and share; the
// zero value is not usable.
type Metrics struct {
	registry *prometheus.Registry

	// Registrations counts registry upserts, including re-registrations.
	Registrations prometheus.Counter

	// Heartbeats counts heartbeat calls accepted.
	Heartbeats prometheus.Counter

	// AgentsConnected tracks live WebSocket streams.
	AgentsConnected prometheus.Gauge

	// FramesRelayed counts relayed frames by message type and outcome.
	FramesRelayed *prometheus.CounterVec

	// RelayLatency observes seconds from hub receipt to hub write-out.
	RelayLatency prometheus.Histogram
}

// New builds the collector set on a fresh registry, with the standard Go
// and process collectors alongside.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,
		Registrations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "hub",
			Name:      "registrations_total",
			Help:      "Agent registration upserts processed.",
		}),
		Heartbeats: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "hub",
			Name:      "heartbeats_total",
			Help:      "Heartbeat calls accepted.",
		}),
		AgentsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "parley",
			Subsystem: "hub",
			Name:      "agents_connected",
			Help:      "Agents with a live stream to the hub.",
		}),
		FramesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "hub",
			Name:      "frames_relayed_total",
			Help:      "Frames relayed through the hub by type and outcome.",
		}, []string{"type", "outcome"}),
		RelayLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "parley",
			Subsystem: "hub",
			Name:      "relay_seconds",
			Help:      "Time from frame receipt to write-out.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
