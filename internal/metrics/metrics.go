// Package metrics exposes the relay's session activity as Prometheus
// collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/anvil-dev/anvil/internal/relay"
)

const namespace = "anvil"

// Metrics counts session lifecycles and relayed traffic. It implements
// relay.Sink and is registered with the server through relay.WithSink.
type Metrics struct {
	registry *prometheus.Registry

	sessionsAccepted   prometheus.Counter
	sessionsIdentified prometheus.Counter
	sessionsActive     prometheus.Gauge
	sessionsClosed     *prometheus.CounterVec
	bytesTotal         *prometheus.CounterVec
	framesTotal        *prometheus.CounterVec
}

var _ relay.Sink = (*Metrics)(nil)

// New builds the collector set on a private registry so that tests and
// multiple server instances never fight over the default registerer.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		sessionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_accepted_total",
			Help:      "Total number of connections accepted by the relay",
		}),

		sessionsIdentified: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_identified_total",
			Help:      "Total number of sessions that assigned a client identifier",
		}),

		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently running",
		}),

		sessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total number of sessions ended, by close reason",
		}, []string{"reason"}),

		bytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes relayed, by direction",
		}, []string{"direction"}),

		framesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Chunks relayed, by direction",
		}, []string{"direction"}),
	}
}

// Registry exposes the backing registry for the metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SessionOpened(relay.SessionInfo) {
	m.sessionsAccepted.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionIdentified(relay.SessionInfo) {
	m.sessionsIdentified.Inc()
}

func (m *Metrics) SessionClosed(_ relay.SessionInfo, reason relay.CloseReason) {
	m.sessionsActive.Dec()
	m.sessionsClosed.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) Data(_ relay.SessionInfo, direction relay.Direction, data []byte) {
	m.bytesTotal.WithLabelValues(string(direction)).Add(float64(len(data)))
	m.framesTotal.WithLabelValues(string(direction)).Inc()
}
