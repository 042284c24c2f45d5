// Package metrics exposes Prometheus metrics for the tunnel server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "outray"

// Forward outcome labels.
const (
	OutcomeOK       = "ok"
	OutcomeNotFound = "not_found"
	OutcomeTimeout  = "timeout"
	OutcomeError    = "error"
)

// Metrics holds the server's Prometheus metrics.
type Metrics struct {
	Registry *prometheus.Registry

	activeTunnels    prometheus.Gauge
	tunnelsOpened    prometheus.Counter
	tunnelsClosed    prometheus.Counter
	takeovers        prometheus.Counter
	handshakeErrors  *prometheus.CounterVec
	forwardedTotal   *prometheus.CounterVec
	forwardDuration  prometheus.Histogram
	eventsDropped    prometheus.CounterFunc
	connectedClients prometheus.Gauge
	panicsTotal      *prometheus.CounterVec
}

// DroppedFunc reports a monotonically increasing drop count, typically
// the event sink's.
type DroppedFunc func() int64

// New creates the metric set on a private registry.
func New(dropped DroppedFunc) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		activeTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tunnels",
			Help:      "Number of currently registered tunnels.",
		}),
		tunnelsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnels_opened_total",
			Help:      "Total tunnels successfully registered.",
		}),
		tunnelsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnels_closed_total",
			Help:      "Total tunnels unregistered.",
		}),
		takeovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "takeovers_total",
			Help:      "Total forced takeovers of a live identity.",
		}),
		handshakeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake failures, by protocol error code.",
		}, []string{"code"}),
		forwardedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwarded_requests_total",
			Help:      "Total public requests forwarded through tunnels, by outcome.",
		}, []string{"outcome"}),
		forwardDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forward_duration_seconds",
			Help:      "Duration of forwarded request round trips.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "Number of open client control connections.",
		}),
		panicsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panics_recovered_total",
			Help:      "Total panics recovered in server goroutines, by location.",
		}, []string{"location"}),
	}

	reg.MustRegister(
		m.activeTunnels,
		m.tunnelsOpened,
		m.tunnelsClosed,
		m.takeovers,
		m.handshakeErrors,
		m.forwardedTotal,
		m.forwardDuration,
		m.connectedClients,
		m.panicsTotal,
	)

	if dropped != nil {
		m.eventsDropped = prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total analytics events dropped by the sink.",
		}, func() float64 { return float64(dropped()) })
		reg.MustRegister(m.eventsDropped)
	}

	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// TunnelOpened records a successful registration.
func (m *Metrics) TunnelOpened() {
	m.tunnelsOpened.Inc()
	m.activeTunnels.Inc()
}

// TunnelClosed records an unregistration.
func (m *Metrics) TunnelClosed() {
	m.tunnelsClosed.Inc()
	m.activeTunnels.Dec()
}

// Takeover records a forced displacement.
func (m *Metrics) Takeover() { m.takeovers.Inc() }

// HandshakeError records a handshake failure by error code.
func (m *Metrics) HandshakeError(code string) {
	m.handshakeErrors.WithLabelValues(code).Inc()
}

// ForwardObserved records one forwarded request round trip.
func (m *Metrics) ForwardObserved(outcome string, d time.Duration) {
	m.forwardedTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeOK {
		m.forwardDuration.Observe(d.Seconds())
	}
}

// RecordPanic implements recovery.PanicRecorder.
func (m *Metrics) RecordPanic(location string) {
	m.panicsTotal.WithLabelValues(location).Inc()
}

// ClientConnected tracks open control connections.
func (m *Metrics) ClientConnected() { m.connectedClients.Inc() }

// ClientDisconnected tracks closed control connections.
func (m *Metrics) ClientDisconnected() { m.connectedClients.Dec() }
