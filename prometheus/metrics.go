// Package prometheus provides a Prometheus implementation of the meshberry.Metrics interface.
//
// This package enables integration with Prometheus monitoring systems. All metrics
// are registered with the default Prometheus registry and follow Prometheus naming
// conventions.
//
// # Metric Names
//
// All metrics use the configured namespace prefix (default: "meshberry"). The full
// metric name follows the pattern: {namespace}_{name}
//
// # Counters
//
//	meshberry_dial_attempts_total{result="success|failure"}
//	meshberry_rejections_total{reason="auth_failed|attestation_failed|unknown_peer|glare"}
//	meshberry_disconnects_total{reason="removed|superseded|transport_error|shutdown"}
//	meshberry_streams_opened_total{kind="request|push"}
//	meshberry_streams_closed_total{kind="request|push"}
//	meshberry_bytes_sent_total{kind="request|push"}
//	meshberry_bytes_received_total{kind="request|push"}
//	meshberry_backpressure_total
//	meshberry_events_dropped_total
//
// # Histograms
//
//	meshberry_request_duration_seconds
//
// # Gauges
//
//	meshberry_peer_state{peer="<node id>", state="<state>"}
//
// # Example Usage
//
//	import (
//	    "github.com/blockberries/meshberry"
//	    prommetrics "github.com/blockberries/meshberry/prometheus"
//	    "github.com/prometheus/client_golang/prometheus/promhttp"
//	)
//
//	func main() {
//	    metrics := prommetrics.NewMetrics("myapp")
//
//	    cfg := meshberry.NewConfig(key, addr, source,
//	        meshberry.WithMetrics(metrics),
//	    )
//
//	    tp, err := meshberry.New(cfg)
//	    // ...
//
//	    // Expose metrics endpoint
//	    http.Handle("/metrics", promhttp.Handler())
//	    http.ListenAndServe(":9090", nil)
//	}
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/blockberries/meshberry"
)

// DefaultNamespace is the default namespace for all metrics.
const DefaultNamespace = "meshberry"

// Metrics implements the meshberry.Metrics interface using Prometheus metrics.
// All metrics are registered with the default Prometheus registry.
//
// Metrics is safe for concurrent use.
type Metrics struct {
	// Connection metrics
	peerState    *prometheus.GaugeVec
	dialAttempts *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	disconnects  *prometheus.CounterVec

	// Stream metrics
	streamsOpened   *prometheus.CounterVec
	streamsClosed   *prometheus.CounterVec
	bytesSent       *prometheus.CounterVec
	bytesReceived   *prometheus.CounterVec
	requestDuration prometheus.Histogram
	backpressure    prometheus.Counter

	// Event metrics
	eventsDropped prometheus.Counter
}

// Ensure Metrics implements meshberry.Metrics.
var _ meshberry.Metrics = (*Metrics)(nil)

// NewMetrics creates a new Prometheus metrics collector with the given namespace.
// If namespace is empty, DefaultNamespace ("meshberry") is used.
//
// All metrics are automatically registered with the default Prometheus registry.
// If registration fails (e.g., metrics already registered), this function will panic.
// To avoid panics, use NewMetricsWithRegisterer with a custom registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates a new Prometheus metrics collector with the given
// namespace and registerer. This allows using a custom registry for testing or
// to avoid conflicts with other metrics.
//
// If namespace is empty, DefaultNamespace ("meshberry") is used.
// If registerer is nil, metrics will not be registered automatically.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	m := &Metrics{
		peerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "peer_state",
				Help:      "Current connection state per peer (1 for the active state, 0 otherwise)",
			},
			[]string{"peer", "state"},
		),
		dialAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dial_attempts_total",
				Help:      "Total number of dial attempts by result",
			},
			[]string{"result"},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejections_total",
				Help:      "Total number of rejected connection attempts by reason",
			},
			[]string{"reason"},
		),
		disconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "disconnects_total",
				Help:      "Total number of closed established connections by reason",
			},
			[]string{"reason"},
		),
		streamsOpened: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "streams_opened_total",
				Help:      "Total number of streams opened by kind",
			},
			[]string{"kind"},
		),
		streamsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "streams_closed_total",
				Help:      "Total number of streams closed by kind",
			},
			[]string{"kind"},
		),
		bytesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_sent_total",
				Help:      "Total framed payload bytes sent by stream kind",
			},
			[]string{"kind"},
		),
		bytesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_received_total",
				Help:      "Total framed payload bytes received by stream kind",
			},
			[]string{"kind"},
		),
		requestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Histogram of request/response round-trip durations",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
		backpressure: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backpressure_total",
				Help:      "Total times an outbound stream open blocked on the concurrency limit",
			},
		),
		eventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Total number of events dropped due to slow subscribers",
			},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.peerState,
			m.dialAttempts,
			m.rejections,
			m.disconnects,
			m.streamsOpened,
			m.streamsClosed,
			m.bytesSent,
			m.bytesReceived,
			m.requestDuration,
			m.backpressure,
			m.eventsDropped,
		)
	}

	return m
}

// PeerState implements meshberry.Metrics.
func (m *Metrics) PeerState(peer string, state string) {
	// Clear the peer's previous series so at most one state reads 1.
	m.peerState.DeletePartialMatch(prometheus.Labels{"peer": peer})
	m.peerState.WithLabelValues(peer, state).Set(1)
}

// DialAttempt implements meshberry.Metrics.
func (m *Metrics) DialAttempt(result string) {
	m.dialAttempts.WithLabelValues(result).Inc()
}

// Rejection implements meshberry.Metrics.
func (m *Metrics) Rejection(reason string) {
	m.rejections.WithLabelValues(reason).Inc()
}

// Disconnect implements meshberry.Metrics.
func (m *Metrics) Disconnect(reason string) {
	m.disconnects.WithLabelValues(reason).Inc()
}

// StreamOpened implements meshberry.Metrics.
func (m *Metrics) StreamOpened(kind string) {
	m.streamsOpened.WithLabelValues(kind).Inc()
}

// StreamClosed implements meshberry.Metrics.
func (m *Metrics) StreamClosed(kind string) {
	m.streamsClosed.WithLabelValues(kind).Inc()
}

// BytesSent implements meshberry.Metrics.
func (m *Metrics) BytesSent(kind string, bytes int) {
	m.bytesSent.WithLabelValues(kind).Add(float64(bytes))
}

// BytesReceived implements meshberry.Metrics.
func (m *Metrics) BytesReceived(kind string, bytes int) {
	m.bytesReceived.WithLabelValues(kind).Add(float64(bytes))
}

// RequestDuration implements meshberry.Metrics.
func (m *Metrics) RequestDuration(seconds float64) {
	m.requestDuration.Observe(seconds)
}

// Backpressure implements meshberry.Metrics.
func (m *Metrics) Backpressure() {
	m.backpressure.Inc()
}

// EventDropped implements meshberry.Metrics.
func (m *Metrics) EventDropped() {
	m.eventsDropped.Inc()
}
