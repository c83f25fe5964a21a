// Package prometheus provides a Prometheus implementation of the peernet.Metrics interface.
//
// All metrics use the configured namespace prefix (default: "peernet").
//
// # Counters
//
//	peernet_connections_opened_total{direction="inbound|outbound"}
//	peernet_connections_closed_total{direction="inbound|outbound"}
//	peernet_handshake_results_total{result="success|timeout|conflict|..."}
//	peernet_beacons_sent_total
//	peernet_beacons_received_total{result="accepted|self|other_group|..."}
//	peernet_messages_sent_total{type="<type>"}
//	peernet_messages_received_total{type="<type>"}
//	peernet_bytes_sent_total{type="<type>"}
//	peernet_bytes_received_total{type="<type>"}
//	peernet_frames_dropped_total{reason="<reason>"}
//	peernet_encryption_errors_total
//	peernet_decryption_errors_total
//	peernet_events_emitted_total{kind="<kind>"}
//	peernet_events_dropped_total{kind="<kind>"}
//	peernet_messages_unhandled_total{type="<type>"}
//	peernet_handler_panics_total{kind="<kind>"}
//
// # Histograms
//
//	peernet_handshake_duration_seconds
//
// # Gauges
//
//	peernet_connected_peers
//
// # Example Usage
//
//	metrics := prommetrics.NewMetrics("myapp")
//	p, err := peernet.New("alice", peernet.WithMetrics(metrics))
//	// ...
//	http.Handle("/metrics", promhttp.Handler())
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sunipkm/peernet"
)

// DefaultNamespace is the default namespace for all metrics.
const DefaultNamespace = "peernet"

// Metrics implements the peernet.Metrics interface using Prometheus metrics.
//
// Metrics is safe for concurrent use.
type Metrics struct {
	// Connection metrics
	connectionsOpened *prometheus.CounterVec
	connectionsClosed *prometheus.CounterVec
	connectedPeers    prometheus.Gauge
	handshakeDuration prometheus.Histogram
	handshakeResults  *prometheus.CounterVec

	// Discovery metrics
	beaconsSent     prometheus.Counter
	beaconsReceived *prometheus.CounterVec

	// Message metrics
	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	bytesSent        *prometheus.CounterVec
	bytesReceived    *prometheus.CounterVec
	framesDropped    *prometheus.CounterVec

	// Crypto metrics
	encryptionErrors prometheus.Counter
	decryptionErrors prometheus.Counter

	// Event metrics
	eventsEmitted     *prometheus.CounterVec
	eventsDropped     *prometheus.CounterVec
	messagesUnhandled *prometheus.CounterVec
	handlerPanics     *prometheus.CounterVec
}

// Ensure Metrics implements peernet.Metrics.
var _ peernet.Metrics = (*Metrics)(nil)

// NewMetrics creates a new Prometheus metrics collector with the given namespace.
// If namespace is empty, DefaultNamespace ("peernet") is used.
//
// All metrics are registered with the default Prometheus registry.
// If registration fails (e.g., metrics already registered), this function will panic.
// To avoid panics, use NewMetricsWithRegisterer with a custom registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates a new Prometheus metrics collector with the given
// namespace and registerer.
//
// If namespace is empty, DefaultNamespace is used.
// If registerer is nil, metrics will not be registered automatically.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	counterVec := func(name, help, label string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, []string{label})
	}

	m := &Metrics{
		connectionsOpened: counterVec("connections_opened_total", "Total number of peer connections opened", "direction"),
		connectionsClosed: counterVec("connections_closed_total", "Total number of peer connections closed", "direction"),
		connectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_peers",
			Help:      "Current number of connected peers",
		}),
		handshakeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Histogram of successful handshake durations",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		handshakeResults:  counterVec("handshake_results_total", "Total number of handshake results by outcome", "result"),
		beaconsSent:       counter("beacons_sent_total", "Total number of discovery beacons sent"),
		beaconsReceived:   counterVec("beacons_received_total", "Total number of discovery beacons received by outcome", "result"),
		messagesSent:      counterVec("messages_sent_total", "Total number of messages sent per type", "type"),
		messagesReceived:  counterVec("messages_received_total", "Total number of messages received per type", "type"),
		bytesSent:         counterVec("bytes_sent_total", "Total payload bytes sent per type", "type"),
		bytesReceived:     counterVec("bytes_received_total", "Total payload bytes received per type", "type"),
		framesDropped:     counterVec("frames_dropped_total", "Total number of frames dropped by reason", "reason"),
		encryptionErrors:  counter("encryption_errors_total", "Total number of encryption errors"),
		decryptionErrors:  counter("decryption_errors_total", "Total number of decryption errors"),
		eventsEmitted:     counterVec("events_emitted_total", "Total number of events queued for handlers by kind", "kind"),
		eventsDropped:     counterVec("events_dropped_total", "Total number of events dropped due to a full queue", "kind"),
		messagesUnhandled: counterVec("messages_unhandled_total", "Total number of messages without a handler", "type"),
		handlerPanics:     counterVec("handler_panics_total", "Total number of recovered handler panics", "kind"),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.connectionsOpened,
			m.connectionsClosed,
			m.connectedPeers,
			m.handshakeDuration,
			m.handshakeResults,
			m.beaconsSent,
			m.beaconsReceived,
			m.messagesSent,
			m.messagesReceived,
			m.bytesSent,
			m.bytesReceived,
			m.framesDropped,
			m.encryptionErrors,
			m.decryptionErrors,
			m.eventsEmitted,
			m.eventsDropped,
			m.messagesUnhandled,
			m.handlerPanics,
		)
	}

	return m
}

// ConnectionOpened implements peernet.Metrics.
func (m *Metrics) ConnectionOpened(direction string) {
	m.connectionsOpened.WithLabelValues(direction).Inc()
	m.connectedPeers.Inc()
}

// ConnectionClosed implements peernet.Metrics.
func (m *Metrics) ConnectionClosed(direction string) {
	m.connectionsClosed.WithLabelValues(direction).Inc()
	m.connectedPeers.Dec()
}

// HandshakeDuration implements peernet.Metrics.
func (m *Metrics) HandshakeDuration(seconds float64) {
	m.handshakeDuration.Observe(seconds)
}

// HandshakeResult implements peernet.Metrics.
func (m *Metrics) HandshakeResult(result string) {
	m.handshakeResults.WithLabelValues(result).Inc()
}

// BeaconSent implements peernet.Metrics.
func (m *Metrics) BeaconSent() {
	m.beaconsSent.Inc()
}

// BeaconReceived implements peernet.Metrics.
func (m *Metrics) BeaconReceived(result string) {
	m.beaconsReceived.WithLabelValues(result).Inc()
}

// MessageSent implements peernet.Metrics.
func (m *Metrics) MessageSent(msgType string, bytes int) {
	m.messagesSent.WithLabelValues(msgType).Inc()
	m.bytesSent.WithLabelValues(msgType).Add(float64(bytes))
}

// MessageReceived implements peernet.Metrics.
func (m *Metrics) MessageReceived(msgType string, bytes int) {
	m.messagesReceived.WithLabelValues(msgType).Inc()
	m.bytesReceived.WithLabelValues(msgType).Add(float64(bytes))
}

// FrameDropped implements peernet.Metrics.
func (m *Metrics) FrameDropped(reason string) {
	m.framesDropped.WithLabelValues(reason).Inc()
}

// EncryptionError implements peernet.Metrics.
func (m *Metrics) EncryptionError() {
	m.encryptionErrors.Inc()
}

// DecryptionError implements peernet.Metrics.
func (m *Metrics) DecryptionError() {
	m.decryptionErrors.Inc()
}

// EventEmitted implements peernet.Metrics.
func (m *Metrics) EventEmitted(kind string) {
	m.eventsEmitted.WithLabelValues(kind).Inc()
}

// EventDropped implements peernet.Metrics.
func (m *Metrics) EventDropped(kind string) {
	m.eventsDropped.WithLabelValues(kind).Inc()
}

// MessageUnhandled implements peernet.Metrics.
func (m *Metrics) MessageUnhandled(msgType string) {
	m.messagesUnhandled.WithLabelValues(msgType).Inc()
}

// HandlerPanic implements peernet.Metrics.
func (m *Metrics) HandlerPanic(kind string) {
	m.handlerPanics.WithLabelValues(kind).Inc()
}
