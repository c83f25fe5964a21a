// Package gometrics implements peernet.Metrics on a hashicorp/go-metrics
// sink, for applications that already ship statsd, statsite or in-memory
// telemetry through go-metrics.
package gometrics

import (
	"github.com/hashicorp/go-metrics"

	"github.com/sunipkm/peernet"
)

// Metric keys. The first element is replaced by the configured prefix.
var (
	MetricConnectionOpened  = []string{"peernet", "connection", "opened"}
	MetricConnectionClosed  = []string{"peernet", "connection", "closed"}
	MetricConnectedPeers    = []string{"peernet", "connected", "peers"}
	MetricHandshakeResult   = []string{"peernet", "handshake", "result"}
	MetricHandshakeDuration = []string{"peernet", "handshake", "duration", "seconds"}
	MetricBeaconSent        = []string{"peernet", "beacon", "sent"}
	MetricBeaconReceived    = []string{"peernet", "beacon", "received"}
	MetricMessageSent       = []string{"peernet", "message", "sent"}
	MetricMessageSentBytes  = []string{"peernet", "message", "sent", "bytes"}
	MetricMessageRecv       = []string{"peernet", "message", "received"}
	MetricMessageRecvBytes  = []string{"peernet", "message", "received", "bytes"}
	MetricFrameDropped      = []string{"peernet", "frame", "dropped"}
	MetricEncryptionError   = []string{"peernet", "encryption", "error"}
	MetricDecryptionError   = []string{"peernet", "decryption", "error"}
	MetricEventEmitted      = []string{"peernet", "event", "emitted"}
	MetricEventDropped      = []string{"peernet", "event", "dropped"}
	MetricMessageUnhandled  = []string{"peernet", "message", "unhandled"}
	MetricHandlerPanic      = []string{"peernet", "handler", "panic"}
)

// Label names.
const (
	LabelDirection = "direction"
	LabelResult    = "result"
	LabelType      = "type"
	LabelReason    = "reason"
	LabelKind      = "kind"
)

// Metrics forwards peernet metrics to a go-metrics sink.
type Metrics struct {
	sink   metrics.MetricSink
	prefix string
	labels []metrics.Label

	connected *gauge
}

var _ peernet.Metrics = (*Metrics)(nil)

// Option configures Metrics.
type Option func(*Metrics)

// WithPrefix replaces the leading "peernet" of every key.
func WithPrefix(prefix string) Option {
	return func(m *Metrics) {
		m.prefix = prefix
	}
}

// WithLabels adds labels to every sample, such as the local peer name.
func WithLabels(labels ...metrics.Label) Option {
	return func(m *Metrics) {
		m.labels = append(m.labels, labels...)
	}
}

// New returns Metrics writing to sink, or to the go-metrics global sink
// when sink is nil.
func New(sink metrics.MetricSink, opts ...Option) *Metrics {
	if sink == nil {
		sink = metrics.Default()
	}
	m := &Metrics{sink: sink, prefix: "peernet", connected: &gauge{}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Metrics) key(base []string) []string {
	k := make([]string, len(base))
	copy(k, base)
	k[0] = m.prefix
	return k
}

func (m *Metrics) with(name, value string) []metrics.Label {
	out := make([]metrics.Label, 0, len(m.labels)+1)
	out = append(out, m.labels...)
	return append(out, metrics.Label{Name: name, Value: value})
}

func (m *Metrics) incr(key []string, labels []metrics.Label, v float32) {
	m.sink.IncrCounterWithLabels(m.key(key), v, labels)
}

// ConnectionOpened implements peernet.Metrics.
func (m *Metrics) ConnectionOpened(direction string) {
	m.incr(MetricConnectionOpened, m.with(LabelDirection, direction), 1)
	m.sink.SetGaugeWithLabels(m.key(MetricConnectedPeers), m.connected.add(1), m.labels)
}

// ConnectionClosed implements peernet.Metrics.
func (m *Metrics) ConnectionClosed(direction string) {
	m.incr(MetricConnectionClosed, m.with(LabelDirection, direction), 1)
	m.sink.SetGaugeWithLabels(m.key(MetricConnectedPeers), m.connected.add(-1), m.labels)
}

// HandshakeResult implements peernet.Metrics.
func (m *Metrics) HandshakeResult(result string) {
	m.incr(MetricHandshakeResult, m.with(LabelResult, result), 1)
}

// HandshakeDuration implements peernet.Metrics.
func (m *Metrics) HandshakeDuration(seconds float64) {
	m.sink.AddSampleWithLabels(m.key(MetricHandshakeDuration), float32(seconds), m.labels)
}

// BeaconSent implements peernet.Metrics.
func (m *Metrics) BeaconSent() {
	m.incr(MetricBeaconSent, m.labels, 1)
}

// BeaconReceived implements peernet.Metrics.
func (m *Metrics) BeaconReceived(result string) {
	m.incr(MetricBeaconReceived, m.with(LabelResult, result), 1)
}

// MessageSent implements peernet.Metrics.
func (m *Metrics) MessageSent(msgType string, bytes int) {
	labels := m.with(LabelType, msgType)
	m.incr(MetricMessageSent, labels, 1)
	m.incr(MetricMessageSentBytes, labels, float32(bytes))
}

// MessageReceived implements peernet.Metrics.
func (m *Metrics) MessageReceived(msgType string, bytes int) {
	labels := m.with(LabelType, msgType)
	m.incr(MetricMessageRecv, labels, 1)
	m.incr(MetricMessageRecvBytes, labels, float32(bytes))
}

// FrameDropped implements peernet.Metrics.
func (m *Metrics) FrameDropped(reason string) {
	m.incr(MetricFrameDropped, m.with(LabelReason, reason), 1)
}

// EncryptionError implements peernet.Metrics.
func (m *Metrics) EncryptionError() {
	m.incr(MetricEncryptionError, m.labels, 1)
}

// DecryptionError implements peernet.Metrics.
func (m *Metrics) DecryptionError() {
	m.incr(MetricDecryptionError, m.labels, 1)
}

// EventEmitted implements peernet.Metrics.
func (m *Metrics) EventEmitted(kind string) {
	m.incr(MetricEventEmitted, m.with(LabelKind, kind), 1)
}

// EventDropped implements peernet.Metrics.
func (m *Metrics) EventDropped(kind string) {
	m.incr(MetricEventDropped, m.with(LabelKind, kind), 1)
}

// MessageUnhandled implements peernet.Metrics.
func (m *Metrics) MessageUnhandled(msgType string) {
	m.incr(MetricMessageUnhandled, m.with(LabelType, msgType), 1)
}

// HandlerPanic implements peernet.Metrics.
func (m *Metrics) HandlerPanic(kind string) {
	m.incr(MetricHandlerPanic, m.with(LabelKind, kind), 1)
}
