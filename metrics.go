package peernet

import (
	"context"

	"github.com/sunipkm/peernet/internal/dispatch"
	"github.com/sunipkm/peernet/pkg/connection"
)

// Metrics defines the metrics collection interface for peernet.
// It is designed to be compatible with Prometheus and other metrics systems.
//
// Implementations must be safe for concurrent use.
//
// Metric naming convention:
//   - Counters: <name>_total (e.g., connections_total)
//   - Histograms: <name>_seconds or <name>_bytes (e.g., handshake_duration_seconds)
//   - Gauges: current_<name> (e.g., current_connections)
type Metrics interface {
	// Connection metrics

	// ConnectionOpened increments when a peer connects.
	// Labels: direction (inbound, outbound)
	ConnectionOpened(direction string)

	// ConnectionClosed increments when a peer disconnects.
	// Labels: direction (inbound, outbound)
	ConnectionClosed(direction string)

	// HandshakeResult records the result of a handshake attempt.
	// Labels: result (success, timeout, conflict, passphrase, ...)
	HandshakeResult(result string)

	// HandshakeDuration records the duration of a successful handshake.
	HandshakeDuration(seconds float64)

	// Discovery metrics

	// BeaconSent increments for every beacon broadcast.
	BeaconSent()

	// BeaconReceived records a received beacon.
	// Labels: result (accepted, self, other_group, version, ...)
	BeaconReceived(result string)

	// Message metrics

	// MessageSent records a message queued to one peer.
	// Labels: type (the message type)
	MessageSent(msgType string, bytes int)

	// MessageReceived records a message received from a peer.
	// Labels: type (the message type)
	MessageReceived(msgType string, bytes int)

	// FrameDropped records an inbound or outbound frame that was discarded.
	// Labels: reason (malformed, decrypt, spoofed, too_large, ...)
	FrameDropped(reason string)

	// Crypto metrics

	// EncryptionError records an encryption failure.
	EncryptionError()

	// DecryptionError records a decryption failure.
	DecryptionError()

	// Event metrics

	// EventEmitted records an event queued for handlers.
	// Labels: kind (connect, disconnect, evasive, silent, message, error)
	EventEmitted(kind string)

	// EventDropped records an event dropped because the queue was full.
	// Labels: kind
	EventDropped(kind string)

	// MessageUnhandled records a message with no registered handler.
	// Labels: type
	MessageUnhandled(msgType string)

	// HandlerPanic records a recovered handler panic.
	// Labels: kind
	HandlerPanic(kind string)
}

var (
	_ connection.Metrics = Metrics(nil)
	_ dispatch.Metrics   = Metrics(nil)
)

// NopMetrics is a no-op metrics implementation that discards all metrics.
// It is the default when no metrics collector is configured.
type NopMetrics struct{}

// Ensure NopMetrics implements Metrics.
var _ Metrics = NopMetrics{}

// ConnectionOpened implements Metrics.ConnectionOpened (no-op).
func (NopMetrics) ConnectionOpened(direction string) {}

// ConnectionClosed implements Metrics.ConnectionClosed (no-op).
func (NopMetrics) ConnectionClosed(direction string) {}

// HandshakeResult implements Metrics.HandshakeResult (no-op).
func (NopMetrics) HandshakeResult(result string) {}

// HandshakeDuration implements Metrics.HandshakeDuration (no-op).
func (NopMetrics) HandshakeDuration(seconds float64) {}

// BeaconSent implements Metrics.BeaconSent (no-op).
func (NopMetrics) BeaconSent() {}

// BeaconReceived implements Metrics.BeaconReceived (no-op).
func (NopMetrics) BeaconReceived(result string) {}

// MessageSent implements Metrics.MessageSent (no-op).
func (NopMetrics) MessageSent(msgType string, bytes int) {}

// MessageReceived implements Metrics.MessageReceived (no-op).
func (NopMetrics) MessageReceived(msgType string, bytes int) {}

// FrameDropped implements Metrics.FrameDropped (no-op).
func (NopMetrics) FrameDropped(reason string) {}

// EncryptionError implements Metrics.EncryptionError (no-op).
func (NopMetrics) EncryptionError() {}

// DecryptionError implements Metrics.DecryptionError (no-op).
func (NopMetrics) DecryptionError() {}

// EventEmitted implements Metrics.EventEmitted (no-op).
func (NopMetrics) EventEmitted(kind string) {}

// EventDropped implements Metrics.EventDropped (no-op).
func (NopMetrics) EventDropped(kind string) {}

// MessageUnhandled implements Metrics.MessageUnhandled (no-op).
func (NopMetrics) MessageUnhandled(msgType string) {}

// HandlerPanic implements Metrics.HandlerPanic (no-op).
func (NopMetrics) HandlerPanic(kind string) {}

// Tracer creates spans for handshakes and outbound messages.
// Implementations must be safe for concurrent use.
type Tracer interface {
	// TraceHandshake starts a span for one handshake. The returned
	// function ends it with the remote identity, if learned, and the
	// outcome.
	TraceHandshake(ctx context.Context, direction, endpoint string) (context.Context, func(remote string, err error))

	// TraceSend starts a span for a whisper or shout. kind is "whisper"
	// or "shout"; recipients is the number of peers addressed.
	TraceSend(ctx context.Context, kind, msgType string, recipients int) (context.Context, func(err error))
}

var _ connection.Tracer = Tracer(nil)

// NopTracer is a tracer that records nothing.
type NopTracer struct{}

// Ensure NopTracer implements Tracer.
var _ Tracer = NopTracer{}

// TraceHandshake implements Tracer.TraceHandshake (no-op).
func (NopTracer) TraceHandshake(ctx context.Context, _, _ string) (context.Context, func(string, error)) {
	return ctx, func(string, error) {}
}

// TraceSend implements Tracer.TraceSend (no-op).
func (NopTracer) TraceSend(ctx context.Context, _, _ string, _ int) (context.Context, func(error)) {
	return ctx, func(error) {}
}
