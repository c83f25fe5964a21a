// Package otel provides OpenTelemetry tracing integration for peernet.
//
// # Spans
//
//	peernet.handshake   one per HELLO exchange, inbound or outbound
//	peernet.whisper     one per Whisper call
//	peernet.shout       one per Shout call
//
// # Attributes
//
//   - peer.identity: the remote peer, once learned
//   - peer.endpoint: the stream endpoint dialed or accepted
//   - connection.direction: "inbound" or "outbound"
//   - message.type: the message type of a send
//   - message.recipients: the number of peers a send addressed
//
// # Example Usage
//
//	tracer := peernetotel.NewTracer(otel.GetTracerProvider())
//	p, err := peernet.New("alice", peernet.WithTracer(tracer))
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/sunipkm/peernet"
)

const (
	// TracerName is the name used for the OpenTelemetry tracer.
	TracerName = "github.com/sunipkm/peernet"

	// Span names
	SpanHandshake = "peernet.handshake"
	SpanWhisper   = "peernet.whisper"
	SpanShout     = "peernet.shout"

	// Attribute keys
	AttrPeerIdentity        = "peer.identity"
	AttrPeerEndpoint        = "peer.endpoint"
	AttrConnectionDirection = "connection.direction"
	AttrMessageType         = "message.type"
	AttrRecipients          = "message.recipients"
)

// Tracer implements peernet.Tracer on top of an OpenTelemetry
// TracerProvider.
//
// Tracer is safe for concurrent use.
type Tracer struct {
	tracer trace.Tracer
}

var _ peernet.Tracer = (*Tracer)(nil)

// NewTracer creates a new Tracer using the given TracerProvider.
// If provider is nil, a no-op tracer is used.
func NewTracer(provider trace.TracerProvider) *Tracer {
	if provider == nil {
		provider = noop.NewTracerProvider()
	}
	return &Tracer{tracer: provider.Tracer(TracerName)}
}

// TraceHandshake implements peernet.Tracer.
func (t *Tracer) TraceHandshake(ctx context.Context, direction, endpoint string) (context.Context, func(remote string, err error)) {
	kind := trace.SpanKindServer
	if direction == "outbound" {
		kind = trace.SpanKindClient
	}
	ctx, span := t.tracer.Start(ctx, SpanHandshake,
		trace.WithAttributes(
			attribute.String(AttrConnectionDirection, direction),
			attribute.String(AttrPeerEndpoint, endpoint),
		),
		trace.WithSpanKind(kind),
	)
	return ctx, func(remote string, err error) {
		if remote != "" {
			span.SetAttributes(attribute.String(AttrPeerIdentity, remote))
		}
		end(span, err)
	}
}

// TraceSend implements peernet.Tracer.
func (t *Tracer) TraceSend(ctx context.Context, kind, msgType string, recipients int) (context.Context, func(err error)) {
	name := SpanWhisper
	if kind == "shout" {
		name = SpanShout
	}
	ctx, span := t.tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String(AttrMessageType, msgType),
			attribute.Int(AttrRecipients, recipients),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
	return ctx, func(err error) {
		end(span, err)
	}
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
