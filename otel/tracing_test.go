package otel

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecordingTracer(t *testing.T) (*Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewTracer(tp), exporter
}

func attr(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestNewTracer_NilProvider(t *testing.T) {
	tracer := NewTracer(nil)
	if tracer == nil || tracer.tracer == nil {
		t.Fatal("NewTracer(nil) should fall back to a no-op tracer")
	}
	ctx, end := tracer.TraceSend(context.Background(), "whisper", "CHAT", 1)
	if ctx == nil {
		t.Error("context should not be nil")
	}
	end(nil)
}

func TestTracer_TraceHandshake(t *testing.T) {
	tracer, exporter := newRecordingTracer(t)

	_, end := tracer.TraceHandshake(context.Background(), "outbound", "mem-2")
	end("lab/bob", nil)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != SpanHandshake {
		t.Errorf("span name = %q, want %q", span.Name, SpanHandshake)
	}
	if span.SpanKind != trace.SpanKindClient {
		t.Errorf("span kind = %v, want client", span.SpanKind)
	}
	if v, ok := attr(span.Attributes, AttrPeerIdentity); !ok || v.AsString() != "lab/bob" {
		t.Errorf("peer.identity = %v", v.AsString())
	}
	if v, ok := attr(span.Attributes, AttrPeerEndpoint); !ok || v.AsString() != "mem-2" {
		t.Errorf("peer.endpoint = %v", v.AsString())
	}
	if span.Status.Code != codes.Ok {
		t.Errorf("status = %v, want Ok", span.Status.Code)
	}
}

func TestTracer_TraceHandshake_Failure(t *testing.T) {
	tracer, exporter := newRecordingTracer(t)

	_, end := tracer.TraceHandshake(context.Background(), "inbound", "mem-3")
	end("", errors.New("passphrase mismatch"))

	span := exporter.GetSpans()[0]
	if span.SpanKind != trace.SpanKindServer {
		t.Errorf("span kind = %v, want server", span.SpanKind)
	}
	if _, ok := attr(span.Attributes, AttrPeerIdentity); ok {
		t.Error("peer.identity should be absent when the remote is unknown")
	}
	if span.Status.Code != codes.Error || span.Status.Description != "passphrase mismatch" {
		t.Errorf("status = %v %q", span.Status.Code, span.Status.Description)
	}
	if len(span.Events) == 0 {
		t.Error("expected the error to be recorded as an event")
	}
}

func TestTracer_TraceSend(t *testing.T) {
	tracer, exporter := newRecordingTracer(t)

	_, end := tracer.TraceSend(context.Background(), "whisper", "CHAT", 1)
	end(nil)
	_, end = tracer.TraceSend(context.Background(), "shout", "NEWS", 3)
	end(nil)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name != SpanWhisper || spans[1].Name != SpanShout {
		t.Errorf("span names = %q, %q", spans[0].Name, spans[1].Name)
	}
	if v, _ := attr(spans[1].Attributes, AttrRecipients); v.AsInt64() != 3 {
		t.Errorf("recipients = %d, want 3", v.AsInt64())
	}
	if v, _ := attr(spans[1].Attributes, AttrMessageType); v.AsString() != "NEWS" {
		t.Errorf("message.type = %q, want NEWS", v.AsString())
	}
}

func TestTracer_ParentChild(t *testing.T) {
	tracer, exporter := newRecordingTracer(t)

	ctx, endOuter := tracer.TraceSend(context.Background(), "shout", "NEWS", 2)
	_, endInner := tracer.TraceHandshake(ctx, "outbound", "mem-4")
	endInner("lab/carol", nil)
	endOuter(nil)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	inner, outer := spans[0], spans[1]
	if inner.Parent.SpanID() != outer.SpanContext.SpanID() {
		t.Error("handshake span should be a child of the send span")
	}
}
