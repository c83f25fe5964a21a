package gometrics

import (
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSink() *metrics.InmemSink {
	return metrics.NewInmemSink(time.Minute, 5*time.Minute)
}

func latest(t *testing.T, sink *metrics.InmemSink) *metrics.IntervalMetrics {
	t.Helper()
	data := sink.Data()
	require.NotEmpty(t, data)
	return data[len(data)-1]
}

func TestMetrics_Counters(t *testing.T) {
	sink := newSink()
	m := New(sink)

	m.HandshakeResult("success")
	m.HandshakeResult("success")
	m.HandshakeResult("conflict")
	m.BeaconSent()
	m.MessageSent("CHAT", 5)
	m.MessageSent("CHAT", 7)
	m.FrameDropped("spoofed")

	interval := latest(t, sink)
	assert.Equal(t, 2, interval.Counters["peernet.handshake.result;result=success"].Count)
	assert.Equal(t, 1, interval.Counters["peernet.handshake.result;result=conflict"].Count)
	assert.Equal(t, 1, interval.Counters["peernet.beacon.sent"].Count)
	assert.Equal(t, 2, interval.Counters["peernet.message.sent;type=CHAT"].Count)
	assert.EqualValues(t, 12, interval.Counters["peernet.message.sent.bytes;type=CHAT"].Sum)
	assert.Equal(t, 1, interval.Counters["peernet.frame.dropped;reason=spoofed"].Count)
}

func TestMetrics_ConnectedGauge(t *testing.T) {
	sink := newSink()
	m := New(sink)

	m.ConnectionOpened("inbound")
	m.ConnectionOpened("outbound")
	m.ConnectionClosed("inbound")

	interval := latest(t, sink)
	assert.EqualValues(t, 1, interval.Gauges["peernet.connected.peers"].Value)
	assert.Equal(t, 1, interval.Counters["peernet.connection.opened;direction=outbound"].Count)
}

func TestMetrics_HandshakeDurationSample(t *testing.T) {
	sink := newSink()
	m := New(sink)

	m.HandshakeDuration(0.25)
	m.HandshakeDuration(0.75)

	sample := latest(t, sink).Samples["peernet.handshake.duration.seconds"]
	assert.Equal(t, 2, sample.Count)
	assert.InDelta(t, 1.0, sample.Sum, 0.001)
}

func TestMetrics_PrefixAndLabels(t *testing.T) {
	sink := newSink()
	m := New(sink, WithPrefix("lab"), WithLabels(metrics.Label{Name: "peer", Value: "alice"}))

	m.EventEmitted("connect")
	m.DecryptionError()

	interval := latest(t, sink)
	assert.Equal(t, 1, interval.Counters["lab.event.emitted;peer=alice;kind=connect"].Count)
	assert.Equal(t, 1, interval.Counters["lab.decryption.error;peer=alice"].Count)
}

func TestMetrics_KeysAreNotShared(t *testing.T) {
	m := New(newSink(), WithPrefix("other"))
	m.BeaconSent()
	assert.Equal(t, "peernet", MetricBeaconSent[0])
}
