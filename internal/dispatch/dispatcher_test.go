package dispatch

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunipkm/peernet/pkg/identity"
)

var (
	alice = identity.New("lab", "alice")
	bob   = identity.New("lab", "bob")
)

type countingMetrics struct {
	mu        sync.Mutex
	emitted   map[string]int
	dropped   map[string]int
	unhandled map[string]int
	panics    map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		emitted:   make(map[string]int),
		dropped:   make(map[string]int),
		unhandled: make(map[string]int),
		panics:    make(map[string]int),
	}
}

func (m *countingMetrics) EventEmitted(kind string) {
	m.mu.Lock()
	m.emitted[kind]++
	m.mu.Unlock()
}

func (m *countingMetrics) EventDropped(kind string) {
	m.mu.Lock()
	m.dropped[kind]++
	m.mu.Unlock()
}

func (m *countingMetrics) MessageUnhandled(msgType string) {
	m.mu.Lock()
	m.unhandled[msgType]++
	m.mu.Unlock()
}

func (m *countingMetrics) HandlerPanic(kind string) {
	m.mu.Lock()
	m.panics[kind]++
	m.mu.Unlock()
}

func (m *countingMetrics) get(counter map[string]int, key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return counter[key]
}

// flush stops d and waits until every queued event has been handled.
func flush(t *testing.T, d *Dispatcher) {
	t.Helper()
	select {
	case <-d.Stop():
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for dispatcher to drain")
	}
}

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindConnect, "connect"},
		{KindDisconnect, "disconnect"},
		{KindEvasive, "evasive"},
		{KindSilent, "silent"},
		{KindMessage, "message"},
		{KindError, "error"},
		{Kind(42), "Kind(42)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.String())
	}
	assert.True(t, KindSilent.IsLifecycle())
	assert.False(t, KindMessage.IsLifecycle())
}

func TestDispatcher_LifecycleFilters(t *testing.T) {
	d := NewDispatcher(16, nil, nil)
	d.Start()

	var mu sync.Mutex
	var calls []string
	record := func(tag string) LifecycleFunc {
		return func(id identity.Identity, _ map[string]string) {
			mu.Lock()
			calls = append(calls, tag+":"+id.Name)
			mu.Unlock()
		}
	}

	d.On(KindConnect, identity.Identity{}, record("any"))
	d.On(KindConnect, alice, record("alice"))
	d.On(KindConnect, identity.Identity{}, record("any2"))

	d.PeerConnected(alice, nil)
	d.PeerConnected(bob, nil)
	flush(t, d)

	assert.Equal(t, []string{"any:alice", "alice:alice", "any2:alice", "any:bob", "any2:bob"}, calls)
}

func TestDispatcher_ConnectMetadata(t *testing.T) {
	d := NewDispatcher(16, nil, nil)
	d.Start()

	var got map[string]string
	d.On(KindConnect, identity.Identity{}, func(_ identity.Identity, md map[string]string) { got = md })
	d.PeerConnected(alice, map[string]string{"role": "sensor"})
	flush(t, d)

	assert.Equal(t, "sensor", got["role"])
}

func TestDispatcher_Off(t *testing.T) {
	d := NewDispatcher(16, nil, nil)
	d.Start()

	var global, filtered int
	d.On(KindDisconnect, identity.Identity{}, func(identity.Identity, map[string]string) { global++ })
	d.On(KindDisconnect, alice, func(identity.Identity, map[string]string) { filtered++ })
	d.Off(KindDisconnect, identity.Identity{})

	d.PeerDisconnected(alice)
	flush(t, d)

	assert.Zero(t, global)
	assert.Equal(t, 1, filtered)
}

func TestDispatcher_MessageRouting(t *testing.T) {
	metrics := newCountingMetrics()
	d := NewDispatcher(16, nil, metrics)
	d.Start()

	var got []string
	d.OnMessage(alice, "chat", func(id identity.Identity, msgType string, payload []byte) {
		got = append(got, id.Name+"/"+msgType+"/"+string(payload))
	})

	d.MessageReceived(alice, "chat", []byte("hi"))
	d.MessageReceived(bob, "chat", []byte("no handler for bob"))
	d.MessageReceived(alice, "other", []byte("no handler for type"))
	flush(t, d)

	assert.Equal(t, []string{"alice/chat/hi"}, got)
	assert.Equal(t, 1, metrics.get(metrics.unhandled, "chat"))
	assert.Equal(t, 1, metrics.get(metrics.unhandled, "other"))
	assert.Equal(t, 3, metrics.get(metrics.emitted, "message"))
}

func TestDispatcher_OnMessageReplaces(t *testing.T) {
	d := NewDispatcher(16, nil, nil)
	d.Start()

	var first, second int
	d.OnMessage(alice, "chat", func(identity.Identity, string, []byte) { first++ })
	d.OnMessage(alice, "chat", func(identity.Identity, string, []byte) { second++ })
	require.True(t, d.HasMessageHandler(alice, "chat"))

	d.MessageReceived(alice, "chat", nil)
	flush(t, d)

	assert.Zero(t, first)
	assert.Equal(t, 1, second)

	d.OffMessage(alice, "chat")
	assert.False(t, d.HasMessageHandler(alice, "chat"))
	d.OffMessage(bob, "chat")
}

func TestDispatcher_HandlerRegisteredFromConnect(t *testing.T) {
	d := NewDispatcher(16, nil, nil)
	d.Start()

	var got []byte
	d.On(KindConnect, identity.Identity{}, func(id identity.Identity, _ map[string]string) {
		d.OnMessage(id, "chat", func(_ identity.Identity, _ string, payload []byte) { got = payload })
	})

	d.PeerConnected(alice, nil)
	d.MessageReceived(alice, "chat", []byte("first"))
	flush(t, d)

	assert.Equal(t, []byte("first"), got)
}

func TestDispatcher_PanicBecomesErrorEvent(t *testing.T) {
	metrics := newCountingMetrics()
	d := NewDispatcher(16, nil, metrics)
	d.Start()

	var errs []error
	d.OnError(func(err error) { errs = append(errs, err) })
	d.OnMessage(alice, "boom", func(identity.Identity, string, []byte) { panic("kaboom") })

	var after bool
	d.OnMessage(alice, "ok", func(identity.Identity, string, []byte) { after = true })

	d.MessageReceived(alice, "boom", nil)
	d.MessageReceived(alice, "ok", nil)
	flush(t, d)

	require.Len(t, errs, 1)
	var perr *PanicError
	require.True(t, errors.As(errs[0], &perr))
	assert.Equal(t, KindMessage, perr.Kind)
	assert.Equal(t, alice, perr.Identity)
	assert.Equal(t, "kaboom", perr.Value)
	assert.NotEmpty(t, perr.Stack)
	assert.Contains(t, perr.Error(), "lab/alice")
	assert.True(t, after, "dispatch continues after a panic")
	assert.Equal(t, 1, metrics.get(metrics.panics, "message"))
}

func TestDispatcher_PanicInErrorHandler(t *testing.T) {
	d := NewDispatcher(16, nil, nil)
	d.Start()

	calls := 0
	d.OnError(func(error) {
		calls++
		panic("again")
	})
	d.Error(errors.New("first"))
	flush(t, d)

	assert.Equal(t, 1, calls)
}

func TestDispatcher_ErrorHandlers(t *testing.T) {
	d := NewDispatcher(16, nil, nil)
	d.Start()

	target := errors.New("conflict")
	var a, b error
	d.OnError(func(err error) { a = err })
	d.OnError(func(err error) { b = err })
	d.Error(target)
	d.Error(nil)
	flush(t, d)

	assert.Same(t, target, a)
	assert.Same(t, target, b)

	d.OffError()
	d.Start()
	a = nil
	d.Error(target)
	flush(t, d)
	assert.Nil(t, a)
}

func TestDispatcher_DropsOnlyWhenStopped(t *testing.T) {
	metrics := newCountingMetrics()
	d := NewDispatcher(1, nil, metrics)

	d.PeerConnected(alice, nil)
	assert.Equal(t, 1, metrics.get(metrics.dropped, "connect"), "not started")

	d.Start()
	release := make(chan struct{})
	started := make(chan struct{})
	var silent int
	d.On(KindEvasive, identity.Identity{}, func(identity.Identity, map[string]string) {
		close(started)
		<-release
	})
	d.On(KindSilent, identity.Identity{}, func(identity.Identity, map[string]string) { silent++ })

	d.PeerEvasive(alice)
	<-started
	for i := 0; i < 50; i++ {
		d.PeerSilent(alice)
	}
	assert.Equal(t, 0, metrics.get(metrics.dropped, "silent"))

	close(release)
	flush(t, d)
	assert.False(t, d.Running())
	assert.Equal(t, 50, silent)

	d.PeerSilent(alice)
	assert.Equal(t, 1, metrics.get(metrics.dropped, "silent"))
}

func TestDispatcher_MessageFloodKeepsDisconnect(t *testing.T) {
	metrics := newCountingMetrics()
	d := NewDispatcher(2, nil, metrics)
	d.Start()

	release := make(chan struct{})
	var mu sync.Mutex
	var seen []string
	d.OnMessage(alice, "CHAT", func(_ identity.Identity, _ string, payload []byte) {
		<-release
		mu.Lock()
		seen = append(seen, string(payload))
		mu.Unlock()
	})
	d.On(KindDisconnect, identity.Identity{}, func(id identity.Identity, _ map[string]string) {
		mu.Lock()
		seen = append(seen, "bye:"+id.Name)
		mu.Unlock()
	})

	emitted := make(chan struct{})
	go func() {
		defer close(emitted)
		for i := 0; i < 20; i++ {
			d.MessageReceived(alice, "CHAT", []byte{byte('a' + i)})
		}
		d.PeerDisconnected(alice)
	}()

	select {
	case <-emitted:
		t.Fatal("messages were queued past the window")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-emitted:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for the emitter")
	}
	flush(t, d)

	want := make([]string, 0, 21)
	for i := 0; i < 20; i++ {
		want = append(want, string(rune('a'+i)))
	}
	want = append(want, "bye:alice")
	assert.Equal(t, want, seen)
	assert.Equal(t, 0, metrics.get(metrics.dropped, "message"))
	assert.Equal(t, 0, metrics.get(metrics.dropped, "disconnect"))
}

func TestDispatcher_StopReleasesWaitingMessages(t *testing.T) {
	metrics := newCountingMetrics()
	d := NewDispatcher(1, nil, metrics)
	d.Start()

	release := make(chan struct{})
	started := make(chan struct{}, 4)
	var handled int
	d.OnMessage(alice, "CHAT", func(identity.Identity, string, []byte) {
		started <- struct{}{}
		<-release
		handled++
	})

	emitted := make(chan struct{})
	go func() {
		defer close(emitted)
		for i := 0; i < 3; i++ {
			d.MessageReceived(alice, "CHAT", nil)
		}
	}()
	<-started

	select {
	case <-emitted:
		t.Fatal("third message should wait for room")
	case <-time.After(50 * time.Millisecond):
	}

	done := d.Stop()
	select {
	case <-emitted:
	case <-time.After(time.Second):
		t.Fatal("Stop did not release the waiting message")
	}
	assert.Equal(t, 1, metrics.get(metrics.dropped, "message"))

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for dispatcher to drain")
	}
	assert.Equal(t, 2, handled)
}

func TestDispatcher_StopIsIdempotent(t *testing.T) {
	d := NewDispatcher(4, nil, nil)
	flush(t, d)

	d.Start()
	d.Start()
	assert.True(t, d.Running())
	flush(t, d)
	flush(t, d)
}

func TestDispatcher_RegistrationsSurviveRestart(t *testing.T) {
	d := NewDispatcher(4, nil, nil)
	var n int
	d.On(KindSilent, identity.Identity{}, func(identity.Identity, map[string]string) { n++ })

	for i := 0; i < 3; i++ {
		d.Start()
		d.PeerSilent(alice)
		flush(t, d)
	}
	assert.Equal(t, 3, n)
}

func TestDispatcher_RestartKeepsOneGoroutine(t *testing.T) {
	d := NewDispatcher(16, nil, nil)

	var mu sync.Mutex
	var active, peak int
	var order []string
	d.On(KindConnect, identity.Identity{}, func(id identity.Identity, _ map[string]string) {
		mu.Lock()
		active++
		peak = max(peak, active)
		order = append(order, id.Name)
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
	})

	d.Start()
	for i := 0; i < 4; i++ {
		d.PeerConnected(alice, nil)
	}
	d.Stop()
	d.Start()
	for i := 0; i < 4; i++ {
		d.PeerConnected(bob, nil)
	}
	flush(t, d)

	assert.Equal(t, 1, peak)
	assert.Equal(t, []string{"alice", "alice", "alice", "alice", "bob", "bob", "bob", "bob"}, order)
}

func TestDispatcher_RestartFromHandler(t *testing.T) {
	d := NewDispatcher(4, nil, nil)
	got := make(chan identity.Identity, 1)
	d.On(KindConnect, alice, func(identity.Identity, map[string]string) {
		d.Stop()
		d.Start()
		d.PeerConnected(bob, nil)
	})
	d.On(KindConnect, bob, func(id identity.Identity, _ map[string]string) {
		got <- id
	})

	d.Start()
	d.PeerConnected(alice, nil)

	select {
	case id := <-got:
		assert.Equal(t, bob, id)
	case <-time.After(time.Second):
		t.Fatal("event queued after a restart from a handler was not delivered")
	}
	flush(t, d)
}
