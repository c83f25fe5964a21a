// Package dispatch delivers peer lifecycle events and messages to
// application handlers. Events run one at a time, in the order they were
// queued, on a single dispatch goroutine, so handlers never execute under
// an engine lock and may call back into the peer freely.
//
// Lifecycle and error events are queued without blocking and are never
// dropped while the dispatcher runs. Messages take a slot in a bounded
// window first; when handlers fall behind, the connection read loop that
// delivers them waits for room.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sunipkm/peernet/internal/flow"
	"github.com/sunipkm/peernet/pkg/identity"
)

// DefaultBufferSize is the default number of messages that may wait for
// handlers.
const DefaultBufferSize = 1024

// Kind identifies the type of a dispatched event.
type Kind int

const (
	KindConnect Kind = iota
	KindDisconnect
	KindEvasive
	KindSilent
	KindMessage
	KindError
)

// String returns the event kind name used in logs and metric labels.
func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindDisconnect:
		return "disconnect"
	case KindEvasive:
		return "evasive"
	case KindSilent:
		return "silent"
	case KindMessage:
		return "message"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// IsLifecycle reports whether handlers of k are registered with a filter.
func (k Kind) IsLifecycle() bool {
	return k >= KindConnect && k <= KindSilent
}

// LifecycleFunc handles connect, disconnect, evasive and silent events.
// metadata is only set for connect.
type LifecycleFunc func(id identity.Identity, metadata map[string]string)

// MessageFunc handles one message.
type MessageFunc func(id identity.Identity, msgType string, payload []byte)

// ErrorFunc handles error events.
type ErrorFunc func(err error)

// Logger is the structured logger used by the dispatcher.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Metrics receives dispatcher counters.
type Metrics interface {
	EventEmitted(kind string)
	EventDropped(kind string)
	MessageUnhandled(msgType string)
	HandlerPanic(kind string)
}

// PanicError reports a recovered handler panic.
type PanicError struct {
	Kind     Kind
	Identity identity.Identity
	Value    any
	Stack    []byte
}

func (e *PanicError) Error() string {
	if e.Identity.IsZero() {
		return fmt.Sprintf("%s handler panicked: %v", e.Kind, e.Value)
	}
	return fmt.Sprintf("%s handler for %s panicked: %v", e.Kind, e.Identity, e.Value)
}

type event struct {
	kind     Kind
	id       identity.Identity
	metadata map[string]string
	msgType  string
	payload  []byte
	err      error
}

type lifecycleHandler struct {
	filter identity.Identity
	fn     LifecycleFunc
}

// session is the queue of one Start and Stop cycle.
type session struct {
	mu      sync.Mutex
	events  []event
	stopped bool
	wake    chan struct{}
	credits *flow.Window
	done    chan struct{}

	// guarded by Dispatcher.qmu
	finished bool
	next     *session
}

func newSession(size int) *session {
	return &session{
		wake:    make(chan struct{}, 1),
		credits: flow.NewWindow(size, size-1),
		done:    make(chan struct{}),
	}
}

func (s *session) push(ev event) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.signal()
	return true
}

// pop waits for the next event. ok is false once the session is stopped
// and empty.
func (s *session) pop() (ev event, ok bool) {
	for {
		s.mu.Lock()
		if len(s.events) > 0 {
			ev = s.events[0]
			s.events[0] = event{}
			s.events = s.events[1:]
			s.mu.Unlock()
			return ev, true
		}
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return event{}, false
		}
		<-s.wake
	}
}

func (s *session) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.credits.Close()
	s.signal()
}

func (s *session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Dispatcher holds handler registrations and the event queue.
// Registrations survive Stop and Start.
type Dispatcher struct {
	logger  Logger
	metrics Metrics
	size    int

	mu        sync.RWMutex
	lifecycle map[Kind][]lifecycleHandler
	messages  map[identity.Identity]map[string]MessageFunc
	errors    []ErrorFunc

	qmu sync.RWMutex
	cur *session // accepting events, nil when stopped
	// tail is the last session started. It may still be draining after
	// Stop; a following Start queues behind it.
	tail *session
}

// NewDispatcher creates a dispatcher that lets bufferSize messages wait
// for handlers. logger and metrics may be nil.
func NewDispatcher(bufferSize int, logger Logger, metrics Metrics) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = nopLogger{}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Dispatcher{
		logger:    logger,
		metrics:   metrics,
		size:      bufferSize,
		lifecycle: make(map[Kind][]lifecycleHandler),
		messages:  make(map[identity.Identity]map[string]MessageFunc),
	}
}

// Start opens a new queue. It is a no-op when already started. Events of
// a previous run that are still draining are handled first, on the same
// goroutine, so handlers never run concurrently.
func (d *Dispatcher) Start() {
	d.qmu.Lock()
	defer d.qmu.Unlock()
	if d.cur != nil {
		return
	}
	s := newSession(d.size)
	s.credits.OnStall(func(n int) {
		d.logger.Debug("event queue full, delaying message delivery", "queued", n)
	})
	d.cur = s
	if d.tail != nil && !d.tail.finished {
		d.tail.next = s
	} else {
		go d.run(s)
	}
	d.tail = s
}

// Stop closes the queue. Events already queued are still delivered; the
// returned channel is closed once the last one has been handled. Messages
// waiting for room are dropped. Stop may be called from a handler, in
// which case the caller must not wait.
func (d *Dispatcher) Stop() <-chan struct{} {
	d.qmu.Lock()
	s, tail := d.cur, d.tail
	d.cur = nil
	d.qmu.Unlock()

	if s == nil {
		if tail != nil {
			return tail.done
		}
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	s.stop()
	return s.done
}

// Running reports whether the dispatcher accepts events.
func (d *Dispatcher) Running() bool {
	d.qmu.RLock()
	defer d.qmu.RUnlock()
	return d.cur != nil
}

// On registers fn for lifecycle events of kind. A zero filter matches
// every peer. Handlers fire in registration order.
func (d *Dispatcher) On(kind Kind, filter identity.Identity, fn LifecycleFunc) {
	if !kind.IsLifecycle() || fn == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lifecycle[kind] = append(d.lifecycle[kind], lifecycleHandler{filter: filter, fn: fn})
}

// Off removes every handler of kind registered with filter.
func (d *Dispatcher) Off(kind Kind, filter identity.Identity) {
	d.mu.Lock()
	defer d.mu.Unlock()

	hs := d.lifecycle[kind]
	kept := hs[:0:0]
	for _, h := range hs {
		if h.filter != filter {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		delete(d.lifecycle, kind)
		return
	}
	d.lifecycle[kind] = kept
}

// OnMessage registers fn for messages of msgType from id, replacing any
// previous handler for the pair.
func (d *Dispatcher) OnMessage(id identity.Identity, msgType string, fn MessageFunc) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	byType, ok := d.messages[id]
	if !ok {
		byType = make(map[string]MessageFunc)
		d.messages[id] = byType
	}
	byType[msgType] = fn
}

// OffMessage removes the handler for messages of msgType from id.
func (d *Dispatcher) OffMessage(id identity.Identity, msgType string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	byType, ok := d.messages[id]
	if !ok {
		return
	}
	delete(byType, msgType)
	if len(byType) == 0 {
		delete(d.messages, id)
	}
}

// HasMessageHandler reports whether a handler is registered for the pair.
func (d *Dispatcher) HasMessageHandler(id identity.Identity, msgType string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.messages[id][msgType]
	return ok
}

// OnError registers fn for error events.
func (d *Dispatcher) OnError(fn ErrorFunc) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errors = append(d.errors, fn)
}

// OffError removes every error handler.
func (d *Dispatcher) OffError() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errors = nil
}

// PeerConnected queues a connect event.
func (d *Dispatcher) PeerConnected(id identity.Identity, metadata map[string]string) {
	d.emit(event{kind: KindConnect, id: id, metadata: metadata})
}

// PeerDisconnected queues a disconnect event.
func (d *Dispatcher) PeerDisconnected(id identity.Identity) {
	d.emit(event{kind: KindDisconnect, id: id})
}

// PeerEvasive queues an evasive event.
func (d *Dispatcher) PeerEvasive(id identity.Identity) {
	d.emit(event{kind: KindEvasive, id: id})
}

// PeerSilent queues a silent event.
func (d *Dispatcher) PeerSilent(id identity.Identity) {
	d.emit(event{kind: KindSilent, id: id})
}

// MessageReceived queues a message, waiting while too many messages are
// ahead of it.
func (d *Dispatcher) MessageReceived(id identity.Identity, msgType string, payload []byte) {
	d.emit(event{kind: KindMessage, id: id, msgType: msgType, payload: payload})
}

// Error queues an error event.
func (d *Dispatcher) Error(err error) {
	if err == nil {
		return
	}
	d.emit(event{kind: KindError, err: err})
}

// emit queues ev. A message waits while the window is full; every other
// event is queued at once. Events are dropped only when the dispatcher is
// stopped.
func (d *Dispatcher) emit(ev event) {
	d.qmu.RLock()
	s := d.cur
	d.qmu.RUnlock()

	kind := ev.kind.String()
	if s == nil {
		d.metrics.EventDropped(kind)
		return
	}
	if ev.kind == KindMessage {
		if err := s.credits.Reserve(context.Background()); err != nil {
			d.metrics.EventDropped(kind)
			return
		}
	}
	if !s.push(ev) {
		if ev.kind == KindMessage {
			s.credits.Free()
		}
		d.metrics.EventDropped(kind)
		return
	}
	d.metrics.EventEmitted(kind)
}

func (d *Dispatcher) run(s *session) {
	for s != nil {
		for {
			ev, ok := s.pop()
			if !ok {
				break
			}
			if ev.kind == KindMessage {
				s.credits.Free()
			}
			d.dispatch(ev)
		}

		d.qmu.Lock()
		s.finished = true
		close(s.done)
		next := s.next
		d.qmu.Unlock()
		s = next
	}
}

func (d *Dispatcher) dispatch(ev event) {
	switch {
	case ev.kind.IsLifecycle():
		for _, h := range d.lifecycleHandlers(ev.kind) {
			if h.filter.IsZero() || h.filter == ev.id {
				d.invoke(ev, func() { h.fn(ev.id, ev.metadata) })
			}
		}
	case ev.kind == KindMessage:
		d.mu.RLock()
		fn, ok := d.messages[ev.id][ev.msgType]
		d.mu.RUnlock()
		if !ok {
			d.metrics.MessageUnhandled(ev.msgType)
			return
		}
		d.invoke(ev, func() { fn(ev.id, ev.msgType, ev.payload) })
	case ev.kind == KindError:
		d.mu.RLock()
		hs := append([]ErrorFunc(nil), d.errors...)
		d.mu.RUnlock()
		if len(hs) == 0 {
			d.logger.Warn("unhandled error event", "error", ev.err.Error())
			return
		}
		for _, fn := range hs {
			d.invoke(ev, func() { fn(ev.err) })
		}
	}
}

func (d *Dispatcher) lifecycleHandlers(kind Kind) []lifecycleHandler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]lifecycleHandler(nil), d.lifecycle[kind]...)
}

// invoke runs fn, turning a panic into an error event. A panic inside an
// error handler is only logged.
func (d *Dispatcher) invoke(ev event, fn func()) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		perr := &PanicError{Kind: ev.kind, Identity: ev.id, Value: r, Stack: debug.Stack()}
		d.metrics.HandlerPanic(ev.kind.String())
		d.logger.Error("handler panicked", "kind", ev.kind.String(), "peer", ev.id.String(), "panic", fmt.Sprint(r))
		if ev.kind != KindError {
			d.dispatch(event{kind: KindError, id: ev.id, err: perr})
		}
	}()
	fn()
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

type nopMetrics struct{}

func (nopMetrics) EventEmitted(string)     {}
func (nopMetrics) EventDropped(string)     {}
func (nopMetrics) MessageUnhandled(string) {}
func (nopMetrics) HandlerPanic(string)     {}
