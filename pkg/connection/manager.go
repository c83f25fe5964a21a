// Package connection drives the lifecycle of remote peers: it sends and
// receives discovery beacons, dials and accepts streams, runs the HELLO
// handshake, moves frames between streams and the application, and
// expires peers that fall silent.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sunipkm/peernet/pkg/codec"
	"github.com/sunipkm/peernet/pkg/identity"
	"github.com/sunipkm/peernet/pkg/membership"
	"github.com/sunipkm/peernet/pkg/transport"
)

// Manager runs one local peer on one transport. A Manager is started once
// and stopped once; restarting a peer creates a new Manager.
// All public methods are thread-safe.
type Manager struct {
	cfg     Config
	tr      transport.Transport
	table   *membership.Table
	sink    EventSink
	backoff *membership.BackoffCalculator

	beaconLimiter    *rate.Limiter
	handshakeLimiter *rate.Limiter

	// attempts deduplicates concurrent dials per identity.
	attemptsMu sync.Mutex
	attempts   map[identity.Identity]struct{}

	// pending holds streams still in handshake so Stop can close them.
	pendingMu sync.Mutex
	pending   map[transport.Conn]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	stopOnce sync.Once
	mu       sync.Mutex
}

// NewManager creates a manager for the local peer described by cfg.
func NewManager(cfg Config, tr transport.Transport, table *membership.Table, sink EventSink) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid connection config: %w", err)
	}
	if tr == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if table == nil || sink == nil {
		return nil, fmt.Errorf("membership table and event sink are required")
	}
	cfg.applyDefaults()

	return &Manager{
		cfg:              cfg,
		tr:               tr,
		table:            table,
		sink:             sink,
		backoff:          membership.NewBackoffCalculator(cfg.FailedHandshakeCooldown, cfg.MaxHandshakeCooldown),
		beaconLimiter:    rate.NewLimiter(cfg.BeaconRate, cfg.BeaconBurst),
		handshakeLimiter: rate.NewLimiter(cfg.HandshakeRate, cfg.HandshakeBurst),
		attempts:         make(map[identity.Identity]struct{}),
		pending:          make(map[transport.Conn]struct{}),
	}, nil
}

// Start launches the beacon, receive, accept and liveness loops. They run
// until Stop or until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("connection manager already started")
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(4)
	go m.beaconLoop()
	go m.datagramLoop()
	go m.acceptLoop()
	go m.livenessLoop()

	m.cfg.Logger.Info("peer started",
		"identity", m.cfg.Identity.String(),
		"instance", m.cfg.Instance,
		"endpoint", m.tr.Endpoint(),
		"encrypted", m.cfg.Encrypted,
	)
	return nil
}

// Stop closes every connection with a best-effort BYE, closes the
// transport and waits for all loops to exit. No disconnect events are
// reported for connections closed by Stop. Stop is idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return
	}

	m.stopOnce.Do(func() {
		m.cancel()

		var conns []*peerConn
		for _, d := range m.table.Clear() {
			if pc, ok := d.Handle.(*peerConn); ok {
				pc.Close()
				conns = append(conns, pc)
			}
		}
		for _, pc := range conns {
			<-pc.done
		}

		m.pendingMu.Lock()
		for c := range m.pending {
			_ = c.Close()
		}
		m.pendingMu.Unlock()

		if err := m.tr.Close(); err != nil {
			m.cfg.Logger.Warn("failed to close transport", "error", err)
		}
		m.wg.Wait()

		// handshakes racing the first clear
		for _, d := range m.table.Clear() {
			if d.Handle != nil {
				_ = d.Handle.Close()
			}
		}
		m.cfg.Logger.Info("peer stopped", "identity", m.cfg.Identity.String())
	})
}

// Endpoint returns the stream endpoint announced in beacons.
func (m *Manager) Endpoint() string {
	return m.tr.Endpoint()
}

// Instance returns the instance ID of this run.
func (m *Manager) Instance() string {
	return m.cfg.Instance
}

func (m *Manager) running() bool {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	return ctx != nil && ctx.Err() == nil
}

// Seal builds a MESSAGE from the local peer, encrypting the payload when
// encryption is enabled. The result can be sent to any number of peers.
func (m *Manager) Seal(msgType string, payload []byte) (*codec.Message, error) {
	msg := &codec.Message{
		Type:        msgType,
		SenderGroup: m.cfg.Identity.Group,
		SenderName:  m.cfg.Identity.Name,
		Payload:     payload,
	}
	if m.cfg.Encrypted {
		if err := msg.Seal(m.cfg.Cipher); err != nil {
			m.cfg.Metrics.EncryptionError()
			return nil, err
		}
	}
	return msg, nil
}

// Send queues msg for the connected peer id.
func (m *Manager) Send(ctx context.Context, id identity.Identity, msg *codec.Message) error {
	if !m.running() {
		return ErrNotRunning
	}
	h, _, err := m.table.Handle(id)
	if err != nil {
		return err
	}
	if err := h.Send(ctx, codec.NewMessageFrame(msg)); err != nil {
		return fmt.Errorf("send to %s: %w", id, err)
	}
	m.cfg.Metrics.MessageSent(msg.Type, len(msg.Payload))
	return nil
}

// Disconnect closes the connection to id with a BYE and reports the
// disconnect.
func (m *Manager) Disconnect(id identity.Identity) error {
	if !m.running() {
		return ErrNotRunning
	}
	h, _, err := m.table.Handle(id)
	if err != nil {
		return err
	}
	pc, ok := h.(*peerConn)
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotConnected)
	}
	pc.drop(ErrLocalDisconnect, true)
	return nil
}

// deliver hands an inbound MESSAGE to the sink.
func (m *Manager) deliver(pc *peerConn, msg *codec.Message) {
	if msg.Sender() != pc.id {
		m.cfg.Metrics.FrameDropped("spoofed")
		m.cfg.Logger.Warn("dropped message with foreign sender",
			"peer", pc.id.String(),
			"sender", msg.Sender().String(),
		)
		return
	}
	if m.cfg.Encrypted {
		if err := msg.Open(m.cfg.Cipher); err != nil {
			m.cfg.Metrics.DecryptionError()
			m.cfg.Metrics.FrameDropped("decrypt")
			m.cfg.Logger.Warn("dropped undecryptable message", "peer", pc.id.String(), "error", err)
			return
		}
	}
	m.cfg.Metrics.MessageReceived(msg.Type, len(msg.Payload))
	m.sink.MessageReceived(pc.id, msg.Type, msg.Payload)
}

func (m *Manager) beaconLoop() {
	defer m.wg.Done()

	beacon := &codec.Beacon{
		Version:  codec.VersionMajor,
		Group:    m.cfg.Identity.Group,
		Name:     m.cfg.Identity.Name,
		Instance: m.cfg.Instance,
		Endpoint: m.tr.Endpoint(),
	}
	if m.cfg.Encrypted {
		beacon.Flags |= codec.FlagEncrypted
	}
	data, err := beacon.MarshalBinary()
	if err != nil {
		m.cfg.Logger.Error("failed to encode beacon", "error", err)
		return
	}

	ticker := time.NewTicker(m.cfg.BeaconInterval)
	defer ticker.Stop()

	for {
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.BeaconInterval)
		err := m.tr.Broadcast(ctx, data)
		cancel()
		if err != nil && m.ctx.Err() == nil {
			m.cfg.Logger.Debug("failed to send beacon", "error", err)
		} else if err == nil {
			m.cfg.Metrics.BeaconSent()
		}

		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) datagramLoop() {
	defer m.wg.Done()

	datagrams := m.tr.Datagrams()
	for {
		select {
		case <-m.ctx.Done():
			return
		case dg, ok := <-datagrams:
			if !ok {
				return
			}
			m.handleDatagram(dg)
		}
	}
}

func (m *Manager) handleDatagram(dg transport.Datagram) {
	if !m.beaconLimiter.Allow() {
		m.cfg.Metrics.BeaconReceived("rate_limited")
		return
	}

	var b codec.Beacon
	if err := b.UnmarshalBinary(dg.Data); err != nil {
		if errors.Is(err, codec.ErrBadMagic) {
			m.cfg.Metrics.BeaconReceived("foreign")
		} else {
			m.cfg.Metrics.BeaconReceived("malformed")
			m.cfg.Logger.Debug("dropped malformed beacon", "from", dg.From, "error", err)
		}
		return
	}

	switch {
	case b.Instance == m.cfg.Instance:
		m.cfg.Metrics.BeaconReceived("self")
		return
	case b.Group != m.cfg.Identity.Group:
		m.cfg.Metrics.BeaconReceived("other_group")
		return
	case b.Version != codec.VersionMajor:
		m.cfg.Metrics.BeaconReceived("version")
		return
	case b.Flags.Has(codec.FlagEncrypted) != m.cfg.Encrypted:
		m.cfg.Metrics.BeaconReceived("encryption")
		m.cfg.Logger.Debug("ignoring peer with different encryption setting", "peer", b.Identity().String())
		return
	}
	m.cfg.Metrics.BeaconReceived("accepted")

	id := b.Identity()
	if id != m.cfg.Identity {
		e := m.table.Observe(id, b.Instance, b.Endpoint)
		if e.State.IsLive() && e.Instance == b.Instance {
			return
		}
	}

	if b.Endpoint == "" || m.table.InCooldown(id, b.Instance) {
		return
	}
	// the side with the lower key dials, so each pair opens one stream
	if m.cfg.Identity.Key(m.cfg.Instance) >= id.Key(b.Instance) {
		return
	}
	if !m.beginAttempt(id) {
		return
	}
	m.wg.Add(1)
	go m.dial(b)
}

func (m *Manager) beginAttempt(id identity.Identity) bool {
	m.attemptsMu.Lock()
	defer m.attemptsMu.Unlock()
	if _, busy := m.attempts[id]; busy {
		return false
	}
	if !m.handshakeLimiter.Allow() {
		return false
	}
	m.attempts[id] = struct{}{}
	return true
}

func (m *Manager) endAttempt(id identity.Identity) {
	m.attemptsMu.Lock()
	delete(m.attempts, id)
	m.attemptsMu.Unlock()
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()

	incoming := m.tr.Incoming()
	for {
		select {
		case <-m.ctx.Done():
			return
		case c, ok := <-incoming:
			if !ok {
				return
			}
			if !m.handshakeLimiter.Allow() {
				m.cfg.Metrics.HandshakeResult("rate_limited")
				_ = c.Close()
				continue
			}
			m.wg.Add(1)
			go m.accept(c)
		}
	}
}

func (m *Manager) track(c transport.Conn) bool {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if m.ctx.Err() != nil {
		return false
	}
	m.pending[c] = struct{}{}
	return true
}

func (m *Manager) untrack(c transport.Conn) {
	m.pendingMu.Lock()
	delete(m.pending, c)
	m.pendingMu.Unlock()
}
