package peernet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/sunipkm/peernet/internal/dispatch"
	"github.com/sunipkm/peernet/pkg/codec"
	"github.com/sunipkm/peernet/pkg/connection"
	"github.com/sunipkm/peernet/pkg/crypto"
	"github.com/sunipkm/peernet/pkg/identity"
	"github.com/sunipkm/peernet/pkg/membership"
)

// PeerInfo is a snapshot of one remote peer known to the local peer.
type PeerInfo = membership.Entry

// PeerState is the lifecycle state of a remote peer.
type PeerState = membership.State

// Remote peer states.
const (
	StateDiscovered   = membership.StateDiscovered
	StateHandshaking  = membership.StateHandshaking
	StateConnected    = membership.StateConnected
	StateDisconnected = membership.StateDisconnected
)

// running holds the identities of the local peers running in this process.
var running = struct {
	sync.Mutex
	ids map[identity.Identity]*Peer
}{ids: make(map[identity.Identity]*Peer)}

func claimIdentity(id identity.Identity, p *Peer) error {
	running.Lock()
	defer running.Unlock()
	if owner, ok := running.ids[id]; ok && owner != p {
		return fmt.Errorf("%w: %s", ErrIdentityInUse, id)
	}
	running.ids[id] = p
	return nil
}

func releaseIdentity(id identity.Identity, p *Peer) {
	running.Lock()
	defer running.Unlock()
	if running.ids[id] == p {
		delete(running.ids, id)
	}
}

// Peer is a local peer on the overlay. It is created stopped; Start
// begins discovery and Stop tears every connection down. A stopped peer
// can be started again and keeps its handler registrations.
//
// All public methods are thread-safe.
type Peer struct {
	cfg    Config
	id     identity.Identity
	cipher *crypto.Cipher

	dispatcher *dispatch.Dispatcher
	table      *membership.Table
	stats      *statsRegistry

	mu      sync.RWMutex
	manager *connection.Manager
}

// New creates a peer called name. The peer is not started until Start is
// called.
func New(name string, opts ...ConfigOption) (*Peer, error) {
	cfg := Config{Name: name}
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewWithConfig(&cfg)
}

// NewWithConfig creates a peer from cfg. cfg is copied; later changes to
// it have no effect.
func NewWithConfig(cfg *Config) (*Peer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &Error{Code: ErrCodeInvalidConfig, Message: "invalid configuration", Cause: err}
	}
	c := *cfg
	c.applyDefaults()

	p := &Peer{
		cfg:        c,
		id:         c.identity(),
		dispatcher: dispatch.NewDispatcher(c.EventBufferSize, c.Logger, c.Metrics),
		table:      membership.NewTable(),
		stats:      newStatsRegistry(),
	}
	if c.Encrypted {
		cipher, err := crypto.NewPassphraseCipher(c.Passphrase)
		if err != nil {
			return nil, &Error{Code: ErrCodeInvalidConfig, Message: "failed to derive key", Cause: err}
		}
		p.cipher = cipher
	}
	return p, nil
}

// Start begins beaconing and accepting connections. ctx bounds opening
// the transport; the peer then runs until Stop.
func (p *Peer) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.manager != nil {
		return ErrAlreadyRunning
	}
	if err := claimIdentity(p.id, p); err != nil {
		return &Error{Code: ErrCodeIdentityInUse, Message: "cannot start", Identity: p.id, Cause: err}
	}

	tr, err := p.cfg.Transport(ctx)
	if err != nil {
		releaseIdentity(p.id, p)
		return &Error{Code: ErrCodeTransport, Message: "failed to open transport", Cause: err, Retriable: true}
	}

	m, err := connection.NewManager(connection.Config{
		Identity:                p.id,
		Instance:                uuid.NewString(),
		Encrypted:               p.cfg.Encrypted,
		Cipher:                  p.cipher,
		Metadata:                p.cfg.Metadata,
		BeaconInterval:          p.cfg.BeaconInterval,
		HandshakeTimeout:        p.cfg.HandshakeTimeout,
		EvasiveTimeout:          p.cfg.EvasiveTimeout,
		SilentTimeout:           p.cfg.SilentTimeout,
		ExpiredTimeout:          p.cfg.ExpiredTimeout,
		FailedHandshakeCooldown: p.cfg.FailedHandshakeCooldown,
		MaxHandshakeCooldown:    p.cfg.MaxHandshakeCooldown,
		SendQueueSize:           p.cfg.SendQueueSize,
		SendTimeout:             p.cfg.SendTimeout,
		MaxFrameSize:            p.cfg.MaxMessageSize,
		Logger:                  p.cfg.Logger,
		Metrics:                 p.cfg.Metrics,
		Tracer:                  p.cfg.Tracer,
	}, tr, p.table, &peerSink{p: p})
	if err != nil {
		_ = tr.Close()
		releaseIdentity(p.id, p)
		return &Error{Code: ErrCodeInvalidConfig, Message: "failed to create connection manager", Cause: err}
	}

	p.dispatcher.Start()
	if err := m.Start(context.WithoutCancel(ctx)); err != nil {
		p.dispatcher.Stop()
		_ = tr.Close()
		releaseIdentity(p.id, p)
		return err
	}
	p.manager = m
	return nil
}

// Stop halts beaconing and closes every connection with a best-effort
// BYE. No disconnect events are reported for connections closed by Stop.
// Events queued before Stop are still delivered. Stop is idempotent and
// may be called from a handler.
func (p *Peer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.manager == nil {
		return nil
	}
	// read loops waiting for event queue room must give up before the
	// manager joins them
	p.dispatcher.Stop()
	p.manager.Stop()
	p.manager = nil
	p.stats.endAll()
	releaseIdentity(p.id, p)
	return nil
}

func (p *Peer) current() *connection.Manager {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.manager
}

// Running reports whether the peer is started.
func (p *Peer) Running() bool {
	return p.current() != nil
}

// Name returns the peer's name.
func (p *Peer) Name() string { return p.id.Name }

// Group returns the peer's group.
func (p *Peer) Group() string { return p.id.Group }

// Identity returns the peer's (group, name).
func (p *Peer) Identity() Identity { return p.id }

// Encrypted reports whether payloads are encrypted.
func (p *Peer) Encrypted() bool { return p.cfg.Encrypted }

// Instance returns the instance ID of the current run, or "" when
// stopped. Every Start picks a new one.
func (p *Peer) Instance() string {
	if m := p.current(); m != nil {
		return m.Instance()
	}
	return ""
}

// Endpoint returns the stream endpoint announced in beacons, or "" when
// stopped.
func (p *Peer) Endpoint() string {
	if m := p.current(); m != nil {
		return m.Endpoint()
	}
	return ""
}

// Whisper sends a message to one connected peer.
func (p *Peer) Whisper(ctx context.Context, remote Identity, msgType string, payload []byte) error {
	m, err := p.prepareSend(msgType, payload)
	if err != nil {
		return err
	}

	ctx, end := p.cfg.Tracer.TraceSend(ctx, "whisper", msgType, 1)
	msg, err := m.Seal(msgType, payload)
	if err != nil {
		err = &Error{Code: ErrCodeEncryptionFailed, Message: "failed to seal message", MessageType: msgType, Cause: err}
		end(err)
		return err
	}
	err = p.send(ctx, m, remote, msg, len(payload))
	end(err)
	return err
}

// WhisperString sends a text message to one connected peer.
func (p *Peer) WhisperString(ctx context.Context, remote Identity, msgType, text string) error {
	return p.Whisper(ctx, remote, msgType, []byte(text))
}

// Shout sends a message to every connected peer of the group. Sends run
// concurrently; the failures, if any, are returned together.
func (p *Peer) Shout(ctx context.Context, msgType string, payload []byte) error {
	m, err := p.prepareSend(msgType, payload)
	if err != nil {
		return err
	}

	var targets []Identity
	for _, e := range p.table.List(p.id.Group) {
		if e.State == membership.StateConnected {
			targets = append(targets, e.Identity)
		}
	}

	ctx, end := p.cfg.Tracer.TraceSend(ctx, "shout", msgType, len(targets))
	if len(targets) == 0 {
		end(nil)
		return nil
	}
	msg, err := m.Seal(msgType, payload)
	if err != nil {
		err = &Error{Code: ErrCodeEncryptionFailed, Message: "failed to seal message", MessageType: msgType, Cause: err}
		end(err)
		return err
	}

	var (
		g      errgroup.Group
		mu     sync.Mutex
		result *multierror.Error
	)
	for _, id := range targets {
		g.Go(func() error {
			if err := p.send(ctx, m, id, msg, len(payload)); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	err = result.ErrorOrNil()
	end(err)
	return err
}

// ShoutString sends a text message to every connected peer of the group.
func (p *Peer) ShoutString(ctx context.Context, msgType, text string) error {
	return p.Shout(ctx, msgType, []byte(text))
}

func (p *Peer) prepareSend(msgType string, payload []byte) (*connection.Manager, error) {
	if err := ValidateMessageType(msgType); err != nil {
		return nil, err
	}
	m := p.current()
	if m == nil {
		return nil, ErrNotRunning
	}
	if len(payload) > p.cfg.MaxMessageSize {
		return nil, &Error{
			Code:        ErrCodeSendFailed,
			Message:     fmt.Sprintf("payload of %d bytes exceeds %d", len(payload), p.cfg.MaxMessageSize),
			MessageType: msgType,
			Cause:       ErrMessageTooLarge,
		}
	}
	return m, nil
}

func (p *Peer) send(ctx context.Context, m *connection.Manager, remote Identity, msg *codec.Message, size int) error {
	err := m.Send(ctx, remote, msg)
	switch {
	case err == nil:
		p.stats.sent(remote, msg.Type, size)
		return nil
	case errors.Is(err, connection.ErrNotRunning):
		return ErrNotRunning
	case errors.Is(err, connection.ErrNotConnected), errors.Is(err, connection.ErrClosed):
		return &Error{Code: ErrCodePeerUnknown, Message: "no connected peer", Identity: remote, MessageType: msg.Type, Cause: ErrPeerUnknown}
	default:
		return &Error{
			Code:        ErrCodeSendFailed,
			Message:     "send failed",
			Identity:    remote,
			MessageType: msg.Type,
			Cause:       err,
			Retriable:   errors.Is(err, ErrSendTimeout),
		}
	}
}

// Disconnect closes the connection to remote. The disconnect handlers run
// as for any other disconnect. The peer may reconnect on its next beacon.
func (p *Peer) Disconnect(remote Identity) error {
	m := p.current()
	if m == nil {
		return ErrNotRunning
	}
	if err := m.Disconnect(remote); err != nil {
		if errors.Is(err, connection.ErrNotConnected) {
			return &Error{Code: ErrCodePeerUnknown, Message: "no connected peer", Identity: remote, Cause: ErrPeerUnknown}
		}
		if errors.Is(err, connection.ErrNotRunning) {
			return ErrNotRunning
		}
		return err
	}
	return nil
}

// Connected reports whether remote is connected.
func (p *Peer) Connected(remote Identity) bool {
	e, ok := p.table.Find(remote)
	return ok && e.State == membership.StateConnected
}

// ListConnected returns the connected peers as a map of name to group.
func (p *Peer) ListConnected() map[string]string {
	out := make(map[string]string)
	for _, e := range p.table.List("") {
		if e.State == membership.StateConnected {
			out[e.Identity.Name] = e.Identity.Group
		}
	}
	return out
}

// Peers returns snapshots of every remote peer the local peer knows,
// sorted by identity.
func (p *Peer) Peers() []PeerInfo {
	return p.table.List("")
}

// PeerInfo returns the snapshot of remote.
func (p *Peer) PeerInfo(remote Identity) (PeerInfo, bool) {
	return p.table.Find(remote)
}

// Stats returns the statistics of remote, or nil if it was never seen.
func (p *Peer) Stats(remote Identity) *PeerStats {
	return p.stats.get(remote)
}

// AllStats returns the statistics of every peer seen since creation.
func (p *Peer) AllStats() map[Identity]*PeerStats {
	return p.stats.all()
}

// peerSink feeds engine events to the statistics and the dispatcher.
type peerSink struct {
	p *Peer
}

var _ connection.EventSink = (*peerSink)(nil)

func (s *peerSink) PeerConnected(id identity.Identity, metadata map[string]string) {
	s.p.stats.connected(id)
	s.p.dispatcher.PeerConnected(id, metadata)
}

func (s *peerSink) PeerDisconnected(id identity.Identity) {
	s.p.stats.disconnected(id)
	s.p.dispatcher.PeerDisconnected(id)
}

func (s *peerSink) PeerEvasive(id identity.Identity) {
	s.p.dispatcher.PeerEvasive(id)
}

func (s *peerSink) PeerSilent(id identity.Identity) {
	s.p.dispatcher.PeerSilent(id)
}

func (s *peerSink) MessageReceived(id identity.Identity, msgType string, payload []byte) {
	s.p.stats.received(id, msgType, len(payload))
	s.p.dispatcher.MessageReceived(id, msgType, payload)
}

func (s *peerSink) Error(err error) {
	s.p.dispatcher.Error(err)
}
