package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sunipkm/peernet/internal/handshake"
	"github.com/sunipkm/peernet/pkg/codec"
	"github.com/sunipkm/peernet/pkg/crypto"
	"github.com/sunipkm/peernet/pkg/identity"
	"github.com/sunipkm/peernet/pkg/membership"
	"github.com/sunipkm/peernet/pkg/transport"
)

// attempt carries the state of one handshake.
type attempt struct {
	m         *Manager
	conn      transport.Conn
	reader    *codec.Reader
	writer    *codec.Writer
	direction membership.Direction
	sm        *handshake.StateMachine

	// expected is the peer a dialer learned from its beacon.
	expected         identity.Identity
	expectedInstance string

	remote   *codec.Hello
	claimed  bool
	endpoint string
}

func (m *Manager) newAttempt(conn transport.Conn, dir membership.Direction) *attempt {
	return &attempt{
		m:         m,
		conn:      conn,
		reader:    codec.NewReader(conn, m.cfg.MaxFrameSize),
		writer:    codec.NewWriter(conn, m.cfg.MaxFrameSize),
		direction: dir,
		sm:        handshake.NewStateMachine(),
		endpoint:  conn.RemoteEndpoint(),
	}
}

// dial opens a stream to the peer announced by b and runs the dialer
// side of the handshake: HELLO out, HELLO in, verdict out.
func (m *Manager) dial(b codec.Beacon) {
	defer m.wg.Done()
	id := b.Identity()
	defer m.endAttempt(id)

	// A conflicting claim is not fatal here: the handshake still runs so
	// that both sides learn about the conflict.
	owned := false
	if id != m.cfg.Identity {
		switch err := m.table.Claim(id, b.Instance, false); {
		case err == nil:
			owned = true
		case errors.Is(err, membership.ErrIdentityConflict):
		default:
			return
		}
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.HandshakeTimeout)
	defer cancel()
	ctx, end := m.cfg.Tracer.TraceHandshake(ctx, membership.DirectionOutbound.String(), b.Endpoint)

	conn, err := m.tr.Dial(ctx, b.Endpoint)
	if err != nil {
		if owned {
			m.table.Release(id, b.Instance)
		}
		if m.ctx.Err() == nil {
			m.table.StartCooldown(id, b.Instance, m.backoff)
			m.cfg.Metrics.HandshakeResult("dial_failed")
			m.cfg.Logger.Debug("failed to dial peer", "peer", id.String(), "endpoint", b.Endpoint, "error", err)
		}
		end(id.String(), err)
		return
	}

	a := m.newAttempt(conn, membership.DirectionOutbound)
	a.expected, a.expectedInstance = id, b.Instance
	a.claimed = owned
	a.endpoint = b.Endpoint
	err = a.run(ctx)
	end(id.String(), err)
}

// accept runs the acceptor side of the handshake on an inbound stream:
// HELLO in, HELLO out, verdict in.
func (m *Manager) accept(conn transport.Conn) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.HandshakeTimeout)
	defer cancel()
	ctx, end := m.cfg.Tracer.TraceHandshake(ctx, membership.DirectionInbound.String(), conn.RemoteEndpoint())

	a := m.newAttempt(conn, membership.DirectionInbound)
	err := a.run(ctx)
	remote := ""
	if a.remote != nil {
		remote = a.remote.Identity().String()
	}
	end(remote, err)
}

func (a *attempt) run(ctx context.Context) error {
	m := a.m
	if !m.track(a.conn) {
		a.fail(ErrShuttingDown)
		return ErrShuttingDown
	}
	defer m.untrack(a.conn)

	deadline, _ := ctx.Deadline()
	if err := a.conn.SetDeadline(deadline); err != nil {
		a.fail(err)
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = a.conn.SetDeadline(time.Now()) })
	defer stop()

	var err error
	if a.direction == membership.DirectionOutbound {
		err = a.runDialer()
	} else {
		err = a.runAcceptor()
	}
	if err != nil {
		if ctx.Err() != nil && m.ctx.Err() == nil && isTimeout(err) {
			err = fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
		}
		a.fail(err)
		return err
	}

	if !stop() {
		// the deadline fired right as the handshake finished
		err = ErrHandshakeTimeout
		a.abandon()
		a.fail(err)
		return err
	}
	if err := a.conn.SetDeadline(time.Time{}); err != nil {
		a.abandon()
		a.fail(err)
		return err
	}
	if err := a.complete(); err != nil {
		a.fail(err)
		return err
	}
	return nil
}

func (a *attempt) runDialer() error {
	if err := a.sendHello(); err != nil {
		return err
	}
	if err := a.sm.Transition(handshake.StateHelloSent); err != nil {
		return err
	}

	hello, err := a.readHello()
	if err != nil {
		return err
	}
	a.remote = hello
	if err := a.validate(hello); err != nil {
		return a.reject(err)
	}
	if err := a.sm.Transition(handshake.StateHelloReceived); err != nil {
		return err
	}

	if err := a.m.table.Claim(hello.Identity(), hello.Instance, a.claimed); err != nil {
		return a.reject(err)
	}
	a.claimed = true

	if err := a.writer.WriteFrame(codec.NewControlFrame(codec.KindAccept)); err != nil {
		return err
	}
	return a.sm.Transition(handshake.StateComplete)
}

func (a *attempt) runAcceptor() error {
	hello, err := a.readHello()
	if err != nil {
		return err
	}
	a.remote = hello
	if err := a.validate(hello); err != nil {
		return a.reject(err)
	}
	if err := a.sm.Transition(handshake.StateHelloReceived); err != nil {
		return err
	}

	if err := a.m.table.Claim(hello.Identity(), hello.Instance, false); err != nil {
		return a.reject(err)
	}
	a.claimed = true

	if err := a.sendHello(); err != nil {
		return err
	}
	if err := a.sm.Transition(handshake.StateHelloSent); err != nil {
		return err
	}

	f, err := a.reader.ReadFrame()
	if err != nil {
		return readError(err)
	}
	switch f.Kind {
	case codec.KindAccept:
		return a.sm.Transition(handshake.StateComplete)
	case codec.KindReject:
		return &RejectError{Code: f.Reject.Code, Reason: f.Reject.Reason}
	default:
		return fmt.Errorf("%w: expected verdict, got %s", ErrMalformedHandshake, f.Kind)
	}
}

func (a *attempt) sendHello() error {
	m := a.m
	hello := &codec.Hello{
		Version:  codec.CurrentVersion(),
		Group:    m.cfg.Identity.Group,
		Name:     m.cfg.Identity.Name,
		Instance: m.cfg.Instance,
		Metadata: m.cfg.Metadata,
	}
	if m.cfg.Encrypted {
		hello.Flags |= codec.FlagEncrypted
		check, err := crypto.KeyCheck(m.cfg.Cipher, m.cfg.Instance)
		if err != nil {
			m.cfg.Metrics.EncryptionError()
			return fmt.Errorf("failed to seal key check: %w", err)
		}
		hello.KeyCheck = check
	}
	return a.writer.WriteFrame(codec.NewHelloFrame(hello))
}

func (a *attempt) readHello() (*codec.Hello, error) {
	f, err := a.reader.ReadFrame()
	if err != nil {
		return nil, readError(err)
	}
	switch f.Kind {
	case codec.KindHello:
		return f.Hello, nil
	case codec.KindReject:
		return nil, &RejectError{Code: f.Reject.Code, Reason: f.Reject.Reason}
	default:
		return nil, a.reject(fmt.Errorf("%w: expected HELLO, got %s", ErrMalformedHandshake, f.Kind))
	}
}

// validate checks a remote HELLO against the local configuration.
func (a *attempt) validate(h *codec.Hello) error {
	m := a.m
	id := h.Identity()

	if h.Version.Major != codec.VersionMajor {
		return fmt.Errorf("%w: remote %s, local %s", ErrVersionMismatch, h.Version, codec.CurrentVersion())
	}
	if h.Group != m.cfg.Identity.Group {
		return fmt.Errorf("%w: remote %q, local %q", ErrGroupMismatch, h.Group, m.cfg.Identity.Group)
	}
	if id == m.cfg.Identity {
		if h.Instance == m.cfg.Instance {
			return fmt.Errorf("%w: connected to self", ErrUnexpectedPeer)
		}
		return fmt.Errorf("%w: %s is also claimed by instance %s", ErrIdentityConflict, id, h.Instance)
	}
	if h.Flags.Has(codec.FlagEncrypted) != m.cfg.Encrypted {
		return fmt.Errorf("%w: remote encrypted=%v, local encrypted=%v",
			ErrEncryptionMismatch, h.Flags.Has(codec.FlagEncrypted), m.cfg.Encrypted)
	}
	if m.cfg.Encrypted {
		if err := crypto.VerifyKeyCheck(m.cfg.Cipher, h.Instance, h.KeyCheck); err != nil {
			if errors.Is(err, crypto.ErrKeyMismatch) {
				return fmt.Errorf("%w with %s", ErrPassphraseMismatch, id)
			}
			return err
		}
	}
	if a.direction == membership.DirectionOutbound && (id != a.expected || h.Instance != a.expectedInstance) {
		return fmt.Errorf("%w: dialed %s, reached %s", ErrUnexpectedPeer, a.expected.Key(a.expectedInstance), id.Key(h.Instance))
	}
	return nil
}

// reject sends a best-effort REJECT for cause and returns cause.
func (a *attempt) reject(cause error) error {
	_ = a.writer.WriteFrame(codec.NewRejectFrame(rejectCode(cause), cause.Error()))
	return cause
}

// complete attaches the handshaken peer and starts its loops.
func (a *attempt) complete() error {
	m := a.m
	id := a.remote.Identity()

	pc := newPeerConn(m, id, a.remote.Instance, a.direction, a.conn, a.reader, a.writer)
	entry, err := m.table.Attach(id, a.remote.Instance, pc, a.direction, a.endpoint, a.remote.Metadata)
	if err != nil || m.ctx.Err() != nil {
		pc.abort()
		if err == nil {
			m.table.Detach(id, a.remote.Instance)
			err = ErrShuttingDown
		}
		return err
	}

	d := a.sm.Duration()
	m.cfg.Metrics.HandshakeResult(resultLabel(nil))
	m.cfg.Metrics.HandshakeDuration(d.Seconds())
	m.cfg.Metrics.ConnectionOpened(a.direction.String())
	m.cfg.Logger.Info("peer connected",
		"peer", id.String(),
		"instance", a.remote.Instance,
		"direction", a.direction.String(),
		"endpoint", a.endpoint,
		"duration", d,
	)

	// queued before any message from the read loop
	m.sink.PeerConnected(id, entry.Metadata)
	pc.startReading()
	return nil
}

// abandon closes the stream of an attempt that cannot complete.
func (a *attempt) abandon() {
	_ = a.conn.Close()
}

// fail records a failed attempt: the claim is released, the remote
// instance enters cooldown, and reportable failures reach the sink.
func (a *attempt) fail(err error) {
	m := a.m
	a.sm.Fail(err)
	a.abandon()

	var id identity.Identity
	instance := ""
	if a.remote != nil {
		id, instance = a.remote.Identity(), a.remote.Instance
	} else if a.direction == membership.DirectionOutbound {
		id, instance = a.expected, a.expectedInstance
	}

	if a.claimed && !id.IsZero() {
		m.table.Release(id, instance)
	}
	if m.ctx.Err() != nil {
		return
	}

	duplicate := errors.Is(err, ErrAlreadyConnected) || errors.Is(err, ErrBusy)
	if !id.IsZero() && !duplicate {
		m.table.StartCooldown(id, instance, m.backoff)
	}
	m.cfg.Metrics.HandshakeResult(resultLabel(err))

	herr := &HandshakeError{
		Identity:  id,
		Instance:  instance,
		Endpoint:  a.endpoint,
		Direction: a.direction,
		Err:       err,
	}
	if IsReportable(err) {
		m.cfg.Logger.Warn("handshake failed", "error", herr.Error(), "step", a.sm.FailedAt().String())
		m.sink.Error(herr)
		return
	}
	m.cfg.Logger.Debug("handshake failed", "error", herr.Error(), "step", a.sm.FailedAt().String())
}

func readError(err error) error {
	if errors.Is(err, codec.ErrMalformed) {
		return fmt.Errorf("%w: %v", ErrMalformedHandshake, err)
	}
	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
