package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sunipkm/peernet/internal/flow"
	"github.com/sunipkm/peernet/pkg/codec"
	"github.com/sunipkm/peernet/pkg/identity"
	"github.com/sunipkm/peernet/pkg/membership"
	"github.com/sunipkm/peernet/pkg/transport"
)

// byeTimeout bounds the best-effort BYE written on a graceful close.
const byeTimeout = 250 * time.Millisecond

// peerConn owns the stream of one connected peer. It implements
// membership.Handle; the table holds it, and only the manager's loops
// touch the underlying stream.
type peerConn struct {
	m         *Manager
	id        identity.Identity
	instance  string
	direction membership.Direction
	conn      transport.Conn
	reader    *codec.Reader
	writer    *codec.Writer

	out    chan *codec.Frame
	window *flow.Window

	closeOnce sync.Once
	closing   chan struct{}
	graceful  atomic.Bool
	done      chan struct{}

	lastPing atomic.Int64
}

var _ membership.Handle = (*peerConn)(nil)

// newPeerConn wraps a handshaken stream and starts its write loop. The
// read loop starts once the peer is attached to the table.
func newPeerConn(m *Manager, id identity.Identity, instance string, dir membership.Direction, conn transport.Conn, r *codec.Reader, w *codec.Writer) *peerConn {
	size := m.cfg.SendQueueSize
	pc := &peerConn{
		m:         m,
		id:        id,
		instance:  instance,
		direction: dir,
		conn:      conn,
		reader:    r,
		writer:    w,
		out:       make(chan *codec.Frame, size),
		window:    flow.NewWindow(size, size/2),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	pc.window.OnStall(func(n int) {
		m.cfg.Logger.Debug("send queue full", "peer", id.String(), "queued", n)
	})
	m.wg.Add(1)
	go pc.writeLoop()
	return pc
}

// Send queues f for the write loop, waiting up to SendTimeout for room.
func (pc *peerConn) Send(ctx context.Context, f *codec.Frame) error {
	select {
	case <-pc.closing:
		return ErrClosed
	default:
	}

	ctx, cancel := context.WithTimeout(ctx, pc.m.cfg.SendTimeout)
	defer cancel()

	if err := pc.window.Reserve(ctx); err != nil {
		switch {
		case errors.Is(err, flow.ErrClosed):
			return ErrClosed
		case errors.Is(err, context.DeadlineExceeded):
			return ErrSendTimeout
		default:
			return err
		}
	}
	select {
	case pc.out <- f:
		return nil
	case <-pc.closing:
		pc.window.Free()
		return ErrClosed
	}
}

// trySend queues f only if there is room right now.
func (pc *peerConn) trySend(f *codec.Frame) bool {
	if !pc.window.TryReserve() {
		return false
	}
	select {
	case pc.out <- f:
		return true
	case <-pc.closing:
		pc.window.Free()
		return false
	default:
		pc.window.Free()
		return false
	}
}

// ping sends a PING unless one went out within the heartbeat interval.
// force skips that check.
func (pc *peerConn) ping(now time.Time, force bool) {
	last := pc.lastPing.Load()
	if !force && now.UnixNano()-last < int64(pc.m.cfg.HeartbeatInterval) {
		return
	}
	if pc.trySend(codec.NewControlFrame(codec.KindPing)) {
		pc.lastPing.Store(now.UnixNano())
	}
}

// Close shuts the connection down gracefully: queued frames are flushed
// and a BYE is written before the stream closes.
func (pc *peerConn) Close() error {
	pc.shutdown(true)
	return nil
}

// abort closes the stream without a farewell.
func (pc *peerConn) abort() {
	pc.shutdown(false)
}

func (pc *peerConn) shutdown(graceful bool) {
	pc.closeOnce.Do(func() {
		pc.graceful.Store(graceful)
		close(pc.closing)
		pc.window.Close()
		if !graceful {
			_ = pc.conn.Close()
		}
	})
}

// drop detaches the peer after an error or a BYE and reports the
// disconnect. Only the caller that wins the detach reports it.
func (pc *peerConn) drop(reason error, graceful bool) {
	_, detached := pc.m.table.Detach(pc.id, pc.instance)
	pc.shutdown(graceful)
	if !detached {
		return
	}

	pc.m.cfg.Metrics.ConnectionClosed(pc.direction.String())
	pc.m.cfg.Logger.Info("peer disconnected",
		"peer", pc.id.String(),
		"instance", pc.instance,
		"reason", reason.Error(),
	)
	if pc.m.ctx.Err() == nil {
		pc.m.sink.PeerDisconnected(pc.id)
	}
}

func (pc *peerConn) startReading() {
	pc.m.wg.Add(1)
	go pc.readLoop()
}

func (pc *peerConn) readLoop() {
	defer pc.m.wg.Done()

	for {
		f, err := pc.reader.ReadFrame()
		if err != nil {
			if errors.Is(err, codec.ErrMalformed) {
				pc.m.cfg.Metrics.FrameDropped("malformed")
				pc.m.cfg.Logger.Debug("dropped malformed frame", "peer", pc.id.String(), "error", err)
				continue
			}
			pc.drop(err, false)
			return
		}

		if !pc.m.table.Touch(pc.id, pc.instance) {
			// detached while the frame was in flight
			pc.abort()
			return
		}

		switch f.Kind {
		case codec.KindPing:
			pc.trySend(codec.NewControlFrame(codec.KindPong))
		case codec.KindPong:
		case codec.KindBye:
			pc.drop(ErrRemoteDisconnected, false)
			return
		case codec.KindMessage:
			pc.m.deliver(pc, f.Message)
		default:
			pc.m.cfg.Metrics.FrameDropped("unexpected")
			pc.m.cfg.Logger.Debug("dropped unexpected frame", "peer", pc.id.String(), "kind", f.Kind.String())
		}
	}
}

func (pc *peerConn) writeLoop() {
	defer pc.m.wg.Done()
	defer close(pc.done)

	for {
		select {
		case f := <-pc.out:
			err := pc.write(f, pc.m.cfg.WriteTimeout)
			pc.window.Free()
			if err != nil {
				if errors.Is(err, codec.ErrFrameTooLarge) {
					pc.m.cfg.Metrics.FrameDropped("too_large")
					pc.m.cfg.Logger.Warn("dropped oversized frame", "peer", pc.id.String(), "error", err)
					continue
				}
				pc.drop(err, false)
				return
			}
		case <-pc.closing:
			if pc.graceful.Load() {
				pc.farewell()
			}
			_ = pc.conn.Close()
			return
		}
	}
}

// farewell flushes what is already queued, then writes BYE.
func (pc *peerConn) farewell() {
	deadline := time.Now().Add(byeTimeout)
	for {
		select {
		case f := <-pc.out:
			if pc.write(f, time.Until(deadline)) != nil {
				return
			}
		default:
			_ = pc.write(codec.NewControlFrame(codec.KindBye), time.Until(deadline))
			return
		}
	}
}

func (pc *peerConn) write(f *codec.Frame, timeout time.Duration) error {
	if timeout <= 0 {
		return ErrSendTimeout
	}
	if err := pc.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return pc.writer.WriteFrame(f)
}
