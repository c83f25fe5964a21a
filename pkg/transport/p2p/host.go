// Package p2p carries peer streams over libp2p. Each stream is a libp2p
// stream on a dedicated protocol ID, secured by the libp2p security
// handshake and multiplexed over one connection per remote host.
package p2p

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/sunipkm/peernet/pkg/transport"
)

// ProtocolID identifies peernet streams.
const ProtocolID = protocol.ID("/peernet/stream/1.0.0")

// Config contains configuration for creating a libp2p host.
type Config struct {
	// PrivateKey is the host identity. A fresh Ed25519 key is generated
	// when nil; the overlay identity does not depend on it.
	PrivateKey crypto.PrivKey

	// ListenAddrs are the multiaddresses to listen on.
	ListenAddrs []multiaddr.Multiaddr

	// ConnMgrLowWater is the low watermark for the connection manager.
	ConnMgrLowWater int

	// ConnMgrHighWater is the high watermark for the connection manager.
	// Connections are trimmed when above it.
	ConnMgrHighWater int

	// ConnMgrGracePeriod protects new connections from trimming.
	ConnMgrGracePeriod time.Duration

	// IncomingBuffer is the number of accepted streams queued for the
	// engine.
	IncomingBuffer int
}

// DefaultConfig returns a Config listening on all IPv4 interfaces on an
// ephemeral TCP port.
func DefaultConfig() Config {
	return Config{
		ListenAddrs:        []multiaddr.Multiaddr{multiaddr.StringCast("/ip4/0.0.0.0/tcp/0")},
		ConnMgrLowWater:    100,
		ConnMgrHighWater:   400,
		ConnMgrGracePeriod: time.Minute,
		IncomingBuffer:     16,
	}
}

// Host wraps a libp2p host as a transport.Streams.
type Host struct {
	host     host.Host
	endpoint string
	incoming chan transport.Conn

	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

var _ transport.Streams = (*Host)(nil)

// New creates a libp2p host and starts accepting peernet streams.
func New(cfg Config) (*Host, error) {
	def := DefaultConfig()
	if len(cfg.ListenAddrs) == 0 {
		cfg.ListenAddrs = def.ListenAddrs
	}
	if cfg.ConnMgrHighWater <= 0 {
		cfg.ConnMgrLowWater, cfg.ConnMgrHighWater = def.ConnMgrLowWater, def.ConnMgrHighWater
	}
	if cfg.IncomingBuffer <= 0 {
		cfg.IncomingBuffer = def.IncomingBuffer
	}

	priv := cfg.PrivateKey
	if priv == nil {
		var err error
		priv, _, err = crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate host key: %w", err)
		}
	}

	connMgr, err := connmgr.NewConnManager(
		cfg.ConnMgrLowWater,
		cfg.ConnMgrHighWater,
		connmgr.WithGracePeriod(cfg.ConnMgrGracePeriod),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrs(cfg.ListenAddrs...),
		libp2p.ConnectionManager(connMgr),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	endpoint, err := announceAddr(h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	ph := &Host{
		host:     h,
		endpoint: endpoint,
		incoming: make(chan transport.Conn, cfg.IncomingBuffer),
		done:     make(chan struct{}),
	}
	h.SetStreamHandler(ProtocolID, ph.handleStream)
	return ph, nil
}

// announceAddr picks the address announced in beacons: the first
// non-loopback IPv4 address, else the first address at all.
func announceAddr(h host.Host) (string, error) {
	addrs := h.Addrs()
	if len(addrs) == 0 {
		return "", fmt.Errorf("libp2p host has no listen addresses")
	}

	chosen := addrs[0]
	for _, a := range addrs {
		if _, err := a.ValueForProtocol(multiaddr.P_IP4); err != nil {
			continue
		}
		if !manet.IsIPLoopback(a) {
			chosen = a
			break
		}
	}

	p2pPart, err := multiaddr.NewMultiaddr("/p2p/" + h.ID().String())
	if err != nil {
		return "", fmt.Errorf("failed to build p2p address: %w", err)
	}
	return chosen.Encapsulate(p2pPart).String(), nil
}

// ID returns the libp2p peer ID of this host.
func (h *Host) ID() peer.ID {
	return h.host.ID()
}

// Endpoint returns the full multiaddress, including /p2p/<id>, that
// remote peers dial.
func (h *Host) Endpoint() string {
	return h.endpoint
}

// Incoming delivers streams opened by remote peers.
func (h *Host) Incoming() <-chan transport.Conn {
	return h.incoming
}

// Dial connects to the host at endpoint and opens a peernet stream.
func (h *Host) Dial(ctx context.Context, endpoint string) (transport.Conn, error) {
	if h.isClosed() {
		return nil, transport.ErrClosed
	}

	addr, err := multiaddr.NewMultiaddr(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}

	h.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.TempAddrTTL)
	if err := h.host.Connect(ctx, *info); err != nil {
		return nil, fmt.Errorf("failed to connect to peer %s: %w", info.ID, err)
	}

	s, err := h.host.NewStream(ctx, info.ID, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream to %s: %w", info.ID, err)
	}
	return &streamConn{Stream: s}, nil
}

func (h *Host) handleStream(s network.Stream) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		_ = s.Reset()
		return
	}
	select {
	case h.incoming <- &streamConn{Stream: s}:
	case <-h.done:
		_ = s.Reset()
	}
}

func (h *Host) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// Close shuts down the host and resets streams not yet accepted.
func (h *Host) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		h.host.RemoveStreamHandler(ProtocolID)
		err = h.host.Close()

		h.mu.Lock()
		h.closed = true
		close(h.incoming)
		h.mu.Unlock()

		for c := range h.incoming {
			_ = c.Close()
		}
	})
	return err
}

type streamConn struct {
	network.Stream
}

func (c *streamConn) RemoteEndpoint() string {
	conn := c.Conn()
	return conn.RemoteMultiaddr().String() + "/p2p/" + conn.RemotePeer().String()
}
