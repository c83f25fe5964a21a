// Package memory provides an in-process transport for tests and demos.
// Nodes joined to the same Hub see each other's beacons and can dial each
// other over synchronous pipes, with no network I/O.
package memory

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sunipkm/peernet/pkg/transport"
)

const (
	datagramBuffer = 256
	incomingBuffer = 16
)

// Hub is a shared medium joining in-memory nodes.
type Hub struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	next  int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{nodes: make(map[string]*Node)}
}

// Join attaches a new node to the hub.
func (h *Hub) Join() *Node {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.next++
	n := &Node{
		hub:       h,
		endpoint:  fmt.Sprintf("mem://%d", h.next),
		datagrams: make(chan transport.Datagram, datagramBuffer),
		incoming:  make(chan transport.Conn, incomingBuffer),
		done:      make(chan struct{}),
	}
	h.nodes[n.endpoint] = n
	return n
}

// Factory returns a transport factory that joins a new node on each call.
func (h *Hub) Factory() transport.Factory {
	return func(context.Context) (transport.Transport, error) {
		return h.Join(), nil
	}
}

// Len returns the number of attached nodes.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes)
}

func (h *Hub) lookup(endpoint string) (*Node, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n, ok := h.nodes[endpoint]
	return n, ok
}

func (h *Hub) others(self string) []*Node {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Node, 0, len(h.nodes))
	for ep, n := range h.nodes {
		if ep != self {
			out = append(out, n)
		}
	}
	return out
}

func (h *Hub) leave(endpoint string) {
	h.mu.Lock()
	delete(h.nodes, endpoint)
	h.mu.Unlock()
}

// Node is one endpoint on a Hub. It implements transport.Transport.
type Node struct {
	hub      *Hub
	endpoint string

	datagrams chan transport.Datagram
	incoming  chan transport.Conn

	// mu guards closed and the channel sends; done is closed first on
	// shutdown so that blocked senders release mu.
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

var _ transport.Transport = (*Node)(nil)

// Endpoint returns the node's address on the hub.
func (n *Node) Endpoint() string { return n.endpoint }

// Broadcast delivers data to every other node on the hub. Nodes whose
// datagram queue is full miss it, as they would on a real network.
func (n *Node) Broadcast(_ context.Context, data []byte) error {
	if n.isClosed() {
		return transport.ErrClosed
	}
	for _, other := range n.hub.others(n.endpoint) {
		dg := transport.Datagram{Data: append([]byte(nil), data...), From: n.endpoint}
		other.deliver(dg)
	}
	return nil
}

func (n *Node) deliver(dg transport.Datagram) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.datagrams <- dg:
	default:
	}
}

// Datagrams delivers beacons broadcast by other nodes.
func (n *Node) Datagrams() <-chan transport.Datagram { return n.datagrams }

// Incoming delivers streams dialed by other nodes.
func (n *Node) Incoming() <-chan transport.Conn { return n.incoming }

// Dial opens a pipe to the node at endpoint.
func (n *Node) Dial(ctx context.Context, endpoint string) (transport.Conn, error) {
	if n.isClosed() {
		return nil, transport.ErrClosed
	}
	target, ok := n.hub.lookup(endpoint)
	if !ok {
		return nil, fmt.Errorf("dial %s: no such endpoint", endpoint)
	}

	local, remote := net.Pipe()
	ours := &pipeConn{Conn: local, remote: endpoint}
	theirs := &pipeConn{Conn: remote, remote: n.endpoint}

	if err := target.accept(ctx, theirs); err != nil {
		_ = local.Close()
		_ = remote.Close()
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return ours, nil
}

func (n *Node) accept(ctx context.Context, c transport.Conn) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return transport.ErrClosed
	}
	select {
	case n.incoming <- c:
		return nil
	case <-n.done:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) isClosed() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.closed
}

// Close detaches the node from the hub and closes undelivered streams.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		close(n.done)
		n.hub.leave(n.endpoint)

		n.mu.Lock()
		n.closed = true
		close(n.datagrams)
		close(n.incoming)
		n.mu.Unlock()

		for c := range n.incoming {
			_ = c.Close()
		}
	})
	return nil
}

type pipeConn struct {
	net.Conn
	remote string
}

func (c *pipeConn) RemoteEndpoint() string { return c.remote }
