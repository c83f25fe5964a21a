// Package transport defines the contract between the overlay engine and
// the network: an unreliable datagram channel for discovery beacons and
// reliable byte streams between peers.
package transport

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/hashicorp/go-multierror"
)

// ErrClosed is returned by operations on a closed transport or stream.
var ErrClosed = errors.New("transport closed")

// Conn is a reliable, ordered byte stream to one remote peer.
type Conn interface {
	io.ReadWriteCloser

	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error

	// RemoteEndpoint describes the remote side for logs and stats.
	RemoteEndpoint() string
}

// Datagram is one received discovery datagram.
type Datagram struct {
	Data []byte
	From string
}

// Discovery broadcasts and receives beacons.
type Discovery interface {
	// Broadcast sends data to every reachable peer. Delivery is best effort.
	Broadcast(ctx context.Context, data []byte) error

	// Datagrams delivers received datagrams. The channel is closed when
	// the discovery channel is closed.
	Datagrams() <-chan Datagram

	Close() error
}

// Streams opens and accepts peer streams.
type Streams interface {
	// Endpoint is the address remote peers dial to reach this node. It is
	// announced in beacons.
	Endpoint() string

	// Dial opens a stream to endpoint.
	Dial(ctx context.Context, endpoint string) (Conn, error)

	// Incoming delivers streams opened by remote peers. The channel is
	// closed when the transport is closed.
	Incoming() <-chan Conn

	Close() error
}

// Transport is the full network surface used by a running peer.
type Transport interface {
	Discovery
	Streams
}

// Factory creates a fresh transport each time a peer starts.
type Factory func(ctx context.Context) (Transport, error)

type combined struct {
	Discovery
	streams Streams
}

// Combine joins a discovery channel and a stream layer into one Transport.
// Closing it closes both.
func Combine(d Discovery, s Streams) Transport {
	return &combined{Discovery: d, streams: s}
}

func (c *combined) Endpoint() string { return c.streams.Endpoint() }

func (c *combined) Dial(ctx context.Context, endpoint string) (Conn, error) {
	return c.streams.Dial(ctx, endpoint)
}

func (c *combined) Incoming() <-chan Conn { return c.streams.Incoming() }

func (c *combined) Close() error {
	var result *multierror.Error
	if err := c.Discovery.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.streams.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
