// Package beacon implements the discovery channel over IPv4 UDP
// multicast. Every peer on the LAN listens on the same group and port and
// receives every beacon, including its own.
package beacon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/sunipkm/peernet/pkg/transport"
)

const (
	// DefaultGroup is the administratively scoped multicast group used
	// for beacons.
	DefaultGroup = "239.255.42.99"

	// DefaultPort is the UDP port beacons are sent to.
	DefaultPort = 5670

	maxDatagramSize = 2048

	minReadBackoff = 5 * time.Millisecond
	maxReadBackoff = time.Second
)

// Config contains configuration for the multicast channel.
type Config struct {
	// Group is the IPv4 multicast group.
	Group net.IP

	// Port is the UDP port shared by all peers.
	Port int

	// Interface restricts sending and receiving to one interface. When
	// nil every multicast-capable interface that is up is joined.
	Interface *net.Interface

	// TTL is the multicast hop limit. 1 keeps beacons on the local link.
	TTL int

	// Buffer is the number of received datagrams queued for the engine.
	Buffer int
}

// DefaultConfig returns the link-local beacon configuration.
func DefaultConfig() Config {
	return Config{
		Group:  net.ParseIP(DefaultGroup).To4(),
		Port:   DefaultPort,
		TTL:    1,
		Buffer: 64,
	}
}

// Channel is a joined multicast group. It implements transport.Discovery.
type Channel struct {
	conn      net.PacketConn
	pc        *ipv4.PacketConn
	dst       *net.UDPAddr
	datagrams chan transport.Datagram

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ transport.Discovery = (*Channel)(nil)

// Listen joins the multicast group and starts receiving.
func Listen(ctx context.Context, cfg Config) (*Channel, error) {
	def := DefaultConfig()
	if cfg.Group == nil {
		cfg.Group = def.Group
	}
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.Group.To4() == nil || !cfg.Group.IsMulticast() {
		return nil, fmt.Errorf("beacon group %s is not an IPv4 multicast address", cfg.Group)
	}

	lc := net.ListenConfig{Control: reuseControl}
	conn, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf("0.0.0.0:%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on beacon port %d: %w", cfg.Port, err)
	}

	pc := ipv4.NewPacketConn(conn)
	group := &net.UDPAddr{IP: cfg.Group}
	if err := joinGroup(pc, cfg.Interface, group); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if cfg.Interface != nil {
		if err := pc.SetMulticastInterface(cfg.Interface); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to select multicast interface: %w", err)
		}
	}
	if err := pc.SetMulticastTTL(cfg.TTL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set multicast TTL: %w", err)
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable multicast loopback: %w", err)
	}

	c := &Channel{
		conn:      conn,
		pc:        pc,
		dst:       &net.UDPAddr{IP: cfg.Group, Port: cfg.Port},
		datagrams: make(chan transport.Datagram, cfg.Buffer),
		done:      make(chan struct{}),
	}
	c.wg.Add(1)
	go c.readLoop(pc)
	return c, nil
}

func joinGroup(pc *ipv4.PacketConn, ifi *net.Interface, group *net.UDPAddr) error {
	if ifi != nil {
		if err := pc.JoinGroup(ifi, group); err != nil {
			return fmt.Errorf("failed to join %s on %s: %w", group.IP, ifi.Name, err)
		}
		return nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("failed to list interfaces: %w", err)
	}
	joined := 0
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if pc.JoinGroup(ifi, group) == nil {
			joined++
		}
	}
	if joined == 0 {
		if err := pc.JoinGroup(nil, group); err != nil {
			return fmt.Errorf("failed to join %s on any interface: %w", group.IP, err)
		}
	}
	return nil
}

// datagramReader is the receive side of *ipv4.PacketConn.
type datagramReader interface {
	ReadFrom(b []byte) (int, *ipv4.ControlMessage, net.Addr, error)
}

func (c *Channel) readLoop(r datagramReader) {
	defer c.wg.Done()
	defer close(c.datagrams)

	buf := make([]byte, maxDatagramSize)
	backoff := time.Duration(0)
	for {
		n, _, src, err := r.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// a failing socket must not spin
			backoff = min(max(2*backoff, minReadBackoff), maxReadBackoff)
			t := time.NewTimer(backoff)
			select {
			case <-c.done:
				t.Stop()
				return
			case <-t.C:
			}
			continue
		}
		backoff = 0

		dg := transport.Datagram{Data: append([]byte(nil), buf[:n]...)}
		if src != nil {
			dg.From = src.String()
		}
		select {
		case c.datagrams <- dg:
		case <-c.done:
			return
		default:
			// engine is behind; beacons repeat, so dropping is harmless
		}
	}
}

// Broadcast sends one datagram to the multicast group.
func (c *Channel) Broadcast(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := c.pc.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if _, err := c.pc.WriteTo(data, nil, c.dst); err != nil {
		return fmt.Errorf("failed to send beacon: %w", err)
	}
	return nil
}

// Datagrams delivers received beacons.
func (c *Channel) Datagrams() <-chan transport.Datagram {
	return c.datagrams
}

// Close leaves the group and stops the receive loop.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
		c.wg.Wait()
	})
	return err
}
