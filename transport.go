package peernet

import (
	"context"
	"fmt"

	"github.com/sunipkm/peernet/pkg/transport"
	"github.com/sunipkm/peernet/pkg/transport/beacon"
	"github.com/sunipkm/peernet/pkg/transport/p2p"
)

// DefaultTransport announces the peer with UDP multicast beacons on the
// local network and carries peer streams over a libp2p host listening on
// all interfaces.
func DefaultTransport(ctx context.Context) (transport.Transport, error) {
	return NewLANTransport(beacon.DefaultConfig(), p2p.DefaultConfig())(ctx)
}

// NewLANTransport returns a transport factory using the given beacon and
// libp2p settings.
func NewLANTransport(beaconCfg beacon.Config, hostCfg p2p.Config) transport.Factory {
	return func(ctx context.Context) (transport.Transport, error) {
		host, err := p2p.New(hostCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create libp2p host: %w", err)
		}
		ch, err := beacon.Listen(ctx, beaconCfg)
		if err != nil {
			_ = host.Close()
			return nil, fmt.Errorf("failed to open beacon channel: %w", err)
		}
		return transport.Combine(ch, host), nil
	}
}
