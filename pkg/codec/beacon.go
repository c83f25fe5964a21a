package codec

import (
	"bytes"
	"fmt"

	"github.com/sunipkm/peernet/pkg/identity"
	"google.golang.org/protobuf/encoding/protowire"
)

// BeaconMagic prefixes every beacon datagram.
const BeaconMagic = "PNET"

// MaxBeaconSize keeps a beacon inside a single Ethernet frame.
const MaxBeaconSize = 1400

// Flags advertise optional capabilities in beacons and HELLO frames.
type Flags uint32

const (
	// FlagEncrypted is set when the peer seals message payloads.
	FlagEncrypted Flags = 1 << iota
)

// Has reports whether all bits of x are set.
func (f Flags) Has(x Flags) bool {
	return f&x == x
}

// Beacon announces a peer on the discovery channel.
type Beacon struct {
	// Version is the protocol major version of the sender.
	Version uint32

	Group string
	Name  string
	Flags Flags

	// Instance distinguishes two processes announcing the same identity.
	Instance string

	// Endpoint is the stream transport address to dial.
	Endpoint string
}

// Beacon field numbers.
const (
	beaconVersion  protowire.Number = 1
	beaconGroup    protowire.Number = 2
	beaconName     protowire.Number = 3
	beaconFlags    protowire.Number = 4
	beaconInstance protowire.Number = 5
	beaconEndpoint protowire.Number = 6
)

// Identity returns the announced (group, name).
func (b *Beacon) Identity() identity.Identity {
	return identity.Identity{Group: b.Group, Name: b.Name}
}

// MarshalBinary encodes the beacon with its magic prefix.
func (b *Beacon) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, 128)
	out = append(out, BeaconMagic...)
	out = appendVarint(out, beaconVersion, uint64(b.Version))
	out = appendString(out, beaconGroup, b.Group)
	out = appendString(out, beaconName, b.Name)
	out = appendVarint(out, beaconFlags, uint64(b.Flags))
	out = appendString(out, beaconInstance, b.Instance)
	out = appendString(out, beaconEndpoint, b.Endpoint)
	if len(out) > MaxBeaconSize {
		return nil, fmt.Errorf("beacon is %d bytes, limit %d", len(out), MaxBeaconSize)
	}
	return out, nil
}

// UnmarshalBinary decodes a datagram. Foreign datagrams fail with
// ErrBadMagic, damaged ones with ErrMalformed. The version is decoded
// but not checked.
func (b *Beacon) UnmarshalBinary(data []byte) error {
	if !bytes.HasPrefix(data, []byte(BeaconMagic)) {
		return ErrBadMagic
	}
	if len(data) > MaxBeaconSize {
		return malformed("beacon is %d bytes", len(data))
	}

	var out Beacon
	var flags uint32
	err := decodeFields(data[len(BeaconMagic):], func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case beaconVersion:
			return consumeUint32(num, typ, v, &out.Version)
		case beaconGroup:
			return consumeString(num, typ, v, &out.Group)
		case beaconName:
			return consumeString(num, typ, v, &out.Name)
		case beaconFlags:
			return consumeUint32(num, typ, v, &flags)
		case beaconInstance:
			return consumeString(num, typ, v, &out.Instance)
		case beaconEndpoint:
			return consumeString(num, typ, v, &out.Endpoint)
		}
		return 0, nil
	})
	if err != nil {
		return err
	}
	out.Flags = Flags(flags)

	if err := out.Identity().Validate(); err != nil {
		return malformed("beacon identity: %v", err)
	}
	if out.Instance == "" {
		return malformed("beacon without instance")
	}
	*b = out
	return nil
}
