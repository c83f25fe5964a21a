package peernet

import (
	"fmt"

	"github.com/sunipkm/peernet/internal/dispatch"
	"github.com/sunipkm/peernet/pkg/identity"
)

// Identity is the (group, name) address of a peer.
type Identity = identity.Identity

// NewIdentity returns the identity for name in group. An empty group
// selects DefaultGroup.
func NewIdentity(group, name string) Identity {
	return identity.New(group, name)
}

// ParseIdentity reads an identity in "group/name" form.
func ParseIdentity(s string) (Identity, error) {
	id, err := identity.Parse(s)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidName, err)
	}
	return id, nil
}

// ConnectHandler is called when a peer completes its handshake. metadata
// is the remote peer's configured metadata.
type ConnectHandler func(p *Peer, remote Identity, metadata map[string]string)

// PeerHandler is called for disconnect, evasive and silent events.
type PeerHandler func(p *Peer, remote Identity)

// MessageHandler is called for every message of the registered type from
// the registered peer.
type MessageHandler func(p *Peer, remote Identity, msgType string, payload []byte)

// ErrorHandler is called for errors that cannot be returned to a caller:
// failed handshakes that need operator attention and handler panics.
type ErrorHandler func(p *Peer, err error)

// PanicError reports a recovered handler panic.
type PanicError = dispatch.PanicError

// OnConnect registers h for every peer that connects. Handlers are
// additive and fire in registration order.
func (p *Peer) OnConnect(h ConnectHandler) {
	p.onConnect(Identity{}, h)
}

// OnConnectFrom registers h for connects of remote only.
func (p *Peer) OnConnectFrom(remote Identity, h ConnectHandler) {
	if remote.IsZero() {
		return
	}
	p.onConnect(remote, h)
}

func (p *Peer) onConnect(filter Identity, h ConnectHandler) {
	if h == nil {
		return
	}
	p.dispatcher.On(dispatch.KindConnect, filter, func(id identity.Identity, md map[string]string) {
		h(p, id, md)
	})
}

// OnDisconnect registers h for every peer that disconnects.
func (p *Peer) OnDisconnect(h PeerHandler) {
	p.onPeer(dispatch.KindDisconnect, Identity{}, h)
}

// OnDisconnectFrom registers h for disconnects of remote only.
func (p *Peer) OnDisconnectFrom(remote Identity, h PeerHandler) {
	if remote.IsZero() {
		return
	}
	p.onPeer(dispatch.KindDisconnect, remote, h)
}

// OnEvasive registers h for peers that stop sending for EvasiveTimeout.
func (p *Peer) OnEvasive(h PeerHandler) {
	p.onPeer(dispatch.KindEvasive, Identity{}, h)
}

// OnEvasiveFrom registers h for evasive events of remote only.
func (p *Peer) OnEvasiveFrom(remote Identity, h PeerHandler) {
	if remote.IsZero() {
		return
	}
	p.onPeer(dispatch.KindEvasive, remote, h)
}

// OnSilent registers h for peers that stop sending for SilentTimeout.
func (p *Peer) OnSilent(h PeerHandler) {
	p.onPeer(dispatch.KindSilent, Identity{}, h)
}

// OnSilentFrom registers h for silent events of remote only.
func (p *Peer) OnSilentFrom(remote Identity, h PeerHandler) {
	if remote.IsZero() {
		return
	}
	p.onPeer(dispatch.KindSilent, remote, h)
}

func (p *Peer) onPeer(kind dispatch.Kind, filter Identity, h PeerHandler) {
	if h == nil {
		return
	}
	p.dispatcher.On(kind, filter, func(id identity.Identity, _ map[string]string) {
		h(p, id)
	})
}

// DisableOnConnect removes the handlers registered with OnConnect, or
// with OnConnectFrom when remote is given.
func (p *Peer) DisableOnConnect(remote ...Identity) {
	p.disable(dispatch.KindConnect, remote)
}

// DisableOnDisconnect removes disconnect handlers of one scope.
func (p *Peer) DisableOnDisconnect(remote ...Identity) {
	p.disable(dispatch.KindDisconnect, remote)
}

// DisableOnEvasive removes evasive handlers of one scope.
func (p *Peer) DisableOnEvasive(remote ...Identity) {
	p.disable(dispatch.KindEvasive, remote)
}

// DisableOnSilent removes silent handlers of one scope.
func (p *Peer) DisableOnSilent(remote ...Identity) {
	p.disable(dispatch.KindSilent, remote)
}

func (p *Peer) disable(kind dispatch.Kind, remote []Identity) {
	if len(remote) == 0 {
		p.dispatcher.Off(kind, Identity{})
		return
	}
	for _, id := range remote {
		p.dispatcher.Off(kind, id)
	}
}

// OnMessage registers h for messages of msgType sent by remote. Both keys
// are required; registering again for the same pair replaces the handler.
// Messages without a handler are discarded.
func (p *Peer) OnMessage(remote Identity, msgType string, h MessageHandler) error {
	if err := remote.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidName, err)
	}
	if err := ValidateMessageType(msgType); err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("%w: nil message handler", ErrInvalidConfig)
	}
	p.dispatcher.OnMessage(remote, msgType, func(id identity.Identity, t string, payload []byte) {
		h(p, id, t, payload)
	})
	return nil
}

// OnMessageFrom is OnMessage for a peer of the local group.
func (p *Peer) OnMessageFrom(name, msgType string, h MessageHandler) error {
	return p.OnMessage(identity.New(p.cfg.Group, name), msgType, h)
}

// DisableOnMessage removes the handler for msgType from remote.
func (p *Peer) DisableOnMessage(remote Identity, msgType string) {
	p.dispatcher.OffMessage(remote, msgType)
}

// OnError registers h for error events.
func (p *Peer) OnError(h ErrorHandler) {
	if h == nil {
		return
	}
	p.dispatcher.OnError(func(err error) {
		h(p, wrapError(err))
	})
}

// DisableOnError removes every error handler.
func (p *Peer) DisableOnError() {
	p.dispatcher.OffError()
}
