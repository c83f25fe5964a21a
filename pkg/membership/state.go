// Package membership holds the table of remote peers known to a local
// peer: their connection state, liveness bookkeeping and the handle used to
// write to them.
package membership

import "fmt"

// State is the lifecycle state of a remote peer.
type State int

const (
	// StateDiscovered indicates a beacon was seen but no stream exists.
	StateDiscovered State = iota

	// StateHandshaking indicates a stream is open and HELLOs are being
	// exchanged.
	StateHandshaking

	// StateConnected indicates the handshake completed and messages flow.
	StateConnected

	// StateDisconnected is terminal. Entries in this state are removed.
	StateDisconnected
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "Discovered"
	case StateHandshaking:
		return "Handshaking"
	case StateConnected:
		return "Connected"
	case StateDisconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateDisconnected
}

// IsLive reports whether a stream is bound to the entry.
func (s State) IsLive() bool {
	return s == StateHandshaking || s == StateConnected
}

var validTransitions = map[State][]State{
	StateDiscovered:   {StateHandshaking, StateDisconnected},
	StateHandshaking:  {StateConnected, StateDisconnected},
	StateConnected:    {StateDisconnected},
	StateDisconnected: nil,
}

// CanTransitionTo checks if a transition from the current state to the
// target state is valid.
func (s State) CanTransitionTo(target State) bool {
	for _, t := range validTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// ValidateTransition returns an error if the transition is invalid.
func (s State) ValidateTransition(target State) error {
	if !s.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, target)
	}
	return nil
}

// Direction records which side opened the stream.
type Direction int

const (
	// DirectionNone is used for entries without a stream.
	DirectionNone Direction = iota
	// DirectionInbound means the remote peer dialed us.
	DirectionInbound
	// DirectionOutbound means we dialed the remote peer.
	DirectionOutbound
)

func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "inbound"
	case DirectionOutbound:
		return "outbound"
	default:
		return "none"
	}
}
