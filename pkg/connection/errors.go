package connection

import (
	"errors"
	"fmt"

	"github.com/sunipkm/peernet/pkg/codec"
	"github.com/sunipkm/peernet/pkg/identity"
	"github.com/sunipkm/peernet/pkg/membership"
	"github.com/sunipkm/peernet/pkg/transport"
)

// Lifecycle and send errors.
var (
	ErrNotRunning   = errors.New("connection manager not running")
	ErrClosed       = transport.ErrClosed
	ErrNotConnected = membership.ErrNotConnected
	ErrSendTimeout  = errors.New("send queue full")
)

// Handshake errors.
var (
	ErrHandshakeTimeout    = errors.New("handshake timed out")
	ErrMalformedHandshake  = errors.New("malformed handshake")
	ErrVersionMismatch     = errors.New("protocol version mismatch")
	ErrGroupMismatch       = errors.New("group mismatch")
	ErrEncryptionMismatch  = errors.New("encryption setting mismatch")
	ErrPassphraseMismatch  = errors.New("passphrase mismatch")
	ErrIdentityConflict    = membership.ErrIdentityConflict
	ErrAlreadyConnected    = membership.ErrAlreadyConnected
	ErrBusy                = membership.ErrBusy
	ErrUnexpectedPeer      = errors.New("unexpected peer")
	ErrRejected            = errors.New("handshake rejected")
	ErrShuttingDown        = errors.New("shutting down")
	ErrLivenessExpired     = errors.New("peer liveness expired")
	ErrRemoteDisconnected  = errors.New("peer said goodbye")
	ErrLocalDisconnect     = errors.New("disconnected locally")
)

// RejectError is a REJECT verdict received from the remote peer.
// It unwraps to the sentinel matching its code, so
// errors.Is(err, ErrIdentityConflict) holds on the rejected side too.
type RejectError struct {
	Code   codec.RejectCode
	Reason string
}

func (e *RejectError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("rejected by peer: %s", e.Code)
	}
	return fmt.Sprintf("rejected by peer: %s: %s", e.Code, e.Reason)
}

func (e *RejectError) Unwrap() error {
	switch e.Code {
	case codec.RejectMalformed:
		return ErrMalformedHandshake
	case codec.RejectVersion:
		return ErrVersionMismatch
	case codec.RejectGroup:
		return ErrGroupMismatch
	case codec.RejectEncryption:
		return ErrEncryptionMismatch
	case codec.RejectPassphrase:
		return ErrPassphraseMismatch
	case codec.RejectIdentityConflict:
		return ErrIdentityConflict
	case codec.RejectAlreadyConnected:
		return ErrAlreadyConnected
	case codec.RejectBusy:
		return ErrBusy
	case codec.RejectUnexpectedPeer:
		return ErrUnexpectedPeer
	case codec.RejectShuttingDown:
		return ErrShuttingDown
	default:
		return ErrRejected
	}
}

// rejectCode picks the REJECT code reported for a local handshake failure.
func rejectCode(err error) codec.RejectCode {
	switch {
	case errors.Is(err, ErrMalformedHandshake):
		return codec.RejectMalformed
	case errors.Is(err, ErrVersionMismatch):
		return codec.RejectVersion
	case errors.Is(err, ErrGroupMismatch):
		return codec.RejectGroup
	case errors.Is(err, ErrEncryptionMismatch):
		return codec.RejectEncryption
	case errors.Is(err, ErrPassphraseMismatch):
		return codec.RejectPassphrase
	case errors.Is(err, ErrIdentityConflict):
		return codec.RejectIdentityConflict
	case errors.Is(err, ErrAlreadyConnected):
		return codec.RejectAlreadyConnected
	case errors.Is(err, ErrBusy):
		return codec.RejectBusy
	case errors.Is(err, ErrUnexpectedPeer):
		return codec.RejectUnexpectedPeer
	case errors.Is(err, ErrShuttingDown):
		return codec.RejectShuttingDown
	default:
		return codec.RejectUnspecified
	}
}

// HandshakeError describes a failed handshake with one remote peer.
type HandshakeError struct {
	// Identity is the remote identity, zero when the failure happened
	// before the remote HELLO was read.
	Identity  identity.Identity
	Instance  string
	Endpoint  string
	Direction membership.Direction
	Err       error
}

func (e *HandshakeError) Error() string {
	who := e.Endpoint
	if !e.Identity.IsZero() {
		who = e.Identity.String()
	}
	return fmt.Sprintf("%s handshake with %s: %v", e.Direction, who, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// IsReportable reports whether a handshake failure is surfaced to the
// application as an error event rather than only logged. These failures
// point at misconfiguration an operator has to fix.
func IsReportable(err error) bool {
	return errors.Is(err, ErrIdentityConflict) ||
		errors.Is(err, ErrEncryptionMismatch) ||
		errors.Is(err, ErrPassphraseMismatch)
}

// resultLabel maps a handshake outcome to a metrics label.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrHandshakeTimeout):
		return "timeout"
	case errors.Is(err, ErrIdentityConflict):
		return "conflict"
	case errors.Is(err, ErrVersionMismatch):
		return "version"
	case errors.Is(err, ErrGroupMismatch):
		return "group"
	case errors.Is(err, ErrEncryptionMismatch):
		return "encryption"
	case errors.Is(err, ErrPassphraseMismatch):
		return "passphrase"
	case errors.Is(err, ErrMalformedHandshake):
		return "malformed"
	case errors.Is(err, ErrAlreadyConnected), errors.Is(err, ErrBusy):
		return "duplicate"
	default:
		var rej *RejectError
		if errors.As(err, &rej) {
			return "rejected"
		}
		return "error"
	}
}
