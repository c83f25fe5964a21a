package peernet

import (
	"errors"
	"fmt"

	"github.com/sunipkm/peernet/pkg/connection"
	"github.com/sunipkm/peernet/pkg/identity"
)

// ErrorCode identifies the type of error for programmatic handling.
type ErrorCode int

const (
	// ErrCodeUnknown indicates an unknown or unclassified error.
	ErrCodeUnknown ErrorCode = iota

	// ErrCodeInvalidConfig indicates the configuration is invalid.
	ErrCodeInvalidConfig

	// ErrCodeNotRunning indicates the peer has not been started.
	ErrCodeNotRunning

	// ErrCodeAlreadyRunning indicates the peer is already running.
	ErrCodeAlreadyRunning

	// ErrCodeIdentityInUse indicates another local peer runs with the
	// same identity in this process.
	ErrCodeIdentityInUse

	// ErrCodeIdentityConflict indicates a remote peer claims an identity
	// that is already held by a different live connection.
	ErrCodeIdentityConflict

	// ErrCodePeerUnknown indicates no connected peer has the identity.
	ErrCodePeerUnknown

	// ErrCodeHandshakeFailed indicates the handshake failed.
	ErrCodeHandshakeFailed

	// ErrCodeSendFailed indicates a message could not be queued.
	ErrCodeSendFailed

	// ErrCodeEncryptionFailed indicates message encryption failed.
	ErrCodeEncryptionFailed

	// ErrCodeHandlerPanic indicates an application handler panicked.
	ErrCodeHandlerPanic

	// ErrCodeTransport indicates the transport could not be opened.
	ErrCodeTransport
)

// String returns a human-readable name for the error code.
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeUnknown:
		return "Unknown"
	case ErrCodeInvalidConfig:
		return "InvalidConfig"
	case ErrCodeNotRunning:
		return "NotRunning"
	case ErrCodeAlreadyRunning:
		return "AlreadyRunning"
	case ErrCodeIdentityInUse:
		return "IdentityInUse"
	case ErrCodeIdentityConflict:
		return "IdentityConflict"
	case ErrCodePeerUnknown:
		return "PeerUnknown"
	case ErrCodeHandshakeFailed:
		return "HandshakeFailed"
	case ErrCodeSendFailed:
		return "SendFailed"
	case ErrCodeEncryptionFailed:
		return "EncryptionFailed"
	case ErrCodeHandlerPanic:
		return "HandlerPanic"
	case ErrCodeTransport:
		return "Transport"
	default:
		return fmt.Sprintf("ErrorCode(%d)", c)
	}
}

// Error represents a peernet error with rich context.
// It provides structured information for programmatic error handling.
type Error struct {
	// Code identifies the type of error.
	Code ErrorCode

	// Message is a human-readable description of the error.
	Message string

	// Identity is the remote peer associated with the error, if any.
	Identity identity.Identity

	// MessageType is the message type associated with the error, if any.
	MessageType string

	// Cause is the underlying error, if any.
	Cause error

	// Retriable indicates whether the operation can be retried.
	Retriable bool
}

// Error returns a human-readable error message.
func (e *Error) Error() string {
	msg := e.Message
	if !e.Identity.IsZero() {
		msg = fmt.Sprintf("%s (%s)", msg, e.Identity)
	}
	if e.Cause != nil {
		return fmt.Sprintf("peernet: %s: %v", msg, e.Cause)
	}
	return fmt.Sprintf("peernet: %s", msg)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// Two peernet errors are considered equal if they have the same error code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// IsRetriable returns true if the error indicates a retriable operation.
func IsRetriable(err error) bool {
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.Retriable
	}
	return false
}

// IsPermanent returns true if the error indicates a failure that retrying
// cannot fix without operator action.
func IsPermanent(err error) bool {
	var pErr *Error
	if errors.As(err, &pErr) {
		switch pErr.Code {
		case ErrCodeInvalidConfig, ErrCodeIdentityConflict, ErrCodeIdentityInUse:
			return true
		}
	}
	return false
}

// NewError creates a new peernet Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// NewErrorWithCause creates a new peernet Error with the given code,
// message, and cause.
func NewErrorWithCause(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewPeerError creates a new peernet Error associated with a remote peer.
func NewPeerError(code ErrorCode, message string, id identity.Identity) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Identity: id,
	}
}

// Sentinel errors for configuration.
var (
	// ErrInvalidConfig indicates the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidName indicates a peer or group name is unusable.
	ErrInvalidName = errors.New("invalid name")

	// ErrInvalidMessageType indicates a message type is unusable.
	ErrInvalidMessageType = errors.New("invalid message type")

	// ErrMissingPassphrase indicates encryption was requested without a
	// passphrase.
	ErrMissingPassphrase = errors.New("encryption requires a passphrase")

	// ErrMetadataTooLarge indicates the connect metadata is too large.
	ErrMetadataTooLarge = errors.New("metadata too large")
)

// Sentinel errors for peer lifecycle.
var (
	// ErrNotRunning indicates the peer has not been started or was stopped.
	ErrNotRunning = errors.New("peer not running")

	// ErrAlreadyRunning indicates the peer is already running.
	ErrAlreadyRunning = errors.New("peer already running")

	// ErrIdentityInUse indicates another local peer with the same identity
	// is running in this process.
	ErrIdentityInUse = errors.New("identity in use by another local peer")
)

// Sentinel errors for messaging.
var (
	// ErrPeerUnknown indicates there is no connected peer with the identity.
	ErrPeerUnknown = errors.New("peer unknown")

	// ErrMessageTooLarge indicates the payload exceeds the frame limit.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrSendTimeout indicates the peer's send queue stayed full.
	ErrSendTimeout = connection.ErrSendTimeout
)

// Handshake errors reported through OnError. They match with errors.Is on
// both ends of the failed handshake.
var (
	ErrIdentityConflict   = connection.ErrIdentityConflict
	ErrEncryptionMismatch = connection.ErrEncryptionMismatch
	ErrPassphraseMismatch = connection.ErrPassphraseMismatch
	ErrHandshakeTimeout   = connection.ErrHandshakeTimeout
)

// HandshakeError describes a failed handshake with one remote peer.
type HandshakeError = connection.HandshakeError

// wrapError converts an engine error reported through OnError into an
// *Error when its kind is known.
func wrapError(err error) error {
	var perr *PanicError
	if errors.As(err, &perr) {
		return &Error{
			Code:     ErrCodeHandlerPanic,
			Message:  perr.Kind.String() + " handler panicked",
			Identity: perr.Identity,
			Cause:    err,
		}
	}
	var herr *HandshakeError
	if !errors.As(err, &herr) {
		return err
	}
	code := ErrCodeHandshakeFailed
	if errors.Is(err, ErrIdentityConflict) {
		code = ErrCodeIdentityConflict
	}
	return &Error{
		Code:     code,
		Message:  "handshake failed",
		Identity: herr.Identity,
		Cause:    err,
	}
}
