package connection

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sunipkm/peernet/pkg/codec"
	"github.com/sunipkm/peernet/pkg/identity"
	"github.com/sunipkm/peernet/pkg/membership"
)

func TestRejectCodeRoundTrip(t *testing.T) {
	sentinels := []error{
		ErrMalformedHandshake,
		ErrVersionMismatch,
		ErrGroupMismatch,
		ErrEncryptionMismatch,
		ErrPassphraseMismatch,
		ErrIdentityConflict,
		ErrAlreadyConnected,
		ErrBusy,
		ErrUnexpectedPeer,
		ErrShuttingDown,
	}
	for _, sentinel := range sentinels {
		t.Run(sentinel.Error(), func(t *testing.T) {
			code := rejectCode(fmt.Errorf("wrapped: %w", sentinel))
			assert.NotEqual(t, codec.RejectUnspecified, code)
			rej := &RejectError{Code: code}
			assert.ErrorIs(t, rej, sentinel)
		})
	}

	assert.Equal(t, codec.RejectUnspecified, rejectCode(errors.New("other")))
	assert.ErrorIs(t, &RejectError{Code: codec.RejectUnspecified}, ErrRejected)
}

func TestIsReportable(t *testing.T) {
	assert.True(t, IsReportable(ErrIdentityConflict))
	assert.True(t, IsReportable(&RejectError{Code: codec.RejectPassphrase}))
	assert.True(t, IsReportable(&HandshakeError{Err: ErrEncryptionMismatch}))
	assert.False(t, IsReportable(ErrHandshakeTimeout))
	assert.False(t, IsReportable(ErrBusy))
}

func TestResultLabel(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "success"},
		{ErrHandshakeTimeout, "timeout"},
		{ErrIdentityConflict, "conflict"},
		{ErrBusy, "duplicate"},
		{&RejectError{Code: codec.RejectGroup}, "group"},
		{&RejectError{Code: codec.RejectUnspecified}, "rejected"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, resultLabel(tt.err))
	}
}

func TestHandshakeError_Message(t *testing.T) {
	err := &HandshakeError{
		Identity:  identity.New("lab", "bob"),
		Direction: membership.DirectionOutbound,
		Err:       ErrGroupMismatch,
	}
	assert.Contains(t, err.Error(), "outbound handshake with lab/bob")
	assert.ErrorIs(t, err, ErrGroupMismatch)

	anon := &HandshakeError{Endpoint: "mem://3", Direction: membership.DirectionInbound, Err: ErrHandshakeTimeout}
	assert.Contains(t, anon.Error(), "mem://3")
}
