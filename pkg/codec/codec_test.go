package codec

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sunipkm/peernet/pkg/crypto"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestBeacon_RoundTrip(t *testing.T) {
	in := &Beacon{
		Version:  VersionMajor,
		Group:    "chat",
		Name:     "alice",
		Flags:    FlagEncrypted,
		Instance: "3f1c8e0e-0000-4000-8000-000000000001",
		Endpoint: "/ip4/10.0.0.2/tcp/4001/p2p/12D3KooW",
	}
	data, err := in.MarshalBinary()
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte(BeaconMagic)))

	var out Beacon
	require.NoError(t, out.UnmarshalBinary(data))
	assert.Equal(t, *in, out)
	assert.True(t, out.Flags.Has(FlagEncrypted))
	assert.Equal(t, "chat/alice", out.Identity().String())
}

func TestBeacon_Unmarshal_Rejects(t *testing.T) {
	valid, err := (&Beacon{Version: 1, Group: "g", Name: "n", Instance: "i"}).MarshalBinary()
	require.NoError(t, err)

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"foreign datagram", []byte("M-SEARCH * HTTP/1.1"), ErrBadMagic},
		{"empty", nil, ErrBadMagic},
		{"truncated", valid[:len(valid)-1], ErrMalformed},
		{"no identity", []byte(BeaconMagic), ErrMalformed},
		{"no instance", mustBeacon(t, &Beacon{Version: 1, Group: "g", Name: "n"}), ErrMalformed},
		{"bad name", mustBeacon(t, &Beacon{Version: 1, Group: "g", Name: "a/b", Instance: "i"}), ErrMalformed},
		{"oversized", append([]byte(BeaconMagic), make([]byte, MaxBeaconSize)...), ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b Beacon
			assert.ErrorIs(t, b.UnmarshalBinary(tt.data), tt.wantErr)
		})
	}
}

func TestBeacon_UnknownFieldsSkipped(t *testing.T) {
	data := mustBeacon(t, &Beacon{Version: 2, Group: "g", Name: "n", Instance: "i"})
	data = protowire.AppendTag(data, 99, protowire.BytesType)
	data = protowire.AppendString(data, "future")

	var b Beacon
	require.NoError(t, b.UnmarshalBinary(data))
	assert.Equal(t, uint32(2), b.Version, "version is decoded but left for the caller to judge")
}

func mustBeacon(t *testing.T, b *Beacon) []byte {
	t.Helper()
	data, err := b.MarshalBinary()
	require.NoError(t, err)
	return data
}

func TestFrame_RoundTrip(t *testing.T) {
	frames := []*Frame{
		NewHelloFrame(&Hello{
			Version:  CurrentVersion(),
			Group:    "chat",
			Name:     "bob",
			Instance: "inst",
			Flags:    FlagEncrypted,
			KeyCheck: []byte{1, 2, 3},
			Metadata: map[string]string{"role": "relay", "zone": "b"},
		}),
		NewRejectFrame(RejectIdentityConflict, "chat/bob already connected"),
		NewMessageFrame(&Message{Type: "CHAT", SenderGroup: "chat", SenderName: "bob", Payload: []byte("hi")}),
		NewControlFrame(KindAccept),
		NewControlFrame(KindPing),
		NewControlFrame(KindPong),
		NewControlFrame(KindBye),
	}

	for _, in := range frames {
		t.Run(in.Kind.String(), func(t *testing.T) {
			data, err := in.MarshalBinary()
			require.NoError(t, err)

			var out Frame
			require.NoError(t, out.UnmarshalBinary(data))
			assert.Equal(t, in, &out)
		})
	}
}

func TestFrame_Unmarshal_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"unknown kind", protowire.AppendVarint(protowire.AppendTag(nil, 1, protowire.VarintType), 42)},
		{"hello without body", protowire.AppendVarint(protowire.AppendTag(nil, 1, protowire.VarintType), uint64(KindHello))},
		{"message without body", protowire.AppendVarint(protowire.AppendTag(nil, 1, protowire.VarintType), uint64(KindMessage))},
		{"bad tag", []byte{0xff, 0xff, 0xff}},
		{"kind as bytes", protowire.AppendString(protowire.AppendTag(nil, 1, protowire.BytesType), "x")},
		{"message type too long", mustFrame(t, NewMessageFrame(&Message{
			Type: strings.Repeat("T", 300), SenderGroup: "g", SenderName: "n",
		}))},
		{"message without sender", mustFrame(t, NewMessageFrame(&Message{Type: "CHAT"}))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f Frame
			assert.ErrorIs(t, f.UnmarshalBinary(tt.data), ErrMalformed)
		})
	}
}

func mustFrame(t *testing.T, f *Frame) []byte {
	t.Helper()
	data, err := f.MarshalBinary()
	require.NoError(t, err)
	return data
}

func TestFrame_Marshal_MissingBody(t *testing.T) {
	_, err := (&Frame{Kind: KindHello}).MarshalBinary()
	assert.Error(t, err)
	_, err = (&Frame{Kind: Kind(77)}).MarshalBinary()
	assert.Error(t, err)
}

func TestStream_ReadWrite(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 0)
	r := NewReader(&buf, 0)

	msg := &Message{Type: "CHAT", SenderGroup: "chat", SenderName: "alice", Payload: []byte("hello")}
	require.NoError(t, w.WriteFrame(NewMessageFrame(msg)))
	require.NoError(t, w.WriteFrame(NewControlFrame(KindPing)))

	f, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, KindMessage, f.Kind)
	assert.Equal(t, msg, f.Message)

	f, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, KindPing, f.Kind)

	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_MalformedFrameIsSkipped(t *testing.T) {
	var buf bytes.Buffer
	junk := []byte{0x08, 0x63} // kind 99
	buf.WriteByte(byte(len(junk)))
	buf.Write(junk)
	require.NoError(t, NewWriter(&buf, 0).WriteFrame(NewControlFrame(KindBye)))

	r := NewReader(&buf, 0)
	_, err := r.ReadFrame()
	require.ErrorIs(t, err, ErrMalformed)

	f, err := r.ReadFrame()
	require.NoError(t, err, "reader stays aligned after a malformed frame")
	assert.Equal(t, KindBye, f.Kind)
}

func TestStream_FrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 16)
	err := w.WriteFrame(NewMessageFrame(&Message{
		Type: "BLOB", SenderGroup: "g", SenderName: "n", Payload: make([]byte, 64),
	}))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Zero(t, buf.Len(), "nothing is written for a rejected frame")

	buf.Write([]byte{0xff, 0xff, 0x7f})
	_, err = NewReader(&buf, 1024).ReadFrame()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestStream_TruncatedBody(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x10, 0x08})
	_, err := NewReader(buf, 0).ReadFrame()
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF), "got %v", err)
}

func TestMessage_SealOpen(t *testing.T) {
	alice, err := crypto.NewPassphraseCipher("shared")
	require.NoError(t, err)
	bob, err := crypto.NewPassphraseCipher("shared")
	require.NoError(t, err)
	eve, err := crypto.NewPassphraseCipher("guess")
	require.NoError(t, err)

	orig := Message{Type: "CHAT", SenderGroup: "chat", SenderName: "alice", Payload: []byte("hello")}

	sealed := orig
	require.NoError(t, sealed.Seal(alice))
	assert.NotEqual(t, orig.Payload, sealed.Payload)

	// encode and decode across the wire
	data, err := NewMessageFrame(&sealed).MarshalBinary()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, f.UnmarshalBinary(data))

	received := *f.Message
	require.NoError(t, received.Open(bob))
	assert.Equal(t, orig, received)

	t.Run("wrong passphrase", func(t *testing.T) {
		m := *f.Message
		assert.ErrorIs(t, m.Open(eve), crypto.ErrAuthFailed)
	})

	t.Run("rerouted payload", func(t *testing.T) {
		m := *f.Message
		m.SenderName = "mallory"
		assert.ErrorIs(t, m.Open(bob), crypto.ErrAuthFailed)
	})
}

func TestVersion(t *testing.T) {
	v := Version{Major: 1, Minor: 2, Patch: 3}
	assert.Equal(t, "1.2.3", v.String())
	assert.Equal(t, v, UnpackVersion(v.Pack()))
	assert.True(t, v.Compatible(Version{Major: 1, Minor: 0, Patch: 9}))
	assert.False(t, v.Compatible(Version{Major: 1, Minor: 3}))
	assert.False(t, v.Compatible(Version{Major: 2}))
	assert.True(t, v.IsNewer(Version{Major: 1, Minor: 2, Patch: 2}))

	parsed, err := ParseVersion("1.2.3")
	require.NoError(t, err)
	assert.Equal(t, v, parsed)
	_, err = ParseVersion("one")
	assert.Error(t, err)
}

func TestHello_MetadataEncodingIsStable(t *testing.T) {
	h := &Hello{
		Version:  CurrentVersion(),
		Group:    "chat",
		Name:     "alice",
		Instance: "i",
		Metadata: map[string]string{"c": "3", "a": "1", "b": "2", "d": "4"},
	}
	first, err := NewHelloFrame(h).MarshalBinary()
	require.NoError(t, err)
	for range 10 {
		again, err := NewHelloFrame(h).MarshalBinary()
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
