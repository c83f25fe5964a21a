// Package fuzz provides fuzz tests for peernet wire decoding.
// Run with: go test -fuzz=FuzzFrameUnmarshal -fuzztime=30s ./fuzz/
package fuzz

import (
	"bytes"
	"testing"

	"github.com/sunipkm/peernet/pkg/codec"
)

// FuzzBeaconUnmarshal feeds arbitrary datagrams to the beacon decoder.
// Anything that decodes must re-encode to a stable form.
func FuzzBeaconUnmarshal(f *testing.F) {
	valid, _ := (&codec.Beacon{
		Version:  codec.VersionMajor,
		Group:    "lab",
		Name:     "alice",
		Flags:    codec.FlagEncrypted,
		Instance: "2f1c7a3e-6b9d-4a51-9c1e-8d7f0b2a4c6e",
		Endpoint: "/ip4/192.168.1.10/tcp/4001/p2p/12D3KooW",
	}).MarshalBinary()
	f.Add(valid)
	f.Add([]byte(codec.BeaconMagic))
	f.Add([]byte("PNE"))
	f.Add([]byte{})
	f.Add(append([]byte(codec.BeaconMagic), 0xff, 0xff, 0xff))

	f.Fuzz(func(t *testing.T, data []byte) {
		var b codec.Beacon
		if err := b.UnmarshalBinary(data); err != nil {
			return
		}
		first, err := b.MarshalBinary()
		if err != nil {
			return
		}
		var again codec.Beacon
		if err := again.UnmarshalBinary(first); err != nil {
			t.Fatalf("re-decoding an encoded beacon failed: %v", err)
		}
		second, err := again.MarshalBinary()
		if err != nil {
			t.Fatalf("re-encoding failed: %v", err)
		}
		if !bytes.Equal(first, second) {
			t.Fatalf("unstable beacon encoding:\n%x\n%x", first, second)
		}
	})
}

// FuzzFrameUnmarshal feeds arbitrary frame bodies to the frame decoder.
func FuzzFrameUnmarshal(f *testing.F) {
	seeds := []*codec.Frame{
		codec.NewHelloFrame(&codec.Hello{
			Version:  codec.CurrentVersion(),
			Group:    "lab",
			Name:     "bob",
			Instance: "instance",
			Metadata: map[string]string{"role": "sensor"},
		}),
		codec.NewRejectFrame(codec.RejectIdentityConflict, "already connected"),
		codec.NewMessageFrame(&codec.Message{Type: "CHAT", SenderGroup: "lab", SenderName: "bob", Payload: []byte("hi")}),
		codec.NewControlFrame(codec.KindPing),
		codec.NewControlFrame(codec.KindBye),
	}
	for _, fr := range seeds {
		data, err := fr.MarshalBinary()
		if err != nil {
			f.Fatal(err)
		}
		f.Add(data)
	}
	f.Add([]byte{})
	f.Add([]byte{0x08, 0x63})

	f.Fuzz(func(t *testing.T, data []byte) {
		var fr codec.Frame
		if err := fr.UnmarshalBinary(data); err != nil {
			return
		}
		first, err := fr.MarshalBinary()
		if err != nil {
			return
		}
		var again codec.Frame
		if err := again.UnmarshalBinary(first); err != nil {
			t.Fatalf("re-decoding an encoded frame failed: %v", err)
		}
		second, err := again.MarshalBinary()
		if err != nil {
			t.Fatalf("re-encoding failed: %v", err)
		}
		if !bytes.Equal(first, second) {
			t.Fatalf("unstable frame encoding:\n%x\n%x", first, second)
		}
	})
}

// FuzzReadFrame feeds arbitrary streams to the frame reader. The reader
// must stop with an error instead of panicking or looping.
func FuzzReadFrame(f *testing.F) {
	var buf bytes.Buffer
	w := codec.NewWriter(&buf, 0)
	_ = w.WriteFrame(codec.NewControlFrame(codec.KindPing))
	_ = w.WriteFrame(codec.NewMessageFrame(&codec.Message{Type: "T", SenderGroup: "g", SenderName: "n"}))
	f.Add(buf.Bytes())
	f.Add([]byte{0xff, 0xff, 0xff, 0xff, 0x0f})
	f.Add([]byte{0x02, 0x08})

	f.Fuzz(func(t *testing.T, data []byte) {
		r := codec.NewReader(bytes.NewReader(data), 1<<16)
		for i := 0; i <= len(data); i++ {
			if _, err := r.ReadFrame(); err != nil {
				return
			}
		}
		t.Fatalf("reader returned more frames than input bytes")
	})
}
