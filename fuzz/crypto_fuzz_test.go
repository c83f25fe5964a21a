package fuzz

import (
	"bytes"
	"testing"

	"github.com/sunipkm/peernet/pkg/codec"
	"github.com/sunipkm/peernet/pkg/crypto"
)

var fuzzKey = bytes.Repeat([]byte{0x42}, crypto.KeySize)

// FuzzDecrypt checks that corrupted or hostile ciphertext is rejected
// without panicking and that nothing but the sealed plaintext opens.
func FuzzDecrypt(f *testing.F) {
	c, err := crypto.NewCipher(fuzzKey)
	if err != nil {
		f.Fatal(err)
	}
	valid, _ := c.Encrypt([]byte("test message"), []byte("ad"))
	f.Add(valid, []byte("ad"))
	f.Add(valid, []byte("other"))
	f.Add([]byte{1, 2, 3}, []byte{})
	f.Add([]byte{}, []byte{})
	tampered := bytes.Clone(valid)
	tampered[len(tampered)-1] ^= 0xff
	f.Add(tampered, []byte("ad"))

	f.Fuzz(func(t *testing.T, data, ad []byte) {
		plain, err := c.Decrypt(data, ad)
		if err != nil {
			return
		}
		if !bytes.Equal(data, valid) || !bytes.Equal(ad, []byte("ad")) {
			t.Fatalf("forged ciphertext opened to %q", plain)
		}
	})
}

// FuzzSealOpen checks that any message sealed with a key opens to its
// original payload and that routing fields are authenticated.
func FuzzSealOpen(f *testing.F) {
	c, err := crypto.NewCipher(fuzzKey)
	if err != nil {
		f.Fatal(err)
	}
	f.Add("CHAT", "lab", "alice", []byte("hello"))
	f.Add("", "", "", []byte{})
	f.Add("T", "g", "n", bytes.Repeat([]byte{0}, 1024))

	f.Fuzz(func(t *testing.T, msgType, group, name string, payload []byte) {
		msg := &codec.Message{Type: msgType, SenderGroup: group, SenderName: name, Payload: bytes.Clone(payload)}
		if err := msg.Seal(c); err != nil {
			t.Fatalf("seal: %v", err)
		}

		moved := *msg
		moved.SenderName = name + "x"
		if err := moved.Open(c); err == nil {
			t.Fatalf("payload opened under a different sender")
		}

		if err := msg.Open(c); err != nil {
			t.Fatalf("open: %v", err)
		}
		if !bytes.Equal(msg.Payload, payload) {
			t.Fatalf("payload changed: got %x, want %x", msg.Payload, payload)
		}
	})
}
