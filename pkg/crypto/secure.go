// Package crypto provides the symmetric payload encryption used between
// peers that share a passphrase: key derivation, an AEAD cipher and a key
// check that lets a handshake detect mismatched passphrases.
package crypto

import "crypto/subtle"

// SecureZero overwrites b with zeros so key material does not linger
// after use. It cannot reach copies made by the runtime or by other
// packages.
func SecureZero(b []byte) {
	clear(b)
}

// SecureZeroMultiple zeros each slice in turn.
func SecureZeroMultiple(slices ...[]byte) {
	for _, b := range slices {
		SecureZero(b)
	}
}

// Equal compares two byte slices in constant time.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
