package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	// passphraseSalt is fixed: every peer must derive the same key from
	// the same passphrase without exchanging anything first.
	passphraseSalt = "peernet-v1-passphrase-salt"

	// hkdfInfo separates the payload key from any other use of the
	// stretched passphrase.
	hkdfInfo = "peernet-v1-payload-key"

	// keyCheckToken is sealed into every HELLO so the receiver can tell a
	// wrong passphrase apart from a corrupted frame.
	keyCheckToken = "peernet-key-check"

	argonTime    = 1
	argonMemory  = 19 * 1024 // KiB
	argonThreads = 1
)

// ErrEmptyPassphrase is returned when deriving a key from "".
var ErrEmptyPassphrase = errors.New("passphrase cannot be empty")

// ErrKeyMismatch is returned by VerifyKeyCheck when the remote peer's
// key check was sealed under a different key.
var ErrKeyMismatch = errors.New("key check failed: passphrases differ")

// DeriveKey stretches a passphrase with Argon2id and expands the result
// with HKDF-SHA256 into a KeySize payload key. The intermediate secret is
// zeroed before returning.
func DeriveKey(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}

	secret := argon2.IDKey([]byte(passphrase), []byte(passphraseSalt),
		argonTime, argonMemory, argonThreads, KeySize)
	defer SecureZero(secret)

	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("HKDF expansion failed: %w", err)
	}
	return key, nil
}

// NewPassphraseCipher derives the payload key for passphrase and wraps it
// in a Cipher. The derived key is zeroed once the cipher holds its copy.
func NewPassphraseCipher(passphrase string) (*Cipher, error) {
	key, err := DeriveKey(passphrase)
	if err != nil {
		return nil, err
	}
	defer SecureZero(key)
	return NewCipher(key)
}

// KeyCheck seals a fixed token bound to the sender's instance ID.
func KeyCheck(c *Cipher, instance string) ([]byte, error) {
	return c.Encrypt([]byte(keyCheckToken), []byte(instance))
}

// VerifyKeyCheck opens a remote key check. It returns ErrKeyMismatch when
// the remote side used a different passphrase.
func VerifyKeyCheck(c *Cipher, instance string, check []byte) error {
	plain, err := c.Decrypt(check, []byte(instance))
	if err != nil {
		if errors.Is(err, ErrCipherClosed) {
			return err
		}
		return ErrKeyMismatch
	}
	if !Equal(plain, []byte(keyCheckToken)) {
		return ErrKeyMismatch
	}
	return nil
}
