package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// NonceSize is the size of the nonce used with ChaCha20-Poly1305.
	NonceSize = chacha20poly1305.NonceSize // 12 bytes

	// TagSize is the size of the authentication tag.
	TagSize = chacha20poly1305.Overhead // 16 bytes

	// KeySize is the required key size for ChaCha20-Poly1305.
	KeySize = chacha20poly1305.KeySize // 32 bytes

	// Overhead is the number of bytes Encrypt adds to a plaintext.
	Overhead = NonceSize + TagSize
)

// Sentinel errors for payload encryption.
var (
	// ErrCipherClosed indicates the cipher's key material has been released.
	ErrCipherClosed = errors.New("cipher closed")

	// ErrAuthFailed indicates the ciphertext or its additional data was
	// modified, or was sealed under a different key.
	ErrAuthFailed = errors.New("message authentication failed")

	// ErrShortCiphertext indicates the input cannot hold a nonce and tag.
	ErrShortCiphertext = errors.New("ciphertext too short")
)

// Cipher seals message payloads with ChaCha20-Poly1305.
// Sealed output is laid out as [12-byte nonce][ciphertext][16-byte tag].
// It is safe for concurrent use; Close may race with Encrypt and Decrypt.
type Cipher struct {
	mu   sync.RWMutex
	aead cipher.AEAD
	key  []byte
}

// NewCipher creates a cipher for a 32-byte key. The key is copied.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size: expected %d bytes, got %d", KeySize, len(key))
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	keyCopy := make([]byte, len(key))
	copy(keyCopy, key)

	return &Cipher{aead: aead, key: keyCopy}, nil
}

// Encrypt seals plaintext under a fresh random nonce. additionalData is
// authenticated but not encrypted and must be presented again to Decrypt.
func (c *Cipher) Encrypt(plaintext, additionalData []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.EncryptWithNonce(nonce, plaintext, additionalData)
}

// EncryptWithNonce seals plaintext under the given nonce.
// A nonce must never be reused with the same key; this exists for tests
// that need deterministic output.
func (c *Cipher) EncryptWithNonce(nonce, plaintext, additionalData []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("invalid nonce size: expected %d bytes, got %d", NonceSize, len(nonce))
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.aead == nil {
		return nil, ErrCipherClosed
	}

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	copy(out, nonce)
	return c.aead.Seal(out, nonce, plaintext, additionalData), nil
}

// Decrypt opens data produced by Encrypt.
func (c *Cipher) Decrypt(data, additionalData []byte) ([]byte, error) {
	if len(data) < Overhead {
		return nil, fmt.Errorf("%w: minimum %d bytes, got %d", ErrShortCiphertext, Overhead, len(data))
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.aead == nil {
		return nil, ErrCipherClosed
	}

	plaintext, err := c.aead.Open(nil, data[:NonceSize], data[NonceSize:], additionalData)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// Close zeros this cipher's copy of the key. The AEAD keeps its own
// expanded copy, which is released to the garbage collector.
func (c *Cipher) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aead == nil {
		return
	}
	SecureZero(c.key)
	c.key = nil
	c.aead = nil
}

// IsClosed returns true once Close has been called.
func (c *Cipher) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.aead == nil
}
