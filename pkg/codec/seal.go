package codec

import "fmt"

// Sealer encrypts and authenticates payloads. *crypto.Cipher satisfies it.
type Sealer interface {
	Encrypt(plaintext, additionalData []byte) ([]byte, error)
	Decrypt(data, additionalData []byte) ([]byte, error)
}

// routingData is the additional data bound to a sealed payload. The
// routing fields stay readable for dispatch but cannot be altered or
// moved onto another payload.
func (m *Message) routingData() []byte {
	b := appendString(nil, messageType, m.Type)
	b = appendString(b, messageSenderGroup, m.SenderGroup)
	return appendString(b, messageSenderName, m.SenderName)
}

// Seal replaces the payload with its ciphertext.
func (m *Message) Seal(s Sealer) error {
	sealed, err := s.Encrypt(m.Payload, m.routingData())
	if err != nil {
		return fmt.Errorf("seal %s payload: %w", m.Type, err)
	}
	m.Payload = sealed
	return nil
}

// Open replaces a sealed payload with its plaintext.
func (m *Message) Open(s Sealer) error {
	plain, err := s.Decrypt(m.Payload, m.routingData())
	if err != nil {
		return fmt.Errorf("open %s payload: %w", m.Type, err)
	}
	m.Payload = plain
	return nil
}
