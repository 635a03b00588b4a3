package storage

import (
	"fmt"

	"github.com/irbridge/irgate/internal/util"
)

const (
	envelopeVersion = 1
	envelopeScheme  = "aes256gcm"
)

// Envelope is a sealed session record containing AES-256-GCM encrypted data.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// SealRecord encrypts plaintext into an Envelope using the given key and AAD.
func SealRecord(key, plaintext, aad []byte) (*Envelope, error) {
	sealed, err := util.Seal(plaintext, key, aad)
	if err != nil {
		return nil, err
	}

	// util.Seal returns nonce || ciphertext.
	n := util.NonceSize()
	return &Envelope{
		Ver:        envelopeVersion,
		Scheme:     envelopeScheme,
		Nonce:      sealed[:n],
		Ciphertext: sealed[n:],
	}, nil
}

// OpenRecord decrypts an Envelope using the given key and AAD.
func OpenRecord(key []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope == nil {
		return nil, fmt.Errorf("nil envelope")
	}
	if envelope.Ver != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != envelopeScheme {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}

	// Reconstruct nonce || ciphertext without mutating envelope fields.
	full := make([]byte, len(envelope.Nonce)+len(envelope.Ciphertext))
	copy(full, envelope.Nonce)
	copy(full[len(envelope.Nonce):], envelope.Ciphertext)

	return util.Open(full, key, aad)
}

// Clone returns a deep copy so backends never share slices with callers.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	return &Envelope{
		Ver:        e.Ver,
		Scheme:     e.Scheme,
		Nonce:      append([]byte(nil), e.Nonce...),
		Ciphertext: append([]byte(nil), e.Ciphertext...),
	}
}
