package security

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// MinSecretLength is the shortest master secret accepted
	MinSecretLength = 32

	// SigningKeySize is the length of derived HMAC keys
	SigningKeySize = 32

	// PurposeActivationToken is the HKDF info for activation token keys
	PurposeActivationToken = "licensehub/activation-token/v1"
)

var ErrWeakSecret = errors.New("master secret is too short")

// KeyDeriver derives per-purpose keys from one master secret so rotating
// the secret rotates every derived key.
type KeyDeriver struct {
	secret []byte
	salt   []byte
}

// NewKeyDeriver validates the secret and returns a deriver
func NewKeyDeriver(secret, salt []byte) (*KeyDeriver, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d", ErrWeakSecret, MinSecretLength, len(secret))
	}
	return &KeyDeriver{
		secret: append([]byte(nil), secret...),
		salt:   append([]byte(nil), salt...),
	}, nil
}

// Derive returns a SigningKeySize key for purpose using HKDF-SHA256
func (d *KeyDeriver) Derive(purpose string) ([]byte, error) {
	if purpose == "" {
		return nil, errors.New("key purpose is required")
	}

	r := hkdf.New(sha256.New, d.secret, d.salt, []byte(purpose))
	key := make([]byte, SigningKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return key, nil
}

// ClearKey zeroes key material
func ClearKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}
