package license

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

const (
	// KeyAlphabet omits 0, O, 1, I and L
	KeyAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	keyGroups    = 4
	keyGroupSize = 4
	keySymbols   = keyGroups * keyGroupSize

	// KeyLength is the formatted length including dashes
	KeyLength = keySymbols + keyGroups - 1

	// DefaultKeyAttempts bounds GenerateUniqueKey
	DefaultKeyAttempts = 10
)

// ExistsFunc reports whether a key hash is already stored
type ExistsFunc func(ctx context.Context, keyHash string) (bool, error)

// KeyCodec generates, normalizes and hashes license keys
type KeyCodec struct {
	entropy     io.Reader
	maxAttempts int
}

// NewKeyCodec creates a codec backed by crypto/rand
func NewKeyCodec(maxAttempts int) *KeyCodec {
	return NewKeyCodecWithReader(rand.Reader, maxAttempts)
}

// NewKeyCodecWithReader creates a codec reading entropy from r
func NewKeyCodecWithReader(r io.Reader, maxAttempts int) *KeyCodec {
	if maxAttempts <= 0 {
		maxAttempts = DefaultKeyAttempts
	}
	return &KeyCodec{entropy: r, maxAttempts: maxAttempts}
}

// GenerateKey draws 16 symbols and formats them as XXXX-XXXX-XXXX-XXXX
func (c *KeyCodec) GenerateKey() (string, error) {
	buf := make([]byte, keySymbols)
	if _, err := io.ReadFull(c.entropy, buf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEntropyUnavailable, err)
	}

	var b strings.Builder
	b.Grow(KeyLength)
	for i, v := range buf {
		if i > 0 && i%keyGroupSize == 0 {
			b.WriteByte('-')
		}
		// alphabet size is 32 so masking the low bits is unbiased
		b.WriteByte(KeyAlphabet[v&31])
	}
	return b.String(), nil
}

// GenerateUniqueKey generates keys until exists reports the hash unused.
// It returns the plaintext key and its hash.
func (c *KeyCodec) GenerateUniqueKey(ctx context.Context, exists ExistsFunc) (string, string, error) {
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", "", err
		}

		key, err := c.GenerateKey()
		if err != nil {
			return "", "", err
		}
		hash := HashKey(key)

		taken, err := exists(ctx, hash)
		if err != nil {
			return "", "", fmt.Errorf("failed to check key uniqueness: %w", err)
		}
		if !taken {
			return key, hash, nil
		}
	}
	return "", "", ErrKeyGenerationExhausted
}

// NormalizeKey trims whitespace and upper-cases the key
func NormalizeKey(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// HashKey returns the lowercase hex SHA-256 of the normalized key. It is a
// lookup index, not a password hash, so no salt is used.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(NormalizeKey(raw)))
	return hex.EncodeToString(sum[:])
}

// HashDeviceID hashes a client device fingerprint. Fingerprints are opaque,
// so only surrounding whitespace is removed.
func HashDeviceID(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}

// IsWellFormedKey reports whether raw, once normalized, has the key layout
// and only alphabet symbols.
func IsWellFormedKey(raw string) bool {
	key := NormalizeKey(raw)
	if len(key) != KeyLength {
		return false
	}
	for i := 0; i < len(key); i++ {
		if i%(keyGroupSize+1) == keyGroupSize {
			if key[i] != '-' {
				return false
			}
			continue
		}
		if !strings.ContainsRune(KeyAlphabet, rune(key[i])) {
			return false
		}
	}
	return true
}

var defaultCodec = NewKeyCodec(DefaultKeyAttempts)

// GenerateKey generates a key with the default codec
func GenerateKey() (string, error) {
	return defaultCodec.GenerateKey()
}
