package license

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hexHash = regexp.MustCompile(`^[0-9a-f]{64}$`)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy pool drained") }

func TestGenerateKey_Format(t *testing.T) {
	for i := 0; i < 200; i++ {
		key, err := GenerateKey()
		require.NoError(t, err)

		require.Len(t, key, 19)
		assert.Equal(t, byte('-'), key[4])
		assert.Equal(t, byte('-'), key[9])
		assert.Equal(t, byte('-'), key[14])

		for j, r := range key {
			if j == 4 || j == 9 || j == 14 {
				continue
			}
			assert.Truef(t, strings.ContainsRune(KeyAlphabet, r), "symbol %q not in alphabet", r)
			assert.NotContains(t, "0O1I", string(r))
		}
		assert.True(t, IsWellFormedKey(key))
	}
}

func TestGenerateKey_Distinct(t *testing.T) {
	seen := make(map[string]struct{}, 100)
	for i := 0; i < 100; i++ {
		key, err := GenerateKey()
		require.NoError(t, err)
		seen[key] = struct{}{}
	}
	assert.Len(t, seen, 100)
}

func TestGenerateKey_Deterministic(t *testing.T) {
	// bytes 0..15 map to the first sixteen alphabet symbols
	src := make([]byte, 16)
	for i := range src {
		src[i] = byte(i)
	}
	codec := NewKeyCodecWithReader(bytes.NewReader(src), 1)

	key, err := codec.GenerateKey()
	require.NoError(t, err)
	assert.Equal(t, "ABCD-EFGH-JKLM-NPQR", key)
}

func TestGenerateKey_EntropyUnavailable(t *testing.T) {
	codec := NewKeyCodecWithReader(failingReader{}, 3)

	_, err := codec.GenerateKey()
	assert.ErrorIs(t, err, ErrEntropyUnavailable)
}

func TestGenerateUniqueKey(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		exists      ExistsFunc
		wantErr     error
		wantCalls   int
		anyErr      bool
		maxAttempts int
	}{
		{
			name:        "first key unused",
			exists:      func(context.Context, string) (bool, error) { return false, nil },
			wantCalls:   1,
			maxAttempts: 10,
		},
		{
			name: "collides twice then succeeds",
			exists: func() ExistsFunc {
				n := 0
				return func(context.Context, string) (bool, error) {
					n++
					return n <= 2, nil
				}
			}(),
			wantCalls:   3,
			maxAttempts: 10,
		},
		{
			name:        "always colliding exhausts budget",
			exists:      func(context.Context, string) (bool, error) { return true, nil },
			wantErr:     ErrKeyGenerationExhausted,
			wantCalls:   10,
			maxAttempts: 10,
		},
		{
			name:        "store error propagates",
			exists:      func(context.Context, string) (bool, error) { return false, errors.New("db down") },
			anyErr:      true,
			wantCalls:   1,
			maxAttempts: 10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			exists := func(ctx context.Context, hash string) (bool, error) {
				calls++
				assert.Regexp(t, hexHash, hash)
				return tt.exists(ctx, hash)
			}

			codec := NewKeyCodec(tt.maxAttempts)
			key, hash, err := codec.GenerateUniqueKey(ctx, exists)

			assert.Equal(t, tt.wantCalls, calls)
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.anyErr:
				assert.Error(t, err)
			default:
				require.NoError(t, err)
				assert.Equal(t, HashKey(key), hash)
			}
		})
	}
}

func TestHashKey_Normalization(t *testing.T) {
	for i := 0; i < 20; i++ {
		key, err := GenerateKey()
		require.NoError(t, err)

		h := HashKey(key)
		assert.Regexp(t, hexHash, h)
		assert.Equal(t, h, HashKey("  "+key+"\t\n"))
		assert.Equal(t, h, HashKey(strings.ToUpper(key)))
		assert.Equal(t, h, HashKey(strings.ToLower(key)))
		assert.Equal(t, h, HashKey(strings.TrimSpace(key)))
	}
}

func TestHashKey_Distinguishes(t *testing.T) {
	assert.Equal(t, HashKey("ABCD-EFGH-JKLM-NPQR"), HashKey("abcd-efgh-jklm-npqr"))
	assert.NotEqual(t, HashKey("ABCD-EFGH-JKLM-NPQR"), HashKey("ABCD-EFGH-JKLM-NPQS"))
}

func TestHashDeviceID(t *testing.T) {
	assert.Regexp(t, hexHash, HashDeviceID("machine-01"))
	assert.Equal(t, HashDeviceID("machine-01"), HashDeviceID(" machine-01 "))
	assert.NotEqual(t, HashDeviceID("machine-01"), HashDeviceID("MACHINE-01"))
}

func TestIsWellFormedKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"ABCD-EFGH-JKLM-NPQR", true},
		{" abcd-efgh-jklm-npqr ", true},
		{"ABCD-EFGH-JKLM-NPQ", false},
		{"ABCDEFGHJKLMNPQRST", false},
		{"ABCD-EFGH-JKLM-NPQ0", false},
		{"ABCD_EFGH-JKLM-NPQR", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, IsWellFormedKey(tt.key))
		})
	}
}
