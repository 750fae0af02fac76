package license

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTokenTTL is used when Issue is called with a non-positive ttl
const DefaultTokenTTL = time.Hour

// Claims is the payload of an activation token
type Claims struct {
	LicenseID    string `json:"license_id"`
	DeviceIDHash string `json:"device_id_hash"`
	jwt.RegisteredClaims
}

// SignedToken is an issued activation token
type SignedToken struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenConfig configures a TokenService
type TokenConfig struct {
	Issuer     string
	DefaultTTL time.Duration
	Now        func() time.Time
}

// TokenService signs and verifies activation tokens. Verify performs no I/O.
type TokenService struct {
	key        []byte
	issuer     string
	defaultTTL time.Duration
	now        func() time.Time
	parser     *jwt.Parser
}

// NewTokenService creates a token service signing with key (HS256)
func NewTokenService(key []byte, cfg TokenConfig) (*TokenService, error) {
	if len(key) == 0 {
		return nil, errors.New("token signing key is empty")
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTokenTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(cfg.Now),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return &TokenService{
		key:        append([]byte(nil), key...),
		issuer:     cfg.Issuer,
		defaultTTL: cfg.DefaultTTL,
		now:        cfg.Now,
		parser:     jwt.NewParser(opts...),
	}, nil
}

// Issue signs a token binding licenseID to deviceIDHash for ttl
func (s *TokenService) Issue(licenseID, deviceIDHash string, ttl time.Duration) (SignedToken, error) {
	if licenseID == "" || deviceIDHash == "" {
		return SignedToken{}, errors.New("license id and device hash are required")
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	// NumericDate has second precision
	issuedAt := s.now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(ttl)

	claims := Claims{
		LicenseID:    licenseID,
		DeviceIDHash: deviceIDHash,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			Subject:   licenseID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return SignedToken{}, fmt.Errorf("failed to sign activation token: %w", err)
	}

	return SignedToken{Token: signed, IssuedAt: issuedAt, ExpiresAt: expiresAt}, nil
}

// Verify checks signature and expiry. A token with a valid signature whose
// expiry has passed yields ErrTokenExpired; everything else that fails
// yields ErrTokenInvalid.
func (s *TokenService) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrTokenInvalid
	}

	claims := &Claims{}
	_, err := s.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return s.key, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired.Wrap(err)
	default:
		return nil, ErrTokenInvalid.Wrap(err)
	}

	if claims.LicenseID == "" || claims.DeviceIDHash == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
