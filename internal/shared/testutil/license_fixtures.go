package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"licensehub/pkg/contracts/domain"
)

// Clock is a settable clock shared by services under test
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Test license keys. All are well formed.
const (
	ValidKey     = "ABCD-EFGH-JKLM-NPQR"
	SecondKey    = "STUV-WXYZ-2345-6789"
	ExpiredKey   = "HHHH-JJJJ-KKKK-MMMM"
	SuspendedKey = "PPPP-QQQQ-RRRR-SSSS"
	RevokedKey   = "TTTT-UUUU-VVVV-WWWW"
)

// LicenseTestFixtures builds licenses relative to a clock
type LicenseTestFixtures struct {
	Clock *Clock
	seq   int
}

// NewLicenseTestFixtures creates a fixtures builder
func NewLicenseTestFixtures(clock *Clock) *LicenseTestFixtures {
	if clock == nil {
		clock = NewClock()
	}
	return &LicenseTestFixtures{Clock: clock}
}

// KeyHash mirrors the production key hash so fixtures need not import the
// license package.
func KeyHash(key string) string {
	sum := sha256.Sum256([]byte(strings.ToUpper(strings.TrimSpace(key))))
	return hex.EncodeToString(sum[:])
}

// ActiveLicense returns an active license with no expiry
func (f *LicenseTestFixtures) ActiveLicense(key string, maxDevices int) domain.License {
	f.seq++
	now := f.Clock.Now()
	return domain.License{
		ID:             fmt.Sprintf("lic-%03d", f.seq),
		UserID:         fmt.Sprintf("user-%03d", f.seq),
		PackageID:      "pkg-desktop",
		LicenseKeyHash: KeyHash(key),
		LicenseType:    domain.LicenseTypePro,
		Status:         domain.LicenseStatusActive,
		MaxDevices:     maxDevices,
		Source:         domain.LicenseSourcePurchase,
		CreatedAt:      now.Add(-30 * 24 * time.Hour),
		UpdatedAt:      now.Add(-30 * 24 * time.Hour),
	}
}

// ExpiringLicense returns an active license whose expires_at is offset
// from now (negative for the past).
func (f *LicenseTestFixtures) ExpiringLicense(key string, maxDevices int, offset time.Duration) domain.License {
	lic := f.ActiveLicense(key, maxDevices)
	exp := f.Clock.Now().Add(offset)
	lic.ExpiresAt = &exp
	return lic
}

// SuspendedLicense returns a suspended license
func (f *LicenseTestFixtures) SuspendedLicense(key string) domain.License {
	lic := f.ActiveLicense(key, 3)
	at := f.Clock.Now().Add(-time.Hour)
	lic.Status = domain.LicenseStatusSuspended
	lic.SuspendedAt = &at
	return lic
}

// RevokedLicense returns a revoked license
func (f *LicenseTestFixtures) RevokedLicense(key string) domain.License {
	lic := f.ActiveLicense(key, 3)
	at := f.Clock.Now().Add(-time.Hour)
	lic.Status = domain.LicenseStatusRevoked
	lic.RevokedAt = &at
	return lic
}

// Activity builds an activation event offset from now
func (f *LicenseTestFixtures) Activity(licenseID, deviceHash, ip string, ago time.Duration) domain.ActivityEvent {
	return domain.ActivityEvent{
		LicenseID:    licenseID,
		DeviceIDHash: deviceHash,
		IPAddress:    ip,
		Kind:         domain.ActivityActivation,
		OccurredAt:   f.Clock.Now().Add(-ago),
	}
}
