// Package storagetest holds a conformance suite every license.Store
// implementation must pass.
package storagetest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"

	"licensehub/internal/license"
	"licensehub/internal/shared/testutil"
	"licensehub/pkg/contracts/domain"
)

// StoreSuite runs repository contract tests against a fresh store per test
type StoreSuite struct {
	suite.Suite
	NewStore func(now func() time.Time) license.Store

	store    license.Store
	fixtures *testutil.LicenseTestFixtures
	ctx      context.Context
}

func (s *StoreSuite) SetupTest() {
	s.fixtures = testutil.NewLicenseTestFixtures(nil)
	s.store = s.NewStore(s.fixtures.Clock.Now)
	s.ctx = context.Background()
}

func (s *StoreSuite) TearDownTest() {
	s.Require().NoError(s.store.Close())
}

func (s *StoreSuite) seed(lic domain.License) domain.License {
	s.Require().NoError(s.store.CreateLicense(s.ctx, &lic))
	return lic
}

func (s *StoreSuite) activate(licenseID, device string) (*domain.DeviceActivation, bool, error) {
	now := s.fixtures.Clock.Now()
	return s.store.CreateDeviceActivation(s.ctx, &domain.DeviceActivation{
		LicenseID:      licenseID,
		DeviceIDHash:   license.HashDeviceID(device),
		TokenExpiresAt: now.Add(time.Hour),
		ActivatedAt:    now,
		LastIPAddress:  "198.51.100.7",
		Metadata:       map[string]string{"os": "linux"},
	})
}

func (s *StoreSuite) TestLicenseRoundTrip() {
	lic := s.fixtures.ExpiringLicense(testutil.ValidKey, 3, 30*24*time.Hour)
	lic = s.seed(lic)

	got, err := s.store.FindLicenseByID(s.ctx, lic.ID)
	s.Require().NoError(err)
	s.Equal(lic.ID, got.ID)
	s.Equal(lic.UserID, got.UserID)
	s.Equal(lic.LicenseType, got.LicenseType)
	s.Equal(domain.LicenseStatusActive, got.Status)
	s.Equal(3, got.MaxDevices)
	s.Require().NotNil(got.ExpiresAt)
	s.True(lic.ExpiresAt.Equal(*got.ExpiresAt))
	s.Nil(got.SuspendedAt)

	byHash, err := s.store.FindLicenseByKeyHash(s.ctx, license.HashKey(testutil.ValidKey))
	s.Require().NoError(err)
	s.Equal(lic.ID, byHash.ID)

	exists, err := s.store.KeyHashExists(s.ctx, lic.LicenseKeyHash)
	s.Require().NoError(err)
	s.True(exists)

	exists, err = s.store.KeyHashExists(s.ctx, license.HashKey(testutil.SecondKey))
	s.Require().NoError(err)
	s.False(exists)
}

func (s *StoreSuite) TestNotFound() {
	_, err := s.store.FindLicenseByID(s.ctx, "missing")
	s.ErrorIs(err, license.ErrNotFound)

	_, err = s.store.FindLicenseByKeyHash(s.ctx, license.HashKey(testutil.SecondKey))
	s.ErrorIs(err, license.ErrNotFound)

	_, err = s.store.FindActivation(s.ctx, "missing", "nope")
	s.ErrorIs(err, license.ErrNotFound)
}

func (s *StoreSuite) TestDeviceLimit() {
	lic := s.seed(s.fixtures.ActiveLicense(testutil.ValidKey, 3))

	for _, d := range []string{"a", "b", "c"} {
		act, created, err := s.activate(lic.ID, d)
		s.Require().NoError(err)
		s.True(created)
		s.True(act.IsActive)
		s.Equal(map[string]string{"os": "linux"}, act.Metadata)
	}

	_, _, err := s.activate(lic.ID, "d")
	s.ErrorIs(err, license.ErrDeviceLimitExceeded)

	// reactivating a bound device consumes nothing
	_, created, err := s.activate(lic.ID, "b")
	s.Require().NoError(err)
	s.False(created)

	got, err := s.store.FindLicenseByID(s.ctx, lic.ID)
	s.Require().NoError(err)
	s.Equal(3, got.ActiveDevices)
}

func (s *StoreSuite) TestConcurrentActivationSingleSlot() {
	lic := s.seed(s.fixtures.ActiveLicense(testutil.ValidKey, 1))

	var ok, limited, other atomic.Int32
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		device := string(rune('a' + i))
		g.Go(func() error {
			_, _, err := s.activate(lic.ID, device)
			switch {
			case err == nil:
				ok.Add(1)
			case license.CodeOf(err) == license.CodeDeviceLimitExceeded:
				limited.Add(1)
			default:
				other.Add(1)
			}
			return nil
		})
	}
	s.Require().NoError(g.Wait())

	s.Equal(int32(1), ok.Load())
	s.Equal(int32(7), limited.Load())
	s.Zero(other.Load())
}

func (s *StoreSuite) TestDeactivateAndReuseSlot() {
	lic := s.seed(s.fixtures.ActiveLicense(testutil.ValidKey, 1))
	now := s.fixtures.Clock.Now()

	_, _, err := s.activate(lic.ID, "a")
	s.Require().NoError(err)

	changed, err := s.store.DeactivateDevice(s.ctx, lic.ID, license.HashDeviceID("a"), now)
	s.Require().NoError(err)
	s.True(changed)

	changed, err = s.store.DeactivateDevice(s.ctx, lic.ID, license.HashDeviceID("a"), now)
	s.Require().NoError(err)
	s.False(changed)

	got, err := s.store.FindLicenseByID(s.ctx, lic.ID)
	s.Require().NoError(err)
	s.Zero(got.ActiveDevices)

	act, created, err := s.activate(lic.ID, "a")
	s.Require().NoError(err)
	s.True(created)
	s.True(act.IsActive)
	s.Nil(act.DeactivatedAt)
}

func (s *StoreSuite) TestSaveLicenseStateCascade() {
	lic := s.seed(s.fixtures.ActiveLicense(testutil.ValidKey, 3))
	for _, d := range []string{"a", "b"} {
		_, _, err := s.activate(lic.ID, d)
		s.Require().NoError(err)
	}

	now := s.fixtures.Clock.Now()
	lic.Status = domain.LicenseStatusRevoked
	lic.RevokedAt = &now
	lic.UpdatedAt = now
	s.Require().NoError(s.store.SaveLicenseState(s.ctx, &lic, domain.LicenseStatusActive, true))

	got, err := s.store.FindLicenseByID(s.ctx, lic.ID)
	s.Require().NoError(err)
	s.Equal(domain.LicenseStatusRevoked, got.Status)
	s.Require().NotNil(got.RevokedAt)
	s.Zero(got.ActiveDevices)

	acts, err := s.store.ListActivations(s.ctx, lic.ID)
	s.Require().NoError(err)
	s.Len(acts, 2)
	for _, a := range acts {
		s.False(a.IsActive)
	}

	lic.Status = domain.LicenseStatusActive
	lic.RevokedAt = nil
	s.Require().NoError(s.store.SaveLicenseState(s.ctx, &lic, domain.LicenseStatusRevoked, false))
	got, err = s.store.FindLicenseByID(s.ctx, lic.ID)
	s.Require().NoError(err)
	s.Nil(got.RevokedAt)

	missing := s.fixtures.ActiveLicense(testutil.SecondKey, 1)
	s.ErrorIs(s.store.SaveLicenseState(s.ctx, &missing, domain.LicenseStatusActive, false), license.ErrNotFound)
}

func (s *StoreSuite) TestSaveLicenseStateStaleWrite() {
	lic := s.seed(s.fixtures.ActiveLicense(testutil.ValidKey, 3))
	_, _, err := s.activate(lic.ID, "a")
	s.Require().NoError(err)

	now := s.fixtures.Clock.Now()
	revoked := lic
	revoked.Status = domain.LicenseStatusRevoked
	revoked.RevokedAt = &now
	revoked.UpdatedAt = now
	s.Require().NoError(s.store.SaveLicenseState(s.ctx, &revoked, domain.LicenseStatusActive, true))

	// a suspend computed from the earlier active read
	suspended := lic
	suspended.Status = domain.LicenseStatusSuspended
	suspended.SuspendedAt = &now
	suspended.UpdatedAt = now.Add(time.Second)
	err = s.store.SaveLicenseState(s.ctx, &suspended, domain.LicenseStatusActive, false)
	s.Require().ErrorIs(err, license.ErrInvalidTransition)
	var le *license.Error
	s.Require().ErrorAs(err, &le)
	s.Equal(string(domain.LicenseStatusRevoked), le.Details["from"])

	got, err := s.store.FindLicenseByID(s.ctx, lic.ID)
	s.Require().NoError(err)
	s.Equal(domain.LicenseStatusRevoked, got.Status)
	s.NotNil(got.RevokedAt)
	s.Nil(got.SuspendedAt)
	s.Zero(got.ActiveDevices)
}

func (s *StoreSuite) TestActivationRefusedOnInactiveLicense() {
	tests := []struct {
		name    string
		lic     func() domain.License
		wantErr error
	}{
		{"suspended", func() domain.License { return s.fixtures.SuspendedLicense(testutil.SuspendedKey) }, license.ErrLicenseSuspended},
		{"revoked", func() domain.License { return s.fixtures.RevokedLicense(testutil.RevokedKey) }, license.ErrLicenseRevoked},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			lic := s.seed(tt.lic())

			_, _, err := s.activate(lic.ID, "a")
			s.ErrorIs(err, tt.wantErr)

			got, err := s.store.FindLicenseByID(s.ctx, lic.ID)
			s.Require().NoError(err)
			s.Zero(got.ActiveDevices)
			acts, err := s.store.ListActivations(s.ctx, lic.ID)
			s.Require().NoError(err)
			s.Empty(acts)
		})
	}

	_, _, err := s.activate("missing", "a")
	s.ErrorIs(err, license.ErrNotFound)
}

func (s *StoreSuite) TestRevokeThenActivateLeavesNoBinding() {
	lic := s.seed(s.fixtures.ActiveLicense(testutil.ValidKey, 3))
	now := s.fixtures.Clock.Now()

	revoked := lic
	revoked.Status = domain.LicenseStatusRevoked
	revoked.RevokedAt = &now
	revoked.UpdatedAt = now
	s.Require().NoError(s.store.SaveLicenseState(s.ctx, &revoked, domain.LicenseStatusActive, true))

	// an activation whose caller read the license while it was active
	_, _, err := s.activate(lic.ID, "late")
	s.ErrorIs(err, license.ErrLicenseRevoked)

	reactivated := revoked
	reactivated.Status = domain.LicenseStatusActive
	reactivated.RevokedAt = nil
	s.Require().NoError(s.store.SaveLicenseState(s.ctx, &reactivated, domain.LicenseStatusRevoked, false))

	_, err = s.store.FindActivation(s.ctx, lic.ID, license.HashDeviceID("late"))
	s.ErrorIs(err, license.ErrNotFound)
}

func (s *StoreSuite) TestUpdateDeviceLastSeen() {
	lic := s.seed(s.fixtures.ActiveLicense(testutil.ValidKey, 1))
	_, _, err := s.activate(lic.ID, "a")
	s.Require().NoError(err)

	s.fixtures.Clock.Advance(time.Minute)
	seen := s.fixtures.Clock.Now()
	s.Require().NoError(s.store.UpdateDeviceLastSeen(s.ctx, lic.ID, license.HashDeviceID("a"), "203.0.113.9", seen))

	act, err := s.store.FindActivation(s.ctx, lic.ID, license.HashDeviceID("a"))
	s.Require().NoError(err)
	s.Require().NotNil(act.LastSeenAt)
	s.True(seen.Equal(*act.LastSeenAt))
	s.Require().NotNil(act.LastValidatedAt)
	s.Equal("203.0.113.9", act.LastIPAddress)

	err = s.store.UpdateDeviceLastSeen(s.ctx, lic.ID, license.HashDeviceID("zzz"), "", seen)
	s.ErrorIs(err, license.ErrNotFound)

	// deactivated devices are no longer tracked
	_, err = s.store.DeactivateDevice(s.ctx, lic.ID, license.HashDeviceID("a"), seen)
	s.Require().NoError(err)
	err = s.store.UpdateDeviceLastSeen(s.ctx, lic.ID, license.HashDeviceID("a"), "", seen)
	s.ErrorIs(err, license.ErrNotFound)
}

func (s *StoreSuite) TestFraudAlerts() {
	for i, id := range []string{"lic-1", "lic-2", "lic-1"} {
		s.fixtures.Clock.Advance(time.Second)
		alert := &domain.FraudAlert{
			LicenseID: id,
			AlertType: domain.AlertTypeActivationFlagged,
			RiskScore: 30 + i,
			Details:   map[string]interface{}{"reasons": []interface{}{"3 distinct IP addresses in 24h"}},
			IPAddress: "10.0.0.1",
			CreatedAt: s.fixtures.Clock.Now(),
		}
		s.Require().NoError(s.store.RecordFraudAlert(s.ctx, alert))
		s.NotEmpty(alert.ID)
	}

	alerts, err := s.store.ListFraudAlerts(s.ctx, "lic-1", 10)
	s.Require().NoError(err)
	s.Require().Len(alerts, 2)
	s.Equal(32, alerts[0].RiskScore)
	s.Equal([]interface{}{"3 distinct IP addresses in 24h"}, alerts[0].Details["reasons"])

	all, err := s.store.ListFraudAlerts(s.ctx, "", 2)
	s.Require().NoError(err)
	s.Len(all, 2)
}

func (s *StoreSuite) TestPing() {
	s.NoError(s.store.Ping(s.ctx))
}
