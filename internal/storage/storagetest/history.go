package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"licensehub/internal/license"
	"licensehub/internal/shared/testutil"
	"licensehub/pkg/contracts/domain"
)

// HistorySuite runs the activity history contract shared by full stores and
// the Redis history backend.
type HistorySuite struct {
	suite.Suite
	NewHistory func(t *testing.T, now func() time.Time) license.HistoryStore
	// Bind makes a device binding known the way the backend learns of it
	Bind func(ctx context.Context, h license.HistoryStore, licenseID, deviceIDHash string) error

	history  license.HistoryStore
	fixtures *testutil.LicenseTestFixtures
	ctx      context.Context
}

func (s *HistorySuite) SetupTest() {
	s.fixtures = testutil.NewLicenseTestFixtures(nil)
	s.history = s.NewHistory(s.T(), s.fixtures.Clock.Now)
	s.ctx = context.Background()
}

// BindByActivation binds through CreateDeviceActivation, seeding an active
// license under licenseID first when needed. It serves stores that read
// bindings from their activation records.
func BindByActivation(ctx context.Context, h license.HistoryStore, licenseID, deviceIDHash string) error {
	store, ok := h.(license.Store)
	if !ok {
		return errors.New("history backend is not a full store")
	}

	_, err := store.FindLicenseByID(ctx, licenseID)
	if errors.Is(err, license.ErrNotFound) {
		lic := testutil.NewLicenseTestFixtures(nil).ActiveLicense(licenseID, 10)
		lic.ID = licenseID
		err = store.CreateLicense(ctx, &lic)
	}
	if err != nil {
		return err
	}

	now := time.Now()
	_, _, err = store.CreateDeviceActivation(ctx, &domain.DeviceActivation{
		LicenseID:      licenseID,
		DeviceIDHash:   deviceIDHash,
		TokenExpiresAt: now.Add(time.Hour),
		ActivatedAt:    now,
	})
	if err != nil {
		return err
	}
	return h.RecordDeviceBinding(ctx, licenseID, deviceIDHash)
}

func (s *HistorySuite) TestActivityWindow() {
	since := s.fixtures.Clock.Now().Add(-24 * time.Hour)
	events := []domain.ActivityEvent{
		s.fixtures.Activity("lic-1", "d1", "10.0.0.1", time.Hour),
		s.fixtures.Activity("lic-1", "d1", "10.0.0.2", 2*time.Hour),
		s.fixtures.Activity("lic-1", "d2", "10.0.0.2", 3*time.Hour),
		s.fixtures.Activity("lic-1", "d3", "10.0.0.3", 25*time.Hour),
		s.fixtures.Activity("lic-2", "d4", "10.0.0.4", time.Hour),
	}
	for _, e := range events {
		s.Require().NoError(s.history.RecordActivity(s.ctx, e))
	}

	n, err := s.history.CountRecentActivations(s.ctx, "lic-1", since)
	s.Require().NoError(err)
	s.Equal(2, n)

	ips, err := s.history.CountDistinctIPs(s.ctx, "lic-1", since)
	s.Require().NoError(err)
	s.Equal(2, ips)

	n, err = s.history.CountRecentActivations(s.ctx, "lic-3", since)
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *HistorySuite) TestDeviceOnOtherLicense() {
	s.Require().NoError(s.Bind(s.ctx, s.history, "lic-a", "shared"))

	found, err := s.history.FindDeviceHashOnOtherLicense(s.ctx, "shared", "lic-b")
	s.Require().NoError(err)
	s.True(found)

	found, err = s.history.FindDeviceHashOnOtherLicense(s.ctx, "shared", "lic-a")
	s.Require().NoError(err)
	s.False(found)
}

func (s *HistorySuite) TestAttemptIsNotBinding() {
	// refused or blocked activation attempts still leave activity
	s.Require().NoError(s.history.RecordActivity(s.ctx, s.fixtures.Activity("lic-a", "attempt-device", "10.0.0.9", time.Minute)))

	found, err := s.history.FindDeviceHashOnOtherLicense(s.ctx, "attempt-device", "lic-b")
	s.Require().NoError(err)
	s.False(found)
}

func (s *HistorySuite) TestBindingOutlivesActivityWindow() {
	s.Require().NoError(s.Bind(s.ctx, s.history, "lic-a", "old-device"))

	// activity long after the binding trims the window sets
	s.fixtures.Clock.Advance(90 * 24 * time.Hour)
	s.Require().NoError(s.history.RecordActivity(s.ctx, s.fixtures.Activity("lic-a", "other", "10.0.0.1", 0)))

	found, err := s.history.FindDeviceHashOnOtherLicense(s.ctx, "old-device", "lic-b")
	s.Require().NoError(err)
	s.True(found)
}
