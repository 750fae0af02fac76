// Package memory is an in-process implementation of every license
// repository. It backs tests and driver=memory development runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"licensehub/internal/license"
	"licensehub/pkg/contracts/domain"
)

// Failure points for injected errors
const (
	FailHistory    = "history"
	FailLastSeen   = "last_seen"
	FailAlerts     = "alerts"
	FailLicenses   = "licenses"
	FailActivities = "activities"
)

// Store keeps all state behind one mutex, which makes the device limit
// check and increment atomic.
type Store struct {
	mu          sync.Mutex
	licenses    map[string]*domain.License
	byKeyHash   map[string]string
	activations map[string]map[string]*domain.DeviceActivation
	activity    []domain.ActivityEvent
	alerts      []domain.FraudAlert
	failures    map[string]error
	now         func() time.Time
}

var _ license.Store = (*Store)(nil)

// New creates an empty store. now may be nil.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		licenses:    make(map[string]*domain.License),
		byKeyHash:   make(map[string]string),
		activations: make(map[string]map[string]*domain.DeviceActivation),
		failures:    make(map[string]error),
		now:         now,
	}
}

// FailWith makes every call touching point return err. Pass nil to clear.
func (s *Store) FailWith(point string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, point)
		return
	}
	s.failures[point] = err
}

func (s *Store) failure(point string) error {
	return s.failures[point]
}

// Ping implements the health check
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op
func (s *Store) Close() error { return nil }

// Licenses

func (s *Store) FindLicenseByID(ctx context.Context, id string) (*domain.License, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(FailLicenses); err != nil {
		return nil, err
	}

	lic, ok := s.licenses[id]
	if !ok {
		return nil, license.ErrNotFound
	}
	c := *lic
	return &c, nil
}

func (s *Store) FindLicenseByKeyHash(ctx context.Context, keyHash string) (*domain.License, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	id, ok := s.byKeyHash[keyHash]
	s.mu.Unlock()
	if !ok {
		return nil, license.ErrNotFound
	}
	return s.FindLicenseByID(ctx, id)
}

func (s *Store) KeyHashExists(ctx context.Context, keyHash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byKeyHash[keyHash]
	return ok, nil
}

func (s *Store) CreateLicense(ctx context.Context, lic *domain.License) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(FailLicenses); err != nil {
		return err
	}

	if lic.ID == "" {
		lic.ID = uuid.NewString()
	}
	if _, ok := s.byKeyHash[lic.LicenseKeyHash]; ok {
		return license.ErrInvalidRequest.WithDetail("field", "license_key_hash")
	}
	c := *lic
	s.licenses[c.ID] = &c
	s.byKeyHash[c.LicenseKeyHash] = c.ID
	return nil
}

func (s *Store) SaveLicenseState(ctx context.Context, lic *domain.License, from domain.LicenseStatus, deactivateDevices bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(FailLicenses); err != nil {
		return err
	}

	stored, ok := s.licenses[lic.ID]
	if !ok {
		return license.ErrNotFound
	}
	if stored.Status != from {
		return license.NewStaleStateError(from, stored.Status)
	}
	stored.Status = lic.Status
	stored.SuspendedAt = lic.SuspendedAt
	stored.RevokedAt = lic.RevokedAt
	stored.UpdatedAt = lic.UpdatedAt

	if deactivateDevices {
		at := lic.UpdatedAt
		for _, act := range s.activations[lic.ID] {
			if act.IsActive {
				act.IsActive = false
				act.DeactivatedAt = &at
			}
		}
		stored.ActiveDevices = 0
	}
	return nil
}

// Activations

func (s *Store) CreateDeviceActivation(ctx context.Context, act *domain.DeviceActivation) (*domain.DeviceActivation, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(FailLicenses); err != nil {
		return nil, false, err
	}

	lic, ok := s.licenses[act.LicenseID]
	if !ok {
		return nil, false, license.ErrNotFound
	}
	if err := license.StatusError(lic.Status); err != nil {
		return nil, false, err
	}

	devices := s.activations[act.LicenseID]
	if devices == nil {
		devices = make(map[string]*domain.DeviceActivation)
		s.activations[act.LicenseID] = devices
	}

	existing := devices[act.DeviceIDHash]
	if existing != nil && existing.IsActive {
		existing.TokenExpiresAt = act.TokenExpiresAt
		if act.Metadata != nil {
			existing.Metadata = act.Metadata
		}
		c := *existing
		return &c, false, nil
	}

	if !license.HasFreeSlot(*lic) {
		return nil, false, license.ErrDeviceLimitExceeded
	}

	if existing != nil {
		existing.IsActive = true
		existing.DeactivatedAt = nil
		existing.ActivatedAt = act.ActivatedAt
		existing.TokenExpiresAt = act.TokenExpiresAt
		existing.LastIPAddress = act.LastIPAddress
		existing.Metadata = act.Metadata
	} else {
		c := *act
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.IsActive = true
		devices[act.DeviceIDHash] = &c
		existing = &c
	}

	lic.ActiveDevices++
	lic.UpdatedAt = act.ActivatedAt

	c := *existing
	return &c, true, nil
}

func (s *Store) FindActivation(ctx context.Context, licenseID, deviceIDHash string) (*domain.DeviceActivation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	act, ok := s.activations[licenseID][deviceIDHash]
	if !ok {
		return nil, license.ErrNotFound
	}
	c := *act
	return &c, nil
}

func (s *Store) ListActivations(ctx context.Context, licenseID string) ([]domain.DeviceActivation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.DeviceActivation, 0, len(s.activations[licenseID]))
	for _, act := range s.activations[licenseID] {
		out = append(out, *act)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActivatedAt.Before(out[j].ActivatedAt) })
	return out, nil
}

func (s *Store) DeactivateDevice(ctx context.Context, licenseID, deviceIDHash string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	act, ok := s.activations[licenseID][deviceIDHash]
	if !ok || !act.IsActive {
		return false, nil
	}
	act.IsActive = false
	act.DeactivatedAt = &now
	if lic, ok := s.licenses[licenseID]; ok && lic.ActiveDevices > 0 {
		lic.ActiveDevices--
		lic.UpdatedAt = now
	}
	return true, nil
}

func (s *Store) UpdateDeviceLastSeen(ctx context.Context, licenseID, deviceIDHash, ip string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(FailLastSeen); err != nil {
		return err
	}

	act, ok := s.activations[licenseID][deviceIDHash]
	if !ok || !act.IsActive {
		return license.ErrNotFound
	}
	act.LastSeenAt = &now
	act.LastValidatedAt = &now
	if ip != "" {
		act.LastIPAddress = ip
	}
	return nil
}

// History

func (s *Store) RecordActivity(ctx context.Context, event domain.ActivityEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(FailActivities); err != nil {
		return err
	}
	s.activity = append(s.activity, event)
	return nil
}

// RecordDeviceBinding is a no-op: bindings are read from the activations
func (s *Store) RecordDeviceBinding(ctx context.Context, licenseID, deviceIDHash string) error {
	return ctx.Err()
}

func (s *Store) CountRecentActivations(ctx context.Context, licenseID string, since time.Time) (int, error) {
	return s.countDistinct(ctx, licenseID, since, func(e domain.ActivityEvent) string {
		if e.Kind != domain.ActivityActivation {
			return ""
		}
		return e.DeviceIDHash
	})
}

func (s *Store) CountDistinctIPs(ctx context.Context, licenseID string, since time.Time) (int, error) {
	return s.countDistinct(ctx, licenseID, since, func(e domain.ActivityEvent) string {
		return e.IPAddress
	})
}

func (s *Store) countDistinct(ctx context.Context, licenseID string, since time.Time, key func(domain.ActivityEvent) string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(FailHistory); err != nil {
		return 0, err
	}

	seen := make(map[string]struct{})
	for _, e := range s.activity {
		if e.LicenseID != licenseID || e.OccurredAt.Before(since) {
			continue
		}
		if k := key(e); k != "" {
			seen[k] = struct{}{}
		}
	}
	return len(seen), nil
}

func (s *Store) FindDeviceHashOnOtherLicense(ctx context.Context, deviceIDHash, excludeLicenseID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(FailHistory); err != nil {
		return false, err
	}

	for licenseID, devices := range s.activations {
		if licenseID == excludeLicenseID {
			continue
		}
		if _, ok := devices[deviceIDHash]; ok {
			return true, nil
		}
	}
	return false, nil
}

// Alerts

func (s *Store) RecordFraudAlert(ctx context.Context, alert *domain.FraudAlert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(FailAlerts); err != nil {
		return err
	}

	c := *alert
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	s.alerts = append(s.alerts, c)
	alert.ID = c.ID
	alert.CreatedAt = c.CreatedAt
	return nil
}

func (s *Store) ListFraudAlerts(ctx context.Context, licenseID string, limit int) ([]domain.FraudAlert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []domain.FraudAlert{}
	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := s.alerts[i]
		if licenseID != "" && a.LicenseID != licenseID {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
