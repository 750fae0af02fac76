package license

import (
	"context"
	"time"

	"licensehub/pkg/contracts/domain"
)

// LicenseRepository stores licenses. Lookups return ErrNotFound when no
// record matches.
type LicenseRepository interface {
	FindLicenseByID(ctx context.Context, id string) (*domain.License, error)
	FindLicenseByKeyHash(ctx context.Context, keyHash string) (*domain.License, error)
	KeyHashExists(ctx context.Context, keyHash string) (bool, error)
	CreateLicense(ctx context.Context, lic *domain.License) error

	// SaveLicenseState persists status, suspended_at, revoked_at and
	// updated_at, provided the stored status still equals from. A stale
	// write returns INVALID_TRANSITION and changes nothing. When
	// deactivateDevices is set, every active device of the license is
	// soft-deactivated and active_devices reset in the same unit of work.
	SaveLicenseState(ctx context.Context, lic *domain.License, from domain.LicenseStatus, deactivateDevices bool) error
}

// ActivationRepository stores device activations
type ActivationRepository interface {
	// CreateDeviceActivation atomically checks the license status and the
	// device limit and binds the device. If the device is already active on
	// the license, the existing record is refreshed with the new token
	// expiry, no slot is consumed and created is false. Returns the
	// StatusError of a license that is no longer active and
	// ErrDeviceLimitExceeded when the license is full.
	CreateDeviceActivation(ctx context.Context, act *domain.DeviceActivation) (stored *domain.DeviceActivation, created bool, err error)

	FindActivation(ctx context.Context, licenseID, deviceIDHash string) (*domain.DeviceActivation, error)
	ListActivations(ctx context.Context, licenseID string) ([]domain.DeviceActivation, error)

	// DeactivateDevice soft-deactivates one device and decrements the
	// counter. Returns false when the device was not active.
	DeactivateDevice(ctx context.Context, licenseID, deviceIDHash string, now time.Time) (bool, error)

	// UpdateDeviceLastSeen stamps validation bookkeeping on an active
	// device. Returns ErrNotFound when the device is not active.
	UpdateDeviceLastSeen(ctx context.Context, licenseID, deviceIDHash, ip string, now time.Time) error
}

// HistoryReader is the read side consumed by the FraudEngine
type HistoryReader interface {
	// CountRecentActivations counts distinct devices that attempted
	// activation on the license since the given instant.
	CountRecentActivations(ctx context.Context, licenseID string, since time.Time) (int, error)
	CountDistinctIPs(ctx context.Context, licenseID string, since time.Time) (int, error)
	// FindDeviceHashOnOtherLicense reports whether the device was ever
	// bound, active or not, to a license other than excludeLicenseID.
	// Activation attempts that never bound the device do not count.
	FindDeviceHashOnOtherLicense(ctx context.Context, deviceIDHash, excludeLicenseID string) (bool, error)
}

// HistoryRecorder appends activity events
type HistoryRecorder interface {
	RecordActivity(ctx context.Context, event domain.ActivityEvent) error

	// RecordDeviceBinding notes that a device was successfully bound to a
	// license. Backends that read bindings from their activation records
	// treat it as a no-op.
	RecordDeviceBinding(ctx context.Context, licenseID, deviceIDHash string) error
}

// HistoryStore reads and writes activity history
type HistoryStore interface {
	HistoryReader
	HistoryRecorder
}

// AlertRepository is the append-only fraud audit trail
type AlertRepository interface {
	RecordFraudAlert(ctx context.Context, alert *domain.FraudAlert) error
	ListFraudAlerts(ctx context.Context, licenseID string, limit int) ([]domain.FraudAlert, error)
}

// Store is implemented by full storage backends
type Store interface {
	LicenseRepository
	ActivationRepository
	HistoryStore
	AlertRepository
	Ping(ctx context.Context) error
	Close() error
}
