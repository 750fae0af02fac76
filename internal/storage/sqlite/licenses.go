package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"licensehub/internal/license"
	"licensehub/pkg/contracts/domain"
)

const licenseColumns = `id, user_id, package_id, license_key_hash, license_type, status,
	max_devices, active_devices, expires_at, suspended_at, revoked_at, source, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(row rowScanner) (*domain.License, error) {
	var lic domain.License
	var expiresAt, suspendedAt, revokedAt sql.NullTime
	err := row.Scan(&lic.ID, &lic.UserID, &lic.PackageID, &lic.LicenseKeyHash, &lic.LicenseType, &lic.Status,
		&lic.MaxDevices, &lic.ActiveDevices, &expiresAt, &suspendedAt, &revokedAt, &lic.Source, &lic.CreatedAt, &lic.UpdatedAt)
	if err != nil {
		return nil, err
	}
	lic.ExpiresAt = timePtr(expiresAt)
	lic.SuspendedAt = timePtr(suspendedAt)
	lic.RevokedAt = timePtr(revokedAt)
	lic.CreatedAt = lic.CreatedAt.UTC()
	lic.UpdatedAt = lic.UpdatedAt.UTC()
	return &lic, nil
}

func (s *Store) FindLicenseByID(ctx context.Context, id string) (*domain.License, error) {
	lic, err := scanLicense(s.db.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, license.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get license %s: %w", id, err)
	}
	return lic, nil
}

func (s *Store) FindLicenseByKeyHash(ctx context.Context, keyHash string) (*domain.License, error) {
	lic, err := scanLicense(s.db.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE license_key_hash = ?`, keyHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, license.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get license by key hash: %w", err)
	}
	return lic, nil
}

func (s *Store) KeyHashExists(ctx context.Context, keyHash string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM licenses WHERE license_key_hash = ?`, keyHash).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check key hash: %w", err)
	}
	return n > 0, nil
}

func (s *Store) CreateLicense(ctx context.Context, lic *domain.License) error {
	if lic.ID == "" {
		lic.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if lic.CreatedAt.IsZero() {
		lic.CreatedAt = now
	}
	if lic.UpdatedAt.IsZero() {
		lic.UpdatedAt = lic.CreatedAt
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO licenses (`+licenseColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lic.ID, lic.UserID, lic.PackageID, lic.LicenseKeyHash, lic.LicenseType, lic.Status,
		lic.MaxDevices, lic.ActiveDevices, nullTime(lic.ExpiresAt), nullTime(lic.SuspendedAt), nullTime(lic.RevokedAt),
		lic.Source, lic.CreatedAt.UTC(), lic.UpdatedAt.UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return license.ErrInvalidRequest.WithDetail("field", "license_key_hash")
		}
		return fmt.Errorf("create license: %w", err)
	}
	return nil
}

func (s *Store) SaveLicenseState(ctx context.Context, lic *domain.License, from domain.LicenseStatus, deactivateDevices bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE licenses SET status = ?, suspended_at = ?, revoked_at = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			lic.Status, nullTime(lic.SuspendedAt), nullTime(lic.RevokedAt), lic.UpdatedAt.UTC(), lic.ID, from,
		)
		if err != nil {
			return fmt.Errorf("update license state: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			status, err := licenseStatus(ctx, tx, lic.ID)
			if err != nil {
				return err
			}
			return license.NewStaleStateError(from, status)
		}

		if !deactivateDevices {
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE device_activations SET is_active = 0, deactivated_at = ?
			 WHERE license_id = ? AND is_active = 1`,
			lic.UpdatedAt.UTC(), lic.ID,
		); err != nil {
			return fmt.Errorf("deactivate devices: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE licenses SET active_devices = 0 WHERE id = ?`, lic.ID,
		); err != nil {
			return fmt.Errorf("reset device count: %w", err)
		}
		return nil
	})
}

// licenseStatus reads the stored status inside tx. Returns ErrNotFound for
// an unknown id.
func licenseStatus(ctx context.Context, tx *sql.Tx, id string) (domain.LicenseStatus, error) {
	var status domain.LicenseStatus
	err := tx.QueryRowContext(ctx, `SELECT status FROM licenses WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", license.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read license status: %w", err)
	}
	return status, nil
}
