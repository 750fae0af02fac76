package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"licensehub/internal/license"
	"licensehub/pkg/contracts/domain"
)

const activationColumns = `id, license_id, device_id_hash, token_expires_at, is_active, activated_at,
	deactivated_at, last_seen_at, last_validated_at, last_ip_address, metadata`

func scanActivation(row rowScanner) (*domain.DeviceActivation, error) {
	var act domain.DeviceActivation
	var deactivatedAt, lastSeenAt, lastValidatedAt sql.NullTime
	var metadata string
	err := row.Scan(&act.ID, &act.LicenseID, &act.DeviceIDHash, &act.TokenExpiresAt, &act.IsActive, &act.ActivatedAt,
		&deactivatedAt, &lastSeenAt, &lastValidatedAt, &act.LastIPAddress, &metadata)
	if err != nil {
		return nil, err
	}
	act.TokenExpiresAt = act.TokenExpiresAt.UTC()
	act.ActivatedAt = act.ActivatedAt.UTC()
	act.DeactivatedAt = timePtr(deactivatedAt)
	act.LastSeenAt = timePtr(lastSeenAt)
	act.LastValidatedAt = timePtr(lastValidatedAt)
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &act.Metadata); err != nil {
			return nil, fmt.Errorf("decode activation metadata: %w", err)
		}
	}
	return &act, nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode activation metadata: %w", err)
	}
	return string(b), nil
}

// CreateDeviceActivation runs the status check, the limit check and the
// insert in one immediate transaction. The conditional UPDATE is the only
// statement that grows active_devices.
func (s *Store) CreateDeviceActivation(ctx context.Context, act *domain.DeviceActivation) (*domain.DeviceActivation, bool, error) {
	metadata, err := encodeMetadata(act.Metadata)
	if err != nil {
		return nil, false, err
	}

	var created bool
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		status, err := licenseStatus(ctx, tx, act.LicenseID)
		if err != nil {
			return err
		}
		if err := license.StatusError(status); err != nil {
			return err
		}

		var existingID string
		var active bool
		err = tx.QueryRowContext(ctx,
			`SELECT id, is_active FROM device_activations WHERE license_id = ? AND device_id_hash = ?`,
			act.LicenseID, act.DeviceIDHash,
		).Scan(&existingID, &active)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("find activation: %w", err)
		}

		if existingID != "" && active {
			_, err := tx.ExecContext(ctx,
				`UPDATE device_activations SET token_expires_at = ?, metadata = CASE WHEN ? = '{}' THEN metadata ELSE ? END
				 WHERE id = ?`,
				act.TokenExpiresAt.UTC(), metadata, metadata, existingID,
			)
			if err != nil {
				return fmt.Errorf("refresh activation: %w", err)
			}
			act.ID = existingID
			return nil
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE licenses SET active_devices = active_devices + 1, updated_at = ?
			 WHERE id = ? AND status = 'active' AND active_devices < max_devices`,
			act.ActivatedAt.UTC(), act.LicenseID,
		)
		if err != nil {
			return fmt.Errorf("reserve device slot: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return license.ErrDeviceLimitExceeded
		}

		if existingID != "" {
			_, err = tx.ExecContext(ctx,
				`UPDATE device_activations
				 SET is_active = 1, deactivated_at = NULL, activated_at = ?, token_expires_at = ?, last_ip_address = ?, metadata = ?
				 WHERE id = ?`,
				act.ActivatedAt.UTC(), act.TokenExpiresAt.UTC(), act.LastIPAddress, metadata, existingID,
			)
			act.ID = existingID
		} else {
			if act.ID == "" {
				act.ID = uuid.NewString()
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO device_activations (id, license_id, device_id_hash, token_expires_at, is_active, activated_at, last_ip_address, metadata)
				 VALUES (?, ?, ?, ?, 1, ?, ?, ?)`,
				act.ID, act.LicenseID, act.DeviceIDHash, act.TokenExpiresAt.UTC(), act.ActivatedAt.UTC(), act.LastIPAddress, metadata,
			)
		}
		if err != nil {
			return fmt.Errorf("store activation: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	stored, err := s.FindActivation(ctx, act.LicenseID, act.DeviceIDHash)
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (s *Store) FindActivation(ctx context.Context, licenseID, deviceIDHash string) (*domain.DeviceActivation, error) {
	act, err := scanActivation(s.db.QueryRowContext(ctx,
		`SELECT `+activationColumns+` FROM device_activations WHERE license_id = ? AND device_id_hash = ?`,
		licenseID, deviceIDHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, license.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get activation: %w", err)
	}
	return act, nil
}

func (s *Store) ListActivations(ctx context.Context, licenseID string) ([]domain.DeviceActivation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+activationColumns+` FROM device_activations WHERE license_id = ? ORDER BY activated_at`,
		licenseID)
	if err != nil {
		return nil, fmt.Errorf("list activations: %w", err)
	}
	defer rows.Close()

	out := []domain.DeviceActivation{}
	for rows.Next() {
		act, err := scanActivation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan activation: %w", err)
		}
		out = append(out, *act)
	}
	return out, rows.Err()
}

func (s *Store) DeactivateDevice(ctx context.Context, licenseID, deviceIDHash string, now time.Time) (bool, error) {
	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE device_activations SET is_active = 0, deactivated_at = ?
			 WHERE license_id = ? AND device_id_hash = ? AND is_active = 1`,
			now.UTC(), licenseID, deviceIDHash,
		)
		if err != nil {
			return fmt.Errorf("deactivate device: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE licenses SET active_devices = active_devices - 1, updated_at = ?
			 WHERE id = ? AND active_devices > 0`,
			now.UTC(), licenseID,
		); err != nil {
			return fmt.Errorf("release device slot: %w", err)
		}
		changed = true
		return nil
	})
	return changed, err
}

func (s *Store) UpdateDeviceLastSeen(ctx context.Context, licenseID, deviceIDHash, ip string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE device_activations
		 SET last_seen_at = ?, last_validated_at = ?, last_ip_address = CASE WHEN ? = '' THEN last_ip_address ELSE ? END
		 WHERE license_id = ? AND device_id_hash = ? AND is_active = 1`,
		now.UTC(), now.UTC(), ip, ip, licenseID, deviceIDHash,
	)
	if err != nil {
		return fmt.Errorf("update last seen: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return license.ErrNotFound
	}
	return nil
}
