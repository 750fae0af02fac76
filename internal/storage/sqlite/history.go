package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"licensehub/pkg/contracts/domain"
)

func (s *Store) RecordActivity(ctx context.Context, event domain.ActivityEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity_events (license_id, device_id_hash, ip_address, kind, occurred_at) VALUES (?, ?, ?, ?, ?)`,
		event.LicenseID, event.DeviceIDHash, event.IPAddress, event.Kind, event.OccurredAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

func (s *Store) CountRecentActivations(ctx context.Context, licenseID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT device_id_hash) FROM activity_events
		 WHERE license_id = ? AND kind = ? AND occurred_at >= ? AND device_id_hash <> ''`,
		licenseID, domain.ActivityActivation, since.UnixMilli(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recent activations: %w", err)
	}
	return n, nil
}

func (s *Store) CountDistinctIPs(ctx context.Context, licenseID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT ip_address) FROM activity_events
		 WHERE license_id = ? AND occurred_at >= ? AND ip_address <> ''`,
		licenseID, since.UnixMilli(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count distinct ips: %w", err)
	}
	return n, nil
}

func (s *Store) FindDeviceHashOnOtherLicense(ctx context.Context, deviceIDHash, excludeLicenseID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM device_activations WHERE device_id_hash = ? AND license_id <> ?`,
		deviceIDHash, excludeLicenseID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("find device on other license: %w", err)
	}
	return n > 0, nil
}

// RecordDeviceBinding is a no-op: bindings are the device_activations rows
func (s *Store) RecordDeviceBinding(ctx context.Context, licenseID, deviceIDHash string) error {
	return nil
}

// PruneActivity deletes events older than before and returns the number
// removed.
func (s *Store) PruneActivity(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM activity_events WHERE occurred_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune activity: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) RecordFraudAlert(ctx context.Context, alert *domain.FraudAlert) error {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = s.now().UTC()
	}
	details := "{}"
	if len(alert.Details) > 0 {
		b, err := json.Marshal(alert.Details)
		if err != nil {
			return fmt.Errorf("encode alert details: %w", err)
		}
		details = string(b)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fraud_alerts (id, license_id, user_id, alert_type, risk_score, details, ip_address, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.LicenseID, alert.UserID, alert.AlertType, alert.RiskScore, details, alert.IPAddress, alert.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record fraud alert: %w", err)
	}
	return nil
}

func (s *Store) ListFraudAlerts(ctx context.Context, licenseID string, limit int) ([]domain.FraudAlert, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, license_id, user_id, alert_type, risk_score, details, ip_address, created_at FROM fraud_alerts`
	args := []any{}
	if licenseID != "" {
		query += ` WHERE license_id = ?`
		args = append(args, licenseID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list fraud alerts: %w", err)
	}
	defer rows.Close()

	out := []domain.FraudAlert{}
	for rows.Next() {
		var a domain.FraudAlert
		var details string
		if err := rows.Scan(&a.ID, &a.LicenseID, &a.UserID, &a.AlertType, &a.RiskScore, &details, &a.IPAddress, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fraud alert: %w", err)
		}
		a.CreatedAt = a.CreatedAt.UTC()
		if details != "" && details != "{}" {
			if err := json.Unmarshal([]byte(details), &a.Details); err != nil {
				return nil, fmt.Errorf("decode alert details: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
