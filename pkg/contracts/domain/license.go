// Package domain contains the core domain models for the license service.
// These types serve as the Single Source of Truth (SSOT) for all layers of the application.
package domain

import (
	"time"
)

// LicenseStatus represents the stored status of a license
type LicenseStatus string

const (
	LicenseStatusActive    LicenseStatus = "active"
	LicenseStatusSuspended LicenseStatus = "suspended"
	LicenseStatusRevoked   LicenseStatus = "revoked"
	LicenseStatusExpired   LicenseStatus = "expired"
)

// Valid reports whether s is one of the known statuses
func (s LicenseStatus) Valid() bool {
	switch s {
	case LicenseStatusActive, LicenseStatusSuspended, LicenseStatusRevoked, LicenseStatusExpired:
		return true
	}
	return false
}

// LicenseType represents the commercial tier of a license
type LicenseType string

const (
	LicenseTypeStandard   LicenseType = "standard"
	LicenseTypePro        LicenseType = "pro"
	LicenseTypeEnterprise LicenseType = "enterprise"
	LicenseTypeTrial      LicenseType = "trial"
)

// LicenseSource records how a license came to exist
type LicenseSource string

const (
	LicenseSourcePurchase     LicenseSource = "purchase"
	LicenseSourceSubscription LicenseSource = "subscription"
	LicenseSourceGift         LicenseSource = "gift"
	LicenseSourcePromo        LicenseSource = "promo"
	LicenseSourceAdmin        LicenseSource = "admin"
	LicenseSourceTrial        LicenseSource = "trial"
)

// License is a per-package entitlement owned by a user. The plaintext key is
// never stored; LicenseKeyHash is the lookup index.
type License struct {
	ID             string        `json:"id" db:"id"`
	UserID         string        `json:"user_id" db:"user_id"`
	PackageID      string        `json:"package_id" db:"package_id"`
	LicenseKeyHash string        `json:"-" db:"license_key_hash"`
	LicenseType    LicenseType   `json:"license_type" db:"license_type"`
	Status         LicenseStatus `json:"status" db:"status"`
	MaxDevices     int           `json:"max_devices" db:"max_devices"`
	ActiveDevices  int           `json:"active_devices" db:"active_devices"`
	ExpiresAt      *time.Time    `json:"expires_at,omitempty" db:"expires_at"`
	SuspendedAt    *time.Time    `json:"suspended_at,omitempty" db:"suspended_at"`
	RevokedAt      *time.Time    `json:"revoked_at,omitempty" db:"revoked_at"`
	Source         LicenseSource `json:"source" db:"source"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" db:"updated_at"`
}

// DeviceActivation binds one hashed device fingerprint to a license
type DeviceActivation struct {
	ID              string            `json:"id" db:"id"`
	LicenseID       string            `json:"license_id" db:"license_id"`
	DeviceIDHash    string            `json:"device_id_hash" db:"device_id_hash"`
	TokenExpiresAt  time.Time         `json:"token_expires_at" db:"token_expires_at"`
	IsActive        bool              `json:"is_active" db:"is_active"`
	ActivatedAt     time.Time         `json:"activated_at" db:"activated_at"`
	DeactivatedAt   *time.Time        `json:"deactivated_at,omitempty" db:"deactivated_at"`
	LastSeenAt      *time.Time        `json:"last_seen_at,omitempty" db:"last_seen_at"`
	LastValidatedAt *time.Time        `json:"last_validated_at,omitempty" db:"last_validated_at"`
	LastIPAddress   string            `json:"last_ip_address,omitempty" db:"last_ip_address"`
	Metadata        map[string]string `json:"metadata,omitempty" db:"metadata"`
}

// FraudAction is the decision produced by the fraud engine
type FraudAction string

const (
	FraudActionAllow FraudAction = "allow"
	FraudActionFlag  FraudAction = "flag"
	FraudActionBlock FraudAction = "block"
)

// FraudCheckResult is the transient outcome of a fraud evaluation
type FraudCheckResult struct {
	Suspicious bool        `json:"suspicious"`
	Reasons    []string    `json:"reasons"`
	RiskScore  int         `json:"risk_score"`
	Action     FraudAction `json:"action"`
}

// Fraud alert types
const (
	AlertTypeActivationBlocked = "activation_blocked"
	AlertTypeActivationFlagged = "activation_flagged"
	AlertTypeDeviceMismatch    = "device_mismatch"
)

// FraudAlert is an append-only audit record. It references licenses and
// users by id only.
type FraudAlert struct {
	ID        string                 `json:"id" db:"id"`
	LicenseID string                 `json:"license_id" db:"license_id"`
	UserID    string                 `json:"user_id,omitempty" db:"user_id"`
	AlertType string                 `json:"alert_type" db:"alert_type"`
	RiskScore int                    `json:"risk_score" db:"risk_score"`
	Details   map[string]interface{} `json:"details,omitempty" db:"details"`
	IPAddress string                 `json:"ip_address,omitempty" db:"ip_address"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
}

// ActivityKind classifies an entry in the activity history
type ActivityKind string

const (
	ActivityActivation ActivityKind = "activation"
	ActivityValidation ActivityKind = "validation"
)

// ActivityEvent is one observed activation or validation call. The fraud
// engine scores licenses from windows of these events.
type ActivityEvent struct {
	LicenseID    string       `json:"license_id" db:"license_id"`
	DeviceIDHash string       `json:"device_id_hash" db:"device_id_hash"`
	IPAddress    string       `json:"ip_address,omitempty" db:"ip_address"`
	Kind         ActivityKind `json:"kind" db:"kind"`
	OccurredAt   time.Time    `json:"occurred_at" db:"occurred_at"`
}
