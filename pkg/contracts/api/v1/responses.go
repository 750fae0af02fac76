package api

import (
	"time"

	"licensehub/pkg/contracts/domain"
)

// ValidateResponse is returned when a device is allowed to run
type ValidateResponse struct {
	Valid           bool       `json:"valid"`
	LicenseID       string     `json:"license_id,omitempty"`
	PackageID       string     `json:"package_id,omitempty"`
	GracePeriod     bool       `json:"grace_period"`
	GracePeriodEnds *time.Time `json:"grace_period_ends,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// ActivateResponse carries the activation token for a device
type ActivateResponse struct {
	ActivationToken string    `json:"activation_token"`
	ExpiresAt       time.Time `json:"expires_at"`
	LicenseID       string    `json:"license_id"`
}

// DeactivateResponse confirms a released device slot
type DeactivateResponse struct {
	Deactivated   bool   `json:"deactivated"`
	LicenseID     string `json:"license_id"`
	ActiveDevices int    `json:"active_devices"`
}

// IssueLicenseResponse is the only response that ever contains a plaintext key
type IssueLicenseResponse struct {
	LicenseKey string         `json:"license_key"`
	License    domain.License `json:"license"`
}

// LicenseResponse wraps a single license
type LicenseResponse struct {
	License domain.License `json:"license"`
}

// ActivationsResponse lists the device activations of a license
type ActivationsResponse struct {
	LicenseID   string                    `json:"license_id"`
	Activations []domain.DeviceActivation `json:"activations"`
}

// FraudAlertsResponse lists audit alerts
type FraudAlertsResponse struct {
	Alerts []domain.FraudAlert `json:"alerts"`
}
