// Package api contains API contract definitions for the license service.
// Version v1 represents the current stable API version.
package api

import (
	"time"

	"licensehub/pkg/contracts/domain"
)

// Device-facing requests

// ValidateRequest asks whether a device may run right now
type ValidateRequest struct {
	ActivationToken string `json:"activation_token" validate:"required,max=4096"`
	DeviceID        string `json:"device_id" validate:"required,max=512"`
}

// ActivateRequest binds a new device to a license
type ActivateRequest struct {
	LicenseKey string            `json:"license_key" validate:"required,max=64"`
	DeviceID   string            `json:"device_id" validate:"required,max=512"`
	Metadata   map[string]string `json:"metadata,omitempty" validate:"omitempty,max=32,dive,keys,max=64,endkeys,max=512"`
}

// DeactivateRequest releases the device slot held by a token
type DeactivateRequest struct {
	ActivationToken string `json:"activation_token" validate:"required,max=4096"`
	DeviceID        string `json:"device_id" validate:"required,max=512"`
}

// Admin requests

// IssueLicenseRequest creates a new license and returns its key once
type IssueLicenseRequest struct {
	UserID      string               `json:"user_id" validate:"required,max=128"`
	PackageID   string               `json:"package_id" validate:"required,max=128"`
	LicenseType domain.LicenseType   `json:"license_type" validate:"omitempty,oneof=standard pro enterprise trial"`
	MaxDevices  *int                 `json:"max_devices,omitempty" validate:"omitempty,min=0,max=10000"`
	ExpiresAt   *time.Time           `json:"expires_at,omitempty"`
	Source      domain.LicenseSource `json:"source" validate:"omitempty,oneof=purchase subscription gift promo admin trial"`
}

// TransitionRequest carries an optional operator note for state changes
type TransitionRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=512"`
}
