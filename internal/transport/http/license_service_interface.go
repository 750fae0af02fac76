package http

import (
	"context"

	"licensehub/internal/services"
	"licensehub/pkg/contracts/domain"
)

// LicenseService is the device-facing API served by LicenseHandler
type LicenseService interface {
	Validate(ctx context.Context, token, deviceID, ipAddress string) (*services.ValidationResult, error)
	Activate(ctx context.Context, key, deviceID, ipAddress string, metadata map[string]string) (*services.ActivationResult, error)
	Deactivate(ctx context.Context, token, deviceID string) (*services.DeactivationResult, error)
}

// AdminService is the operator API served by AdminHandler
type AdminService interface {
	Issue(ctx context.Context, in services.IssueInput) (string, *domain.License, error)
	Get(ctx context.Context, licenseID string) (*domain.License, error)
	ListActivations(ctx context.Context, licenseID string) ([]domain.DeviceActivation, error)
	ListAlerts(ctx context.Context, licenseID string, limit int) ([]domain.FraudAlert, error)
	Suspend(ctx context.Context, licenseID, reason string) (*domain.License, error)
	Revoke(ctx context.Context, licenseID, reason string) (*domain.License, error)
	Reactivate(ctx context.Context, licenseID, reason string) (*domain.License, error)
}

// HealthChecker reports liveness and readiness
type HealthChecker interface {
	LivenessCheck(ctx context.Context) services.HealthStatus
	ReadinessCheck(ctx context.Context) services.HealthStatus
}

var (
	_ LicenseService = (*services.LicenseService)(nil)
	_ AdminService   = (*services.LicenseService)(nil)
	_ HealthChecker  = (*services.HealthService)(nil)
)
