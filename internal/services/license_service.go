package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	apperrors "licensehub/internal/errors"
	"licensehub/internal/infrastructure"
	"licensehub/internal/license"
	"licensehub/internal/security"
	"licensehub/pkg/contracts/domain"
)

// bestEffortTimeout bounds audit and bookkeeping writes that must not hold
// up the response.
const bestEffortTimeout = 2 * time.Second

// defaultAlertLimit caps alert listings when the caller gives no limit
const defaultAlertLimit = 100

// LicenseStore is the persistence the license service needs. Fraud history
// may live elsewhere and is passed separately.
type LicenseStore interface {
	license.LicenseRepository
	license.ActivationRepository
	license.AlertRepository
}

// LicenseServiceDeps wires a LicenseService
type LicenseServiceDeps struct {
	Store   LicenseStore
	History license.HistoryRecorder
	Fraud   *license.FraudEngine
	Tokens  *license.TokenService
	States  *license.StateMachine
	Keys    *license.KeyCodec
	Metrics *license.LicenseMetrics
	Logger  *slog.Logger
	Now     func() time.Time

	TokenTTL          time.Duration
	DefaultMaxDevices int
}

// LicenseService orchestrates activation, validation and the license
// lifecycle on top of the license core.
type LicenseService struct {
	store   LicenseStore
	history license.HistoryRecorder
	fraud   *license.FraudEngine
	tokens  *license.TokenService
	states  *license.StateMachine
	keys    *license.KeyCodec
	metrics *license.LicenseMetrics
	logger  *slog.Logger
	now     func() time.Time

	tokenTTL          time.Duration
	defaultMaxDevices int
}

// ValidationResult is returned when a device may run
type ValidationResult struct {
	Valid           bool
	LicenseID       string
	PackageID       string
	GracePeriod     bool
	GracePeriodEnds *time.Time
	ExpiresAt       *time.Time
}

// ActivationResult carries the token issued to a device
type ActivationResult struct {
	Token     string
	ExpiresAt time.Time
	LicenseID string
	// NewDevice is false when an already active device refreshed its token
	NewDevice bool
	Fraud     domain.FraudCheckResult
}

// DeactivationResult reports a released device slot
type DeactivationResult struct {
	Deactivated   bool
	LicenseID     string
	ActiveDevices int
}

// IssueInput describes a license to create
type IssueInput struct {
	UserID      string
	PackageID   string
	LicenseType domain.LicenseType
	MaxDevices  *int
	ExpiresAt   *time.Time
	Source      domain.LicenseSource
}

// NewLicenseService creates a license service
func NewLicenseService(deps LicenseServiceDeps) (*LicenseService, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("license service requires a store")
	case deps.Fraud == nil:
		return nil, errors.New("license service requires a fraud engine")
	case deps.Tokens == nil:
		return nil, errors.New("license service requires a token service")
	case deps.States == nil:
		return nil, errors.New("license service requires a state machine")
	}

	if deps.Keys == nil {
		deps.Keys = license.NewKeyCodec(license.DefaultKeyAttempts)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.TokenTTL <= 0 {
		deps.TokenTTL = license.DefaultTokenTTL
	}

	return &LicenseService{
		store:             deps.Store,
		history:           deps.History,
		fraud:             deps.Fraud,
		tokens:            deps.Tokens,
		states:            deps.States,
		keys:              deps.Keys,
		metrics:           deps.Metrics,
		logger:            deps.Logger.With(slog.String("component", "license_service")),
		now:               deps.Now,
		tokenTTL:          deps.TokenTTL,
		defaultMaxDevices: deps.DefaultMaxDevices,
	}, nil
}

// Validate answers whether the device holding token may run now. Token and
// device checks fail closed; last-seen bookkeeping is best effort.
func (s *LicenseService) Validate(ctx context.Context, token, deviceID, ipAddress string) (result *ValidationResult, err error) {
	start := time.Now()
	ctx, span := license.StartSpan(ctx, "validate")
	grace := false
	defer func() {
		s.metrics.RecordValidation(ctx, time.Since(start), grace, err)
		license.EndSpan(span, start, err)
	}()

	if token == "" {
		return nil, license.NewInvalidRequest("activation_token", "activation_token is required")
	}
	deviceID, err = parseDeviceID(deviceID)
	if err != nil {
		return nil, err
	}

	claims, err := s.tokens.Verify(token)
	if err != nil {
		return nil, err
	}

	deviceHash := license.HashDeviceID(deviceID)
	logger := infrastructure.LoggerWithContext(ctx, s.logger).With(
		slog.String("license_id", claims.LicenseID),
		license.DeviceAttr(deviceHash),
	)

	if deviceHash != claims.DeviceIDHash {
		logger.WarnContext(ctx, "activation token presented by a different device",
			slog.String("token_device_hash", license.ShortHash(claims.DeviceIDHash)))
		s.recordAlert(ctx, &domain.FraudAlert{
			LicenseID: claims.LicenseID,
			AlertType: domain.AlertTypeDeviceMismatch,
			Details: map[string]interface{}{
				"token_device_hash":     license.ShortHash(claims.DeviceIDHash),
				"presented_device_hash": license.ShortHash(deviceHash),
			},
			IPAddress: security.NormalizeIP(ipAddress),
		})
		return nil, license.ErrDeviceMismatch
	}

	lic, err := s.store.FindLicenseByID(ctx, claims.LicenseID)
	if err != nil {
		if errors.Is(err, license.ErrNotFound) {
			return nil, license.ErrLicenseNotFound
		}
		return nil, storageError("find license", err)
	}

	ev, err := s.states.CheckUsable(*lic)
	if err != nil {
		logger.InfoContext(ctx, "validation refused", slog.String("standing", string(ev.Standing)))
		return nil, err
	}
	grace = ev.InGrace()

	now := s.now()
	ip := security.NormalizeIP(ipAddress)
	if err := s.touchDevice(ctx, lic.ID, deviceHash, ip, now); err != nil {
		if errors.Is(err, license.ErrNotFound) {
			logger.InfoContext(ctx, "validation refused, device no longer active")
			return nil, license.ErrActivationNotFound
		}
		logger.WarnContext(ctx, "failed to update device last seen", slog.String("error", err.Error()))
	}
	s.recordActivity(ctx, domain.ActivityEvent{
		LicenseID:    lic.ID,
		DeviceIDHash: deviceHash,
		IPAddress:    ip,
		Kind:         domain.ActivityValidation,
		OccurredAt:   now,
	})

	if grace {
		logger.InfoContext(ctx, "license validated in grace period",
			slog.Time("grace_period_ends", *ev.GracePeriodEnds))
	}

	return &ValidationResult{
		Valid:           true,
		LicenseID:       lic.ID,
		PackageID:       lic.PackageID,
		GracePeriod:     grace,
		GracePeriodEnds: ev.GracePeriodEnds,
		ExpiresAt:       lic.ExpiresAt,
	}, nil
}

// Activate binds deviceID to the license identified by key and issues an
// activation token. The fraud gate runs before the atomic device-limit
// check in the store.
func (s *LicenseService) Activate(ctx context.Context, key, deviceID, ipAddress string, metadata map[string]string) (result *ActivationResult, err error) {
	start := time.Now()
	ctx, span := license.StartSpan(ctx, "activate")
	defer func() {
		s.metrics.RecordActivation(ctx, time.Since(start), err)
		license.EndSpan(span, start, err)
	}()

	if license.NormalizeKey(key) == "" {
		return nil, license.NewInvalidRequest("license_key", "license_key is required")
	}
	deviceID, err = parseDeviceID(deviceID)
	if err != nil {
		return nil, err
	}

	logger := infrastructure.LoggerWithContext(ctx, s.logger).With(license.KeyAttrs(key))
	if !license.IsWellFormedKey(key) {
		logger.InfoContext(ctx, "activation refused, malformed key")
		return nil, license.ErrLicenseInvalid
	}

	lic, err := s.store.FindLicenseByKeyHash(ctx, license.HashKey(key))
	if err != nil {
		if errors.Is(err, license.ErrNotFound) {
			logger.InfoContext(ctx, "activation refused, unknown key")
			return nil, license.ErrLicenseInvalid
		}
		return nil, storageError("find license by key", err)
	}

	deviceHash := license.HashDeviceID(deviceID)
	ip := security.NormalizeIP(ipAddress)
	logger = logger.With(slog.String("license_id", lic.ID), license.DeviceAttr(deviceHash))
	span.SetAttributes(attribute.String("license.id", lic.ID))

	if _, err := s.states.CheckUsable(*lic); err != nil {
		logger.InfoContext(ctx, "activation refused", slog.String("code", license.CodeOf(err)))
		return nil, err
	}

	now := s.now()
	s.recordActivity(ctx, domain.ActivityEvent{
		LicenseID:    lic.ID,
		DeviceIDHash: deviceHash,
		IPAddress:    ip,
		Kind:         domain.ActivityActivation,
		OccurredAt:   now,
	})

	fraud := s.fraud.Evaluate(ctx, license.FraudInput{
		LicenseID:    lic.ID,
		IPAddress:    ip,
		DeviceIDHash: deviceHash,
	})
	infrastructure.AddSpanEvent(ctx, "fraud.evaluated", map[string]interface{}{
		"risk_score": fraud.RiskScore,
		"action":     string(fraud.Action),
	})

	switch fraud.Action {
	case domain.FraudActionBlock:
		logger.WarnContext(ctx, "activation blocked by fraud engine", slog.Int("risk_score", fraud.RiskScore))
		s.recordAlert(ctx, fraudAlert(lic, domain.AlertTypeActivationBlocked, fraud, deviceHash, ip))
	case domain.FraudActionFlag:
		logger.InfoContext(ctx, "activation flagged", slog.Int("risk_score", fraud.RiskScore))
		s.recordAlert(ctx, fraudAlert(lic, domain.AlertTypeActivationFlagged, fraud, deviceHash, ip))
	}

	// A full license refuses a new device whatever the fraud score. The
	// store enforces the limit atomically again below.
	if !license.HasFreeSlot(*lic) {
		bound, err := s.deviceBound(ctx, lic.ID, deviceHash)
		if err != nil {
			return nil, err
		}
		if !bound {
			logger.InfoContext(ctx, "activation refused, device limit reached",
				slog.Int("max_devices", lic.MaxDevices))
			return nil, license.ErrDeviceLimitExceeded
		}
	}
	if fraud.Action == domain.FraudActionBlock {
		return nil, license.ErrFraudBlocked
	}

	signed, err := s.tokens.Issue(lic.ID, deviceHash, s.tokenTTL)
	if err != nil {
		return nil, license.ErrUnavailable.Wrap(err)
	}

	stored, created, err := s.store.CreateDeviceActivation(ctx, &domain.DeviceActivation{
		LicenseID:      lic.ID,
		DeviceIDHash:   deviceHash,
		TokenExpiresAt: signed.ExpiresAt,
		IsActive:       true,
		ActivatedAt:    now,
		LastIPAddress:  ip,
		Metadata:       security.SanitizeMetadata(metadata),
	})
	if err != nil {
		switch {
		case errors.Is(err, license.ErrDeviceLimitExceeded):
			logger.InfoContext(ctx, "activation refused, device limit reached",
				slog.Int("max_devices", lic.MaxDevices))
			return nil, license.ErrDeviceLimitExceeded
		case errors.Is(err, license.ErrNotFound):
			return nil, license.ErrLicenseNotFound
		}
		logger.InfoContext(ctx, "activation refused by store", slog.String("code", license.CodeOf(err)))
		return nil, storageError("create device activation", err)
	}
	s.recordBinding(ctx, lic.ID, deviceHash)

	logger.InfoContext(ctx, "device activated",
		slog.String("activation_id", stored.ID),
		slog.Bool("new_device", created),
		slog.Int("risk_score", fraud.RiskScore),
		slog.Time("token_expires_at", signed.ExpiresAt))

	return &ActivationResult{
		Token:     signed.Token,
		ExpiresAt: signed.ExpiresAt,
		LicenseID: lic.ID,
		NewDevice: created,
		Fraud:     fraud,
	}, nil
}

// Deactivate releases the slot held by the device that owns token.
// Deactivating an inactive device succeeds with Deactivated=false.
func (s *LicenseService) Deactivate(ctx context.Context, token, deviceID string) (result *DeactivationResult, err error) {
	start := time.Now()
	ctx, span := license.StartSpan(ctx, "deactivate")
	defer func() { license.EndSpan(span, start, err) }()

	if token == "" {
		return nil, license.NewInvalidRequest("activation_token", "activation_token is required")
	}
	deviceID, err = parseDeviceID(deviceID)
	if err != nil {
		return nil, err
	}

	claims, err := s.tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	deviceHash := license.HashDeviceID(deviceID)
	if deviceHash != claims.DeviceIDHash {
		return nil, license.ErrDeviceMismatch
	}

	changed, err := s.store.DeactivateDevice(ctx, claims.LicenseID, deviceHash, s.now())
	if err != nil {
		return nil, storageError("deactivate device", err)
	}

	lic, err := s.store.FindLicenseByID(ctx, claims.LicenseID)
	if err != nil {
		if errors.Is(err, license.ErrNotFound) {
			return nil, license.ErrLicenseNotFound
		}
		return nil, storageError("find license", err)
	}

	infrastructure.LoggerWithContext(ctx, s.logger).InfoContext(ctx, "device deactivated",
		slog.String("license_id", lic.ID),
		license.DeviceAttr(deviceHash),
		slog.Bool("changed", changed),
		slog.Int("active_devices", lic.ActiveDevices))

	return &DeactivationResult{
		Deactivated:   changed,
		LicenseID:     lic.ID,
		ActiveDevices: lic.ActiveDevices,
	}, nil
}

// Issue creates a license and returns its plaintext key. The key is not
// stored and cannot be recovered later.
func (s *LicenseService) Issue(ctx context.Context, in IssueInput) (string, *domain.License, error) {
	if in.UserID == "" {
		return "", nil, license.NewInvalidRequest("user_id", "user_id is required")
	}
	if in.PackageID == "" {
		return "", nil, license.NewInvalidRequest("package_id", "package_id is required")
	}

	maxDevices := s.defaultMaxDevices
	if in.MaxDevices != nil {
		maxDevices = *in.MaxDevices
	}
	if maxDevices < 0 {
		return "", nil, license.NewInvalidRequest("max_devices", "max_devices cannot be negative")
	}

	now := s.now()
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return "", nil, license.NewInvalidRequest("expires_at", "expires_at must be in the future")
	}
	if in.LicenseType == "" {
		in.LicenseType = domain.LicenseTypeStandard
	}
	if in.Source == "" {
		in.Source = domain.LicenseSourceAdmin
	}

	key, keyHash, err := s.keys.GenerateUniqueKey(ctx, s.store.KeyHashExists)
	if err != nil {
		return "", nil, storageError("generate license key", err)
	}

	lic := &domain.License{
		ID:             uuid.NewString(),
		UserID:         in.UserID,
		PackageID:      in.PackageID,
		LicenseKeyHash: keyHash,
		LicenseType:    in.LicenseType,
		Status:         domain.LicenseStatusActive,
		MaxDevices:     maxDevices,
		ExpiresAt:      in.ExpiresAt,
		Source:         in.Source,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateLicense(ctx, lic); err != nil {
		return "", nil, storageError("create license", err)
	}

	s.logger.InfoContext(ctx, "license issued",
		slog.String("license_id", lic.ID),
		slog.String("user_id", lic.UserID),
		slog.String("package_id", lic.PackageID),
		slog.Int("max_devices", lic.MaxDevices),
		license.KeyAttrs(key))

	return key, lic, nil
}

// Suspend moves an active license to suspended
func (s *LicenseService) Suspend(ctx context.Context, licenseID, reason string) (*domain.License, error) {
	return s.transition(ctx, licenseID, reason, "suspend", s.states.Suspend, false)
}

// Revoke revokes a license and deactivates all of its devices
func (s *LicenseService) Revoke(ctx context.Context, licenseID, reason string) (*domain.License, error) {
	return s.transition(ctx, licenseID, reason, "revoke", s.states.Revoke, true)
}

// Reactivate returns a suspended or revoked license to active
func (s *LicenseService) Reactivate(ctx context.Context, licenseID, reason string) (*domain.License, error) {
	return s.transition(ctx, licenseID, reason, "reactivate", s.states.Reactivate, false)
}

func (s *LicenseService) transition(
	ctx context.Context,
	licenseID, reason, op string,
	apply func(domain.License) (domain.License, error),
	deactivateDevices bool,
) (lic *domain.License, err error) {
	start := time.Now()
	ctx, span := license.StartSpan(ctx, op, attribute.String("license.id", licenseID))
	defer func() { license.EndSpan(span, start, err) }()

	current, err := s.Get(ctx, licenseID)
	if err != nil {
		return nil, err
	}

	next, err := apply(*current)
	if err != nil {
		return nil, err
	}

	if err := s.store.SaveLicenseState(ctx, &next, current.Status, deactivateDevices); err != nil {
		if errors.Is(err, license.ErrNotFound) {
			return nil, license.ErrLicenseNotFound
		}
		return nil, storageError("save license state", err)
	}
	s.metrics.RecordTransition(ctx, next.Status)

	s.logger.InfoContext(ctx, "license status changed",
		slog.String("license_id", licenseID),
		slog.String("from", string(current.Status)),
		slog.String("to", string(next.Status)),
		slog.String("reason", reason),
		slog.Int("devices_released", current.ActiveDevices-next.ActiveDevices))

	return &next, nil
}

// Get loads a license by id
func (s *LicenseService) Get(ctx context.Context, licenseID string) (*domain.License, error) {
	if licenseID == "" {
		return nil, license.NewInvalidRequest("id", "license id is required")
	}
	lic, err := s.store.FindLicenseByID(ctx, licenseID)
	if err != nil {
		if errors.Is(err, license.ErrNotFound) {
			return nil, license.ErrLicenseNotFound
		}
		return nil, storageError("find license", err)
	}
	return lic, nil
}

// ListActivations returns every activation of a license, active or not
func (s *LicenseService) ListActivations(ctx context.Context, licenseID string) ([]domain.DeviceActivation, error) {
	if _, err := s.Get(ctx, licenseID); err != nil {
		return nil, err
	}
	acts, err := s.store.ListActivations(ctx, licenseID)
	if err != nil {
		return nil, storageError("list activations", err)
	}
	return acts, nil
}

// ListAlerts returns fraud alerts, newest first. An empty licenseID lists
// alerts for all licenses.
func (s *LicenseService) ListAlerts(ctx context.Context, licenseID string, limit int) ([]domain.FraudAlert, error) {
	if limit <= 0 {
		limit = defaultAlertLimit
	}
	alerts, err := s.store.ListFraudAlerts(ctx, licenseID, limit)
	if err != nil {
		return nil, storageError("list fraud alerts", err)
	}
	return alerts, nil
}

// deviceBound reports whether the device already holds an active slot
func (s *LicenseService) deviceBound(ctx context.Context, licenseID, deviceHash string) (bool, error) {
	act, err := s.store.FindActivation(ctx, licenseID, deviceHash)
	switch {
	case errors.Is(err, license.ErrNotFound):
		return false, nil
	case err != nil:
		return false, storageError("find activation", err)
	}
	return act.IsActive, nil
}

// touchDevice updates last-seen bookkeeping without inheriting the request
// deadline.
func (s *LicenseService) touchDevice(ctx context.Context, licenseID, deviceHash, ip string, now time.Time) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	return s.store.UpdateDeviceLastSeen(ctx, licenseID, deviceHash, ip, now)
}

// recordActivity appends to the fraud history. Failures are logged only.
func (s *LicenseService) recordActivity(ctx context.Context, event domain.ActivityEvent) {
	if s.history == nil {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()

	if err := s.history.RecordActivity(wctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to record activity",
			slog.String("license_id", event.LicenseID),
			slog.String("kind", string(event.Kind)),
			slog.String("error", err.Error()))
	}
}

// recordBinding notes a successful binding for device reuse scoring.
// Failures are logged only.
func (s *LicenseService) recordBinding(ctx context.Context, licenseID, deviceHash string) {
	if s.history == nil {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()

	if err := s.history.RecordDeviceBinding(wctx, licenseID, deviceHash); err != nil {
		s.logger.WarnContext(ctx, "failed to record device binding",
			slog.String("license_id", licenseID),
			license.DeviceAttr(deviceHash),
			slog.String("error", err.Error()))
	}
}

// recordAlert writes a fraud alert. Failures are logged and counted, never
// returned.
func (s *LicenseService) recordAlert(ctx context.Context, alert *domain.FraudAlert) {
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = s.now()
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()

	if err := s.store.RecordFraudAlert(wctx, alert); err != nil {
		s.metrics.RecordAlertWriteFailure(ctx, alert.AlertType)
		s.logger.ErrorContext(ctx, "failed to record fraud alert",
			slog.String("license_id", alert.LicenseID),
			slog.String("alert_type", alert.AlertType),
			slog.Int("risk_score", alert.RiskScore),
			slog.String("error", err.Error()))
	}
}

func fraudAlert(lic *domain.License, alertType string, result domain.FraudCheckResult, deviceHash, ip string) *domain.FraudAlert {
	return &domain.FraudAlert{
		LicenseID: lic.ID,
		UserID:    lic.UserID,
		AlertType: alertType,
		RiskScore: result.RiskScore,
		Details: map[string]interface{}{
			"action":      string(result.Action),
			"reasons":     result.Reasons,
			"device_hash": license.ShortHash(deviceHash),
		},
		IPAddress: ip,
	}
}

// parseDeviceID rejects device ids that are empty or carry characters the
// hash would otherwise silently drop.
func parseDeviceID(raw string) (string, error) {
	id, err := security.ParseIdentifier(raw)
	if err != nil {
		return "", license.NewInvalidRequest("device_id", "device_id must be printable UTF-8")
	}
	if id == "" {
		return "", license.NewInvalidRequest("device_id", "device_id is required")
	}
	return id, nil
}

// storageError passes license errors through and reports anything else as
// UNAVAILABLE.
func storageError(op string, err error) error {
	var le *license.Error
	if errors.As(err, &le) {
		return err
	}
	return license.ErrUnavailable.Wrap(apperrors.NewStorageError(op, err))
}

// String omits the token so results are safe to log
func (r *ActivationResult) String() string {
	return fmt.Sprintf("activation{license=%s new=%t expires=%s}", r.LicenseID, r.NewDevice, r.ExpiresAt.Format(time.RFC3339))
}
