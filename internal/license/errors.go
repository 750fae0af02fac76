package license

import (
	"errors"
	"fmt"
	"time"

	"licensehub/pkg/contracts/domain"
)

// Stable error codes exposed to clients
const (
	CodeTokenInvalid        = "TOKEN_INVALID"
	CodeTokenExpired        = "TOKEN_EXPIRED"
	CodeDeviceMismatch      = "DEVICE_MISMATCH"
	CodeLicenseNotFound     = "LICENSE_NOT_FOUND"
	CodeLicenseInvalid      = "LICENSE_INVALID"
	CodeLicenseRevoked      = "LICENSE_REVOKED"
	CodeLicenseSuspended    = "LICENSE_SUSPENDED"
	CodeLicenseExpired      = "LICENSE_EXPIRED"
	CodeDeviceLimitExceeded = "DEVICE_LIMIT_EXCEEDED"
	CodeFraudBlocked        = "FRAUD_BLOCKED"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeActivationNotFound  = "ACTIVATION_NOT_FOUND"
	CodeUnavailable         = "UNAVAILABLE"
)

// Error is a license domain error with a stable code. Two errors match under
// errors.Is when their codes are equal, so callers compare against the
// package sentinels regardless of details or wrapped causes.
type Error struct {
	Code    string
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on code
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Wrap returns a copy of the error carrying cause
func (e *Error) Wrap(cause error) *Error {
	c := *e
	c.Err = cause
	return &c
}

// WithDetail returns a copy of the error with an extra detail entry
func (e *Error) WithDetail(key string, value interface{}) *Error {
	c := *e
	c.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		c.Details[k] = v
	}
	c.Details[key] = value
	return &c
}

func newError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Sentinel errors
var (
	ErrTokenInvalid        = newError(CodeTokenInvalid, "activation token is invalid")
	ErrTokenExpired        = newError(CodeTokenExpired, "activation token has expired")
	ErrDeviceMismatch      = newError(CodeDeviceMismatch, "token was issued to a different device")
	ErrLicenseNotFound     = newError(CodeLicenseNotFound, "license not found")
	ErrLicenseInvalid      = newError(CodeLicenseInvalid, "license key is not valid")
	ErrLicenseRevoked      = newError(CodeLicenseRevoked, "license has been revoked")
	ErrLicenseSuspended    = newError(CodeLicenseSuspended, "license is suspended")
	ErrLicenseExpired      = newError(CodeLicenseExpired, "license has expired")
	ErrDeviceLimitExceeded = newError(CodeDeviceLimitExceeded, "maximum number of devices reached")
	ErrFraudBlocked        = newError(CodeFraudBlocked, "activation blocked by fraud detection")
	ErrInvalidRequest      = newError(CodeInvalidRequest, "request is invalid")
	ErrInvalidTransition   = newError(CodeInvalidTransition, "license status transition is not allowed")
	ErrActivationNotFound  = newError(CodeActivationNotFound, "device activation not found")
	ErrUnavailable         = newError(CodeUnavailable, "license service temporarily unavailable")
)

// Key generation errors are not client facing
var (
	ErrEntropyUnavailable     = errors.New("entropy source unavailable")
	ErrKeyGenerationExhausted = errors.New("license key generation exhausted retry budget")
)

// ErrNotFound is returned by repositories when a record does not exist
var ErrNotFound = errors.New("record not found")

// NewExpiredError returns LICENSE_EXPIRED carrying the expiry instant
func NewExpiredError(expiredAt time.Time) *Error {
	return ErrLicenseExpired.WithDetail("expired_at", expiredAt.UTC().Format(time.RFC3339))
}

// NewStaleStateError returns INVALID_TRANSITION for a status write whose
// expected prior status no longer matches the stored one.
func NewStaleStateError(expected, actual domain.LicenseStatus) *Error {
	return ErrInvalidTransition.
		WithDetail("expected", string(expected)).
		WithDetail("from", string(actual))
}

// NewInvalidRequest returns INVALID_REQUEST with a field-level reason
func NewInvalidRequest(field, reason string) *Error {
	e := ErrInvalidRequest.WithDetail("field", field)
	e.Message = reason
	return e
}

// CodeOf extracts the stable code from err, or UNAVAILABLE for anything
// that is not a license error.
func CodeOf(err error) string {
	var le *Error
	if errors.As(err, &le) {
		return le.Code
	}
	return CodeUnavailable
}
