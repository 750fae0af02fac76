package license

import (
	"time"

	"licensehub/pkg/contracts/domain"
)

// DefaultGracePeriod applies after expires_at before a license hard-expires
const DefaultGracePeriod = 7 * 24 * time.Hour

// Standing is the evaluated condition of a license at a point in time
type Standing string

const (
	StandingActive    Standing = "active"
	StandingGrace     Standing = "grace"
	StandingExpired   Standing = "expired"
	StandingSuspended Standing = "suspended"
	StandingRevoked   Standing = "revoked"
)

// Evaluation is the outcome of evaluating a license at now
type Evaluation struct {
	Standing        Standing
	GracePeriodEnds *time.Time
	ExpiredAt       *time.Time
}

// InGrace reports whether the license is past expiry but still usable
func (e Evaluation) InGrace() bool {
	return e.Standing == StandingGrace
}

// StateMachine applies status transitions and evaluates expiry. It only
// computes new states; persistence belongs to the caller.
type StateMachine struct {
	grace time.Duration
	now   func() time.Time
}

// NewStateMachine creates a state machine
func NewStateMachine(grace time.Duration, now func() time.Time) *StateMachine {
	if grace < 0 {
		grace = 0
	}
	if now == nil {
		now = time.Now
	}
	return &StateMachine{grace: grace, now: now}
}

// Suspend moves an active license to suspended
func (sm *StateMachine) Suspend(lic domain.License) (domain.License, error) {
	if lic.Status != domain.LicenseStatusActive {
		return lic, sm.transitionError(lic.Status, domain.LicenseStatusSuspended)
	}
	now := sm.now().UTC()
	lic.Status = domain.LicenseStatusSuspended
	lic.SuspendedAt = &now
	lic.UpdatedAt = now
	return lic, nil
}

// Revoke moves an active or suspended license to revoked. The caller must
// deactivate the license's devices in the same unit of work.
func (sm *StateMachine) Revoke(lic domain.License) (domain.License, error) {
	if lic.Status != domain.LicenseStatusActive && lic.Status != domain.LicenseStatusSuspended {
		return lic, sm.transitionError(lic.Status, domain.LicenseStatusRevoked)
	}
	now := sm.now().UTC()
	lic.Status = domain.LicenseStatusRevoked
	lic.RevokedAt = &now
	lic.ActiveDevices = 0
	lic.UpdatedAt = now
	return lic, nil
}

// Reactivate is the explicit override returning a suspended or revoked
// license to active. Both timestamps are cleared.
func (sm *StateMachine) Reactivate(lic domain.License) (domain.License, error) {
	if lic.Status != domain.LicenseStatusSuspended && lic.Status != domain.LicenseStatusRevoked {
		return lic, sm.transitionError(lic.Status, domain.LicenseStatusActive)
	}
	lic.Status = domain.LicenseStatusActive
	lic.SuspendedAt = nil
	lic.RevokedAt = nil
	lic.UpdatedAt = sm.now().UTC()
	return lic, nil
}

// Evaluate derives the standing of lic at the current time without writing
func (sm *StateMachine) Evaluate(lic domain.License) Evaluation {
	switch lic.Status {
	case domain.LicenseStatusRevoked:
		return Evaluation{Standing: StandingRevoked}
	case domain.LicenseStatusSuspended:
		return Evaluation{Standing: StandingSuspended}
	case domain.LicenseStatusExpired:
		return Evaluation{Standing: StandingExpired, ExpiredAt: copyTime(lic.ExpiresAt)}
	}

	if lic.ExpiresAt == nil {
		return Evaluation{Standing: StandingActive}
	}

	now := sm.now()
	expiresAt := *lic.ExpiresAt
	graceEnds := expiresAt.Add(sm.grace)
	switch {
	case !now.After(expiresAt):
		return Evaluation{Standing: StandingActive}
	case !now.After(graceEnds):
		return Evaluation{Standing: StandingGrace, GracePeriodEnds: &graceEnds}
	default:
		return Evaluation{Standing: StandingExpired, ExpiredAt: &expiresAt}
	}
}

// CheckUsable evaluates lic and maps unusable standings to typed errors
func (sm *StateMachine) CheckUsable(lic domain.License) (Evaluation, error) {
	ev := sm.Evaluate(lic)
	switch ev.Standing {
	case StandingRevoked:
		return ev, ErrLicenseRevoked
	case StandingSuspended:
		return ev, ErrLicenseSuspended
	case StandingExpired:
		if ev.ExpiredAt != nil {
			return ev, NewExpiredError(*ev.ExpiredAt)
		}
		return ev, ErrLicenseExpired
	}
	return ev, nil
}

// StatusError maps a stored status that does not accept new devices to its
// error. It returns nil for active licenses; expiry by date is not
// considered.
func StatusError(status domain.LicenseStatus) error {
	switch status {
	case domain.LicenseStatusActive:
		return nil
	case domain.LicenseStatusSuspended:
		return ErrLicenseSuspended
	case domain.LicenseStatusRevoked:
		return ErrLicenseRevoked
	case domain.LicenseStatusExpired:
		return ErrLicenseExpired
	}
	return ErrLicenseInvalid.WithDetail("status", string(status))
}

// HasFreeSlot reports whether another device may be activated
func HasFreeSlot(lic domain.License) bool {
	return lic.ActiveDevices < lic.MaxDevices
}

func (sm *StateMachine) transitionError(from, to domain.LicenseStatus) error {
	return ErrInvalidTransition.
		WithDetail("from", string(from)).
		WithDetail("to", string(to))
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
