// Package services implements the business layer between the HTTP handlers
// and the license core.
//
// # Services
//
//	- LicenseService: validation, activation and deactivation for devices,
//	  plus license issuance and lifecycle transitions for operators
//	- HealthService: liveness and dependency readiness
//
// # Failure Policy
//
// LicenseService keeps two policies apart:
//
//	- Decisions that need license or token data fail closed with
//	  UNAVAILABLE when storage cannot answer.
//	- Fraud scoring fails open, and audit or bookkeeping writes (fraud
//	  alerts, activity history, last-seen stamps) are logged and swallowed.
//
// All errors returned to callers are *license.Error values with a stable
// code; storage failures are wrapped as UNAVAILABLE with an AppError cause.
//
// # Testing
//
// Tests run against the in-memory store with an injected testutil.Clock,
// using memory.Store failure injection to exercise both failure policies.
package services
