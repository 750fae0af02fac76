// Package license implements the license core: key generation and hashing,
// activation tokens, fraud scoring and the license state machine.
//
// # Components
//
//	- KeyCodec: generates XXXX-XXXX-XXXX-XXXX keys from a 32 symbol
//	  alphabet and hashes them for lookup
//	- TokenService: issues and verifies HS256 activation tokens binding a
//	  license to one device hash
//	- FraudEngine: additive risk score over a window of activity history
//	- StateMachine: suspend, revoke and reactivate transitions plus
//	  expiry and grace evaluation
//
// # Storage
//
// The package defines repository ports (LicenseRepository,
// ActivationRepository, HistoryReader, AlertRepository) and never talks to
// a database directly. CreateDeviceActivation must check the device limit
// and bind the device atomically.
//
// # Failure Policy
//
// The FraudEngine fails open: any history error yields an allow result and
// a log entry. Token verification and license state checks fail closed.
//
// # Errors
//
// Every client facing failure is an *Error with a stable Code such as
// LICENSE_EXPIRED. Use errors.Is against the package sentinels:
//
//	if errors.Is(err, license.ErrLicenseRevoked) { ... }
package license
