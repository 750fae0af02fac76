// Package shared holds helpers used across licensehub packages that belong to
// no single layer.
//
// The testutil subpackage provides:
//
//	- BufferedSlogHandler for asserting on structured logs
//	- Clock, a settable time source for expiry and window tests
//	- LicenseTestFixtures for building licenses in known states
//
// testutil depends only on pkg/contracts so any internal package can use it
// from its tests without import cycles.
package shared
