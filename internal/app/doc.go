// Package app wires the license service together and runs it.
//
// NewApplication builds every component from a loaded config.Config:
//
//  1. OpenTelemetry providers (Prometheus metrics, optional stdout traces)
//  2. the license store (memory or SQLite) and optional Redis fraud history
//  3. the activation token key, derived from the master secret with HKDF
//  4. the license core (tokens, state machine, fraud engine) and services
//  5. the chi router with middleware, handlers and /metrics
//
// Run serves HTTP until its context is cancelled, running rate limiter
// cleanup and activity pruning alongside, then shuts the server down within
// Server.ShutdownTimeout and releases storage and telemetry.
//
// The package never calls os.Exit; cmd/licensed owns process exit.
package app
