package config

import "time"

// Application constants
const (
	AppName = "licensehub"

	// Storage drivers
	StorageMemory = "memory"
	StorageSQLite = "sqlite"

	// Token signing
	MinTokenSecretLength = 32
	DefaultTokenTTL      = time.Hour

	// License lifecycle
	DefaultGracePeriod = 7 * 24 * time.Hour

	// 100 requests per hour per device on validate/activate
	DefaultRateLimitRequests = 100
	DefaultRateLimitBurst    = 10

	DefaultRateLimitAddressFactor = 10
)
