package license

import (
	"log/slog"
)

// MaskLicenseKey keeps the first and last group of a key for support
// correlation and hides the rest.
func MaskLicenseKey(key string) string {
	key = NormalizeKey(key)
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "-****-****-" + key[len(key)-4:]
}

// ShortHash trims a hex hash to 16 chars for audit correlation in logs
func ShortHash(hash string) string {
	if len(hash) <= 16 {
		return hash
	}
	return hash[:16]
}

// KeyAttrs returns the log attributes that identify a key without leaking it
func KeyAttrs(key string) slog.Attr {
	return slog.Group("license_key",
		slog.String("masked", MaskLicenseKey(key)),
		slog.String("hash", ShortHash(HashKey(key))),
	)
}

// DeviceAttr identifies a device by its hash prefix
func DeviceAttr(deviceIDHash string) slog.Attr {
	return slog.String("device_hash", ShortHash(deviceIDHash))
}
