package security

import (
	"errors"
	"net"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrInvalidIdentifier is returned for identifiers carrying control
// characters or invalid UTF-8
var ErrInvalidIdentifier = errors.New("identifier contains control characters or invalid UTF-8")

// ParseIdentifier trims surrounding whitespace from a client supplied
// identifier that is hashed as is, such as a device fingerprint. Anything
// else that is not printable is rejected rather than stripped, so two
// different inputs never yield the same identifier.
func ParseIdentifier(input string) (string, error) {
	if !utf8.ValidString(input) {
		return "", ErrInvalidIdentifier
	}
	id := strings.TrimSpace(input)
	for _, r := range id {
		if !unicode.IsPrint(r) && r != ' ' {
			return "", ErrInvalidIdentifier
		}
	}
	return id, nil
}

// SanitizeIdentifier trims and strips control characters from free-form
// client input such as device metadata. Invalid UTF-8 yields "".
func SanitizeIdentifier(input string) string {
	if !utf8.ValidString(input) {
		return ""
	}
	return strings.TrimSpace(removeControlCharacters(input))
}

// NormalizeIP returns the canonical form of ip, or "" if it does not parse.
// Ports and IPv6 brackets are removed.
func NormalizeIP(ip string) string {
	ip = strings.TrimSpace(ip)
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	ip = strings.Trim(ip, "[]")

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	return parsed.String()
}

// SanitizeMetadata drops empty keys and strips control characters from
// device metadata.
func SanitizeMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		k = SanitizeIdentifier(k)
		if k == "" {
			continue
		}
		out[k] = SanitizeIdentifier(v)
	}
	return out
}

func removeControlCharacters(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		if unicode.IsPrint(r) || r == ' ' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
