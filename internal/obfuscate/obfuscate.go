// Package obfuscate centralizes redaction helpers for key material and
// account identifiers that end up in logs or listings.
package obfuscate

import (
	"strings"
)

// MaskKey renders an API key or access token for display:
// - length <= 4  → all asterisks of same length
// - 5..12        → keep first 2 characters, replace the rest with asterisks
// - > 12         → first 8 characters, "...", last 4 characters
func MaskKey(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	if len(s) <= 12 {
		return s[:2] + strings.Repeat("*", len(s)-2)
	}
	return s[:8] + "..." + s[len(s)-4:]
}

// MaskHash shortens a hex digest to its first 12 characters, which is enough
// to correlate log lines without publishing the full lookup key.
func MaskHash(h string) string {
	if len(h) <= 12 {
		return h
	}
	return h[:12]
}

// MaskEmail keeps the first character of the local part and the domain:
// "alice@example.com" → "a****@example.com". Strings without '@' are masked
// with MaskKey.
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return MaskKey(email)
	}
	local, domain := email[:at], email[at:]
	return local[:1] + strings.Repeat("*", 4) + domain
}
