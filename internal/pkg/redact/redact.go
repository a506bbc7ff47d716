// Package redact keeps security identifiers and secret values out of logs.
// Key names keep their namespace so operators can still tell which entity
// family an error touched.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const redactedValue = "***REDACTED***"

// Value replaces any non-empty value with a fixed marker.
func Value(v string) string {
	if v == "" {
		return ""
	}
	return redactedValue
}

// Identifier returns a short stable fingerprint of an identifier (email, user ID, IP)
// so log lines can be correlated without exposing the raw value.
func Identifier(id string) string {
	if id == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:6])
}

// Key returns the namespace of a store key with the entity segment hidden,
// e.g. "login:attempts:bob@example.com" -> "login:attempts:***REDACTED***".
func Key(key string, namespace string) string {
	if namespace == "" || !strings.HasPrefix(key, namespace) {
		return redactedValue
	}
	return namespace + redactedValue
}
