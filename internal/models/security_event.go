package models

import "time"

// Security event types written to the audit trail.
const (
	EventLockoutCreated       = "lockout_created"
	EventAccountUnlocked      = "account_unlocked"
	EventSessionEvicted       = "session_evicted"
	EventAllSessionsDestroyed = "all_sessions_destroyed"
	EventTokenRevoked         = "token_revoked"
	EventRefreshReuse         = "refresh_token_reuse"
	EventTwoFactorEnrolled    = "2fa_enrolled"
	EventTwoFactorDisabled    = "2fa_disabled"
	EventBackupCodeUsed       = "backup_code_used"
	EventSuspiciousIP         = "suspicious_ip"
)

// SecurityEvent represents a security-relevant state change in the auth core.
// Identifier holds a redacted fingerprint, never the raw login identifier.
type SecurityEvent struct {
	ID         string    `json:"id" db:"id"`
	EventType  string    `json:"event_type" db:"event_type"`
	Identifier string    `json:"identifier,omitempty" db:"identifier"`
	UserID     string    `json:"user_id,omitempty" db:"user_id"`
	IPAddress  string    `json:"ip_address,omitempty" db:"ip_address"`
	Details    string    `json:"details,omitempty" db:"details"` // JSON
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
