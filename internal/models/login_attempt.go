package models

import "time"

// LoginAttempt is one recorded login outcome. Entries are append-only.
type LoginAttempt struct {
	Identifier string    `json:"identifier"`
	IPAddress  string    `json:"ip_address,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Success    bool      `json:"success"`
	UserID     string    `json:"user_id,omitempty"`
}

// AccountLockout is a temporary ban on an identifier.
type AccountLockout struct {
	Identifier   string    `json:"identifier"`
	LockedUntil  time.Time `json:"locked_until"`
	Reason       string    `json:"reason"`
	AttemptCount int       `json:"attempt_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsExpired returns true once the lockout deadline has been reached.
func (l *AccountLockout) IsExpired(now time.Time) bool {
	return !now.Before(l.LockedUntil)
}
