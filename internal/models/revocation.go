package models

import "time"

// RevocationEntry marks a token invalidated before its natural expiry.
// It lives in the store exactly as long as the token would have.
type RevocationEntry struct {
	TokenHash string    `json:"token_hash"`
	TokenID   string    `json:"token_id,omitempty"` // JWT ID (JTI)
	UserID    string    `json:"user_id,omitempty"`
	RevokedAt time.Time `json:"revoked_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Reason    string    `json:"reason,omitempty"` // logout, refresh_rotation, manual_revoke
}
