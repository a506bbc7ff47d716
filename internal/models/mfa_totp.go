package models

import "time"

// TwoFactorSecret represents a user's enrolled TOTP seed.
type TwoFactorSecret struct {
	UserID    string    `json:"user_id"`
	Secret    string    `json:"secret"`    // base32, or AES-GCM sealed when Encrypted
	Encrypted bool      `json:"encrypted"` // never returned to callers in sealed form
	CreatedAt time.Time `json:"created_at"`
}

// KnownIP is one observed login origin for a user.
type KnownIP struct {
	IPAddress string    `json:"ip"`
	SeenAt    time.Time `json:"seen_at"`
}
