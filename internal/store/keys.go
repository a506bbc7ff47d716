package store

import "strings"

// Key namespaces. Every key written by the auth core starts with exactly one of these.
const (
	NSLoginAttempts   = "login:attempts:"
	NSLoginIP         = "login:ip:"
	NSAccountLocked   = "account:locked:"
	NSSession         = "session:"
	NSUserSessions    = "user:sessions:"
	NSRevokedToken    = "token:revoked:"
	NSTwoFactorSecret = "2fa:secret:"
	NSBackupCodes     = "2fa:backup:"
	NSUsedTOTP        = "2fa:used:"
	NSKnownIPs        = "user:ips:"
)

var namespaces = []string{
	NSLoginAttempts, NSLoginIP, NSAccountLocked, NSUserSessions, NSSession,
	NSRevokedToken, NSTwoFactorSecret, NSBackupCodes, NSUsedTOTP, NSKnownIPs,
}

func LoginAttemptsKey(identifier string) string { return NSLoginAttempts + identifier }
func LoginIPKey(ip string) string               { return NSLoginIP + ip }
func AccountLockedKey(identifier string) string { return NSAccountLocked + identifier }
func SessionKey(sessionID string) string        { return NSSession + sessionID }
func UserSessionsKey(userID string) string      { return NSUserSessions + userID }
func RevokedTokenKey(tokenHash string) string   { return NSRevokedToken + tokenHash }
func TwoFactorSecretKey(userID string) string   { return NSTwoFactorSecret + userID }
func BackupCodesKey(userID string) string       { return NSBackupCodes + userID }
func KnownIPsKey(userID string) string          { return NSKnownIPs + userID }

// UsedTOTPKey is keyed by user and code; the code is digits only so the last segment is unambiguous.
func UsedTOTPKey(userID, code string) string { return NSUsedTOTP + userID + ":" + code }

// Namespace returns the namespace prefix of key, or "" when it is not one of ours.
func Namespace(key string) string {
	for _, ns := range namespaces {
		if strings.HasPrefix(key, ns) {
			return ns
		}
	}
	return ""
}

// EscapePattern escapes glob metacharacters so s matches literally inside a pattern.
func EscapePattern(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\', '{', '}':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
