package mfa

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	// DefaultIssuer is the issuer name shown in authenticator apps
	DefaultIssuer = "Kubilitics"
	// SecretSize is the size of the TOTP secret in bytes (32 base32 characters)
	SecretSize = 20
	// Period is the TOTP time step in seconds
	Period = 30

	DefaultBackupCodeCount = 10

	// Excludes 0, O, 1 and I.
	backupAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	backupHalf     = 4
)

func generateKey(issuer, account string) (*otp.Key, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      Period,
		SecretSize:  SecretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}
	return key, nil
}

func validateOpts(window int) totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    Period,
		Skew:      uint(window),
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// generateBackupCodes returns count codes formatted XXXX-XXXX.
func generateBackupCodes(count int) ([]string, error) {
	if count <= 0 {
		count = DefaultBackupCodeCount
	}
	codes := make([]string, count)
	buf := make([]byte, 2*backupHalf)
	for i := range codes {
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to generate backup code: %w", err)
		}
		var b strings.Builder
		for j, c := range buf {
			if j == backupHalf {
				b.WriteByte('-')
			}
			// len(backupAlphabet) divides 256.
			b.WriteByte(backupAlphabet[int(c)%len(backupAlphabet)])
		}
		codes[i] = b.String()
	}
	return codes, nil
}

// normalizeBackupCode accepts user input with any case, spacing or hyphenation.
func normalizeBackupCode(code string) string {
	r := strings.NewReplacer("-", "", " ", "")
	return strings.ToUpper(r.Replace(strings.TrimSpace(code)))
}

func normalizeTOTPCode(code string) string {
	return strings.ReplaceAll(strings.TrimSpace(code), " ", "")
}
