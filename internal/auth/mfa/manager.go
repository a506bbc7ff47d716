// Package mfa manages TOTP second-factor enrollment and verification.
//
// Backup codes are single use: they are stored as bcrypt hashes in a list and
// a code is consumed by removing its hash. Only the caller whose removal
// actually deleted the entry is told the code was valid.
package mfa

import (
	"context"
	"encoding/base32"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/kubilitics/kubilitics-authcore/internal/audit"
	"github.com/kubilitics/kubilitics-authcore/internal/auth/autherr"
	"github.com/kubilitics/kubilitics-authcore/internal/models"
	"github.com/kubilitics/kubilitics-authcore/internal/pkg/metrics"
	"github.com/kubilitics/kubilitics-authcore/internal/pkg/redact"
	"github.com/kubilitics/kubilitics-authcore/internal/store"
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Config for a Manager. Zero values select the defaults, except Window.
type Config struct {
	Issuer          string
	Window          int // accepted time steps either side of now; 0 = current step only
	BackupCodeCount int
	BcryptCost      int
	// EncryptionKey is a base64 AES-256 key. Empty stores secrets in plaintext.
	EncryptionKey string
}

// Enrollment is returned once, at enrollment time, and never stored as is.
type Enrollment struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	BackupCodes     []string `json:"backup_codes"`
}

// Manager is safe for concurrent use.
type Manager struct {
	cfg    Config
	store  store.Store
	clock  clockwork.Clock
	log    *zap.Logger
	audit  *audit.Emitter
	sealer *sealer
}

func New(cfg Config, s store.Store, clock clockwork.Clock, log *zap.Logger, em *audit.Emitter) (*Manager, error) {
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.Window < 0 {
		return nil, fmt.Errorf("totp window must not be negative")
	}
	if cfg.BackupCodeCount <= 0 {
		cfg.BackupCodeCount = DefaultBackupCodeCount
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.BcryptCost < bcrypt.MinCost || cfg.BcryptCost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d out of range", cfg.BcryptCost)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{cfg: cfg, store: s, clock: clock, log: log.Named("mfa"), audit: em}
	if cfg.EncryptionKey != "" {
		sl, err := newSealer(cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
		m.sealer = sl
	}
	return m, nil
}

// GenerateSecret creates a new secret, its otpauth:// provisioning URI and a
// fresh set of backup codes. Nothing is stored until Store is called.
func (m *Manager) GenerateSecret(accountLabel string) (*Enrollment, error) {
	if err := autherr.Require("account label", accountLabel); err != nil {
		return nil, err
	}
	key, err := generateKey(m.cfg.Issuer, accountLabel)
	if err != nil {
		return nil, err
	}
	codes, err := generateBackupCodes(m.cfg.BackupCodeCount)
	if err != nil {
		return nil, err
	}
	return &Enrollment{Secret: key.Secret(), ProvisioningURI: key.URL(), BackupCodes: codes}, nil
}

// Store enrolls userID with secret and replaces any previous backup codes.
// On error the user is either left as before the call or not enrolled at all.
func (m *Manager) Store(ctx context.Context, userID, secret string, backupCodes []string) error {
	if err := autherr.Require("user id", userID); err != nil {
		return err
	}
	if err := autherr.Require("secret", secret); err != nil {
		return err
	}
	if _, err := b32.DecodeString(secret); err != nil {
		return fmt.Errorf("%w: secret is not base32", autherr.ErrInvalidInput)
	}

	rec := models.TwoFactorSecret{UserID: userID, Secret: secret, CreatedAt: m.clock.Now()}
	if m.sealer != nil {
		sealed, err := m.sealer.seal(secret, userID)
		if err != nil {
			return err
		}
		rec.Secret, rec.Encrypted = sealed, true
	}
	raw, err := store.Encode(rec)
	if err != nil {
		return err
	}

	hashes := make([]string, 0, len(backupCodes))
	for _, c := range backupCodes {
		h, err := bcrypt.GenerateFromPassword([]byte(normalizeBackupCode(c)), m.cfg.BcryptCost)
		if err != nil {
			return fmt.Errorf("failed to hash backup code: %w", err)
		}
		hashes = append(hashes, string(h))
	}

	// The code list is swapped in one step, so a failure here leaves any
	// previous enrollment intact.
	backupKey := store.BackupCodesKey(userID)
	if err := m.store.ListReplace(ctx, backupKey, hashes, 0); err != nil {
		return fmt.Errorf("store backup codes: %w", err)
	}
	secretKey := store.TwoFactorSecretKey(userID)
	if err := m.store.Set(ctx, secretKey, raw, 0); err != nil {
		// New codes must not pair with an old secret; leave the user unenrolled.
		if derr := m.store.Delete(ctx, secretKey, backupKey); derr != nil {
			m.log.Error("failed to roll back partial 2fa enrollment", zap.String("user", redact.Identifier(userID)), zap.Error(derr))
		}
		return fmt.Errorf("store 2fa secret: %w", err)
	}
	m.log.Info("2fa enrolled", zap.String("user", redact.Identifier(userID)), zap.Int("backup_codes", len(hashes)))
	m.audit.Emit(ctx, models.EventTwoFactorEnrolled, models.SecurityEvent{UserID: userID}, map[string]any{"backup_codes": len(hashes)})
	return nil
}

// GetSecret returns the enrolled secret in plaintext, or nil when userID has not enrolled.
func (m *Manager) GetSecret(ctx context.Context, userID string) (*models.TwoFactorSecret, error) {
	if err := autherr.Require("user id", userID); err != nil {
		return nil, err
	}
	raw, found, err := m.store.Get(ctx, store.TwoFactorSecretKey(userID))
	if err != nil {
		return nil, fmt.Errorf("get 2fa secret: %w", err)
	}
	if !found {
		return nil, nil
	}
	rec, err := store.Decode[models.TwoFactorSecret](raw)
	if err != nil {
		return nil, err
	}
	if rec.Encrypted {
		if m.sealer == nil {
			return nil, errors.New("2fa secret is encrypted but no encryption key is configured")
		}
		plain, err := m.sealer.open(rec.Secret, userID)
		if err != nil {
			return nil, err
		}
		rec.Secret = plain
	}
	return rec, nil
}

// IsEnabled reports whether userID has an enrolled secret.
func (m *Manager) IsEnabled(ctx context.Context, userID string) (bool, error) {
	if err := autherr.Require("user id", userID); err != nil {
		return false, err
	}
	return m.store.Exists(ctx, store.TwoFactorSecretKey(userID))
}

// Verify checks code against the enrolled secret within the configured window.
// A code that was accepted once is rejected for the rest of its validity.
// A user without a secret never verifies.
func (m *Manager) Verify(ctx context.Context, userID, code string) (bool, error) {
	if err := autherr.Require("user id", userID); err != nil {
		return false, err
	}
	code = normalizeTOTPCode(code)
	if err := autherr.Require("code", code); err != nil {
		return false, err
	}
	rec, err := m.GetSecret(ctx, userID)
	if err != nil {
		return false, err
	}
	if rec == nil {
		m.result("totp", false)
		return false, nil
	}
	ok, err := totp.ValidateCustom(code, rec.Secret, m.clock.Now().UTC(), validateOpts(m.cfg.Window))
	if err != nil || !ok {
		m.result("totp", false)
		return false, nil
	}

	replayTTL := time.Duration(2*m.cfg.Window+1) * Period * time.Second
	fresh, err := m.store.SetIfAbsent(ctx, store.UsedTOTPKey(userID, code), "1", replayTTL)
	if err != nil {
		return false, fmt.Errorf("record used code: %w", err)
	}
	m.result("totp", fresh)
	return fresh, nil
}

// VerifyBackupCode consumes code if it matches one of the remaining backup codes.
func (m *Manager) VerifyBackupCode(ctx context.Context, userID, code string) (bool, error) {
	if err := autherr.Require("user id", userID); err != nil {
		return false, err
	}
	code = normalizeBackupCode(code)
	if err := autherr.Require("code", code); err != nil {
		return false, err
	}
	key := store.BackupCodesKey(userID)
	hashes, err := m.store.ListRange(ctx, key, 0, -1)
	if err != nil {
		return false, fmt.Errorf("read backup codes: %w", err)
	}
	for _, h := range hashes {
		if bcrypt.CompareHashAndPassword([]byte(h), []byte(code)) != nil {
			continue
		}
		n, err := m.store.ListRemove(ctx, key, h)
		if err != nil {
			return false, fmt.Errorf("consume backup code: %w", err)
		}
		used := n == 1
		m.result("backup", used)
		if used {
			m.audit.Emit(ctx, models.EventBackupCodeUsed, models.SecurityEvent{UserID: userID},
				map[string]any{"remaining": len(hashes) - 1})
		}
		return used, nil
	}
	m.result("backup", false)
	return false, nil
}

// RemainingBackupCodes returns how many unused backup codes userID has.
func (m *Manager) RemainingBackupCodes(ctx context.Context, userID string) (int, error) {
	if err := autherr.Require("user id", userID); err != nil {
		return 0, err
	}
	n, err := m.store.ListLen(ctx, store.BackupCodesKey(userID))
	return int(n), err
}

// Disable removes the secret and all backup codes of userID.
func (m *Manager) Disable(ctx context.Context, userID string) error {
	if err := autherr.Require("user id", userID); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, store.TwoFactorSecretKey(userID), store.BackupCodesKey(userID)); err != nil {
		return fmt.Errorf("disable 2fa: %w", err)
	}
	m.log.Info("2fa disabled", zap.String("user", redact.Identifier(userID)))
	m.audit.Emit(ctx, models.EventTwoFactorDisabled, models.SecurityEvent{UserID: userID}, nil)
	return nil
}

func (m *Manager) result(method string, ok bool) {
	r := "invalid"
	if ok {
		r = "valid"
	}
	metrics.SecondFactorVerificationsTotal.WithLabelValues(method, r).Inc()
}
