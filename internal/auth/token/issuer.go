// Package token issues and verifies HS256 access and refresh tokens bound to a
// session, and keeps the revocation set.
//
// Every verification failure is reported as ErrInvalidToken, whatever the
// cause. Store failures are reported separately and are never ErrInvalidToken.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-authcore/internal/audit"
	"github.com/kubilitics/kubilitics-authcore/internal/auth/autherr"
	"github.com/kubilitics/kubilitics-authcore/internal/models"
	"github.com/kubilitics/kubilitics-authcore/internal/pkg/metrics"
	"github.com/kubilitics/kubilitics-authcore/internal/pkg/redact"
	"github.com/kubilitics/kubilitics-authcore/internal/store"
)

var ErrInvalidToken = errors.New("invalid token")

const (
	DefaultAccessLifetime  = 15 * time.Minute
	DefaultRefreshLifetime = 7 * 24 * time.Hour
	DefaultIssuer          = "kubilitics-authcore"
	DefaultAudience        = "kubilitics"
)

// Kind separates access from refresh tokens; each kind has its own secret.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Subject is what a token is issued for.
type Subject struct {
	UserID    string
	Email     string
	Role      string
	SessionID string
}

type Claims struct {
	jwt.RegisteredClaims
	UserID    string `json:"uid"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role,omitempty"`
	SessionID string `json:"sid"`
	Type      Kind   `json:"typ"`
}

// AsSubject returns the subject the claims were issued for.
func (c *Claims) AsSubject() Subject {
	return Subject{UserID: c.UserID, Email: c.Email, Role: c.Role, SessionID: c.SessionID}
}

// Pair is an access and refresh token issued together.
type Pair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// SessionLookup resolves the session a refresh token is bound to. A missing
// session is (nil, nil).
type SessionLookup interface {
	Get(ctx context.Context, sessionID string) (*models.Session, error)
}

type Config struct {
	AccessSecret    string
	RefreshSecret   string
	AccessLifetime  time.Duration
	RefreshLifetime time.Duration
	Issuer          string
	Audience        string
}

// Issuer is safe for concurrent use.
type Issuer struct {
	cfg      Config
	store    store.Store
	sessions SessionLookup
	clock    clockwork.Clock
	log      *zap.Logger
	audit    *audit.Emitter
}

func New(cfg Config, s store.Store, sessions SessionLookup, clock clockwork.Clock, log *zap.Logger, em *audit.Emitter) (*Issuer, error) {
	if cfg.AccessSecret == "" || cfg.RefreshSecret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return nil, fmt.Errorf("access and refresh secrets must differ")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session lookup is required")
	}
	if cfg.AccessLifetime <= 0 {
		cfg.AccessLifetime = DefaultAccessLifetime
	}
	if cfg.RefreshLifetime <= 0 {
		cfg.RefreshLifetime = DefaultRefreshLifetime
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.Audience == "" {
		cfg.Audience = DefaultAudience
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Issuer{cfg: cfg, store: s, sessions: sessions, clock: clock, log: log.Named("token"), audit: em}, nil
}

func (i *Issuer) secret(kind Kind) ([]byte, time.Duration, bool) {
	switch kind {
	case KindAccess:
		return []byte(i.cfg.AccessSecret), i.cfg.AccessLifetime, true
	case KindRefresh:
		return []byte(i.cfg.RefreshSecret), i.cfg.RefreshLifetime, true
	}
	return nil, 0, false
}

func (i *Issuer) issue(kind Kind, sub Subject) (string, time.Time, error) {
	if err := autherr.Require("user id", sub.UserID); err != nil {
		return "", time.Time{}, err
	}
	if err := autherr.Require("session id", sub.SessionID); err != nil {
		return "", time.Time{}, err
	}
	secret, lifetime, ok := i.secret(kind)
	if !ok {
		return "", time.Time{}, fmt.Errorf("%w: unknown token kind %q", autherr.ErrInvalidInput, kind)
	}
	now := i.clock.Now()
	exp := jwt.NewNumericDate(now.Add(lifetime))
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Subject:   sub.UserID,
			Audience:  jwt.ClaimStrings{i.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: exp,
			ID:        uuid.New().String(),
		},
		UserID:    sub.UserID,
		Email:     sub.Email,
		Role:      sub.Role,
		SessionID: sub.SessionID,
		Type:      kind,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign %s token: %w", kind, err)
	}
	metrics.TokensIssuedTotal.WithLabelValues(string(kind)).Inc()
	return signed, exp.Time, nil
}

// IssueAccessToken returns a signed short-lived access token.
func (i *Issuer) IssueAccessToken(sub Subject) (string, error) {
	t, _, err := i.issue(KindAccess, sub)
	return t, err
}

// IssueRefreshToken returns a signed long-lived refresh token.
func (i *Issuer) IssueRefreshToken(sub Subject) (string, error) {
	t, _, err := i.issue(KindRefresh, sub)
	return t, err
}

// IssuePair returns an access and a refresh token for the same subject.
func (i *Issuer) IssuePair(sub Subject) (*Pair, error) {
	access, accessExp, err := i.issue(KindAccess, sub)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := i.issue(KindRefresh, sub)
	if err != nil {
		return nil, err
	}
	return &Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// Verify checks signature, algorithm, issuer, audience, expiry, kind and
// revocation. All rejections are ErrInvalidToken.
func (i *Issuer) Verify(ctx context.Context, tokenString string, kind Kind) (*Claims, error) {
	if err := autherr.Require("token", tokenString); err != nil {
		return nil, err
	}
	claims, err := i.parse(tokenString, kind)
	if err != nil {
		metrics.TokenVerificationsTotal.WithLabelValues(string(kind), "invalid").Inc()
		i.log.Debug("token rejected", zap.String("kind", string(kind)), zap.Error(err))
		return nil, ErrInvalidToken
	}
	revoked, err := i.IsRevoked(ctx, tokenString)
	if err != nil {
		return nil, err
	}
	if revoked {
		metrics.TokenVerificationsTotal.WithLabelValues(string(kind), "invalid").Inc()
		return nil, ErrInvalidToken
	}
	metrics.TokenVerificationsTotal.WithLabelValues(string(kind), "valid").Inc()
	return claims, nil
}

func (i *Issuer) parse(tokenString string, kind Kind) (*Claims, error) {
	secret, _, ok := i.secret(kind)
	if !ok {
		return nil, fmt.Errorf("unknown token kind %q", kind)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.cfg.Issuer),
		jwt.WithAudience(i.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.clock.Now),
	)
	tok, err := parser.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Type != kind {
		return nil, fmt.Errorf("token type %q, want %q", claims.Type, kind)
	}
	if claims.ID == "" || claims.SessionID == "" || claims.UserID == "" {
		return nil, fmt.Errorf("token is missing required claims")
	}
	return claims, nil
}

// Refresh exchanges a refresh token for a new pair bound to the same session.
// The session must still exist. The presented refresh token is revoked, so a
// second use of it fails.
func (i *Issuer) Refresh(ctx context.Context, refreshToken string) (*Pair, error) {
	claims, err := i.Verify(ctx, refreshToken, KindRefresh)
	if err != nil {
		return nil, err
	}
	sess, err := i.sessions.Get(ctx, claims.SessionID)
	if err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}
	if sess == nil || sess.UserID != claims.UserID {
		return nil, ErrInvalidToken
	}

	// Claiming the revocation entry makes rotation single-use under concurrency.
	claimed, err := i.revoke(ctx, refreshToken, claims, "refresh_rotation", true)
	if err != nil {
		return nil, err
	}
	if !claimed {
		i.log.Warn("refresh token reused", zap.String("user", redact.Identifier(claims.UserID)))
		i.audit.Emit(ctx, models.EventRefreshReuse, models.SecurityEvent{UserID: claims.UserID}, map[string]any{"jti": claims.ID})
		return nil, ErrInvalidToken
	}
	return i.IssuePair(claims.AsSubject())
}

// Revoke adds token to the revocation set until its natural expiry. The
// signature is not checked, so tokens signed with a rotated secret can still
// be revoked. An already expired token is not recorded.
func (i *Issuer) Revoke(ctx context.Context, tokenString string) error {
	if err := autherr.Require("token", tokenString); err != nil {
		return err
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return ErrInvalidToken
	}
	if claims.ExpiresAt == nil {
		return ErrInvalidToken
	}
	_, err := i.revoke(ctx, tokenString, claims, "manual_revoke", false)
	return err
}

func (i *Issuer) revoke(ctx context.Context, tokenString string, claims *Claims, reason string, exclusive bool) (bool, error) {
	now := i.clock.Now()
	ttl := claims.ExpiresAt.Time.Sub(now)
	if ttl <= 0 {
		return !exclusive, nil
	}
	hash := Hash(tokenString)
	raw, err := store.Encode(models.RevocationEntry{
		TokenHash: hash,
		TokenID:   claims.ID,
		UserID:    claims.UserID,
		RevokedAt: now,
		ExpiresAt: claims.ExpiresAt.Time,
		Reason:    reason,
	})
	if err != nil {
		return false, err
	}
	key := store.RevokedTokenKey(hash)
	if exclusive {
		ok, err := i.store.SetIfAbsent(ctx, key, raw, ttl)
		if err != nil {
			return false, fmt.Errorf("revoke token: %w", err)
		}
		if !ok {
			return false, nil
		}
	} else if err := i.store.Set(ctx, key, raw, ttl); err != nil {
		return false, fmt.Errorf("revoke token: %w", err)
	}
	metrics.TokensRevokedTotal.Inc()
	i.audit.Emit(ctx, models.EventTokenRevoked, models.SecurityEvent{UserID: claims.UserID},
		map[string]any{"jti": claims.ID, "reason": reason, "type": string(claims.Type)})
	return true, nil
}

// IsRevoked reports whether token is in the revocation set.
func (i *Issuer) IsRevoked(ctx context.Context, tokenString string) (bool, error) {
	if err := autherr.Require("token", tokenString); err != nil {
		return false, err
	}
	ok, err := i.store.Exists(ctx, store.RevokedTokenKey(Hash(tokenString)))
	if err != nil {
		return false, fmt.Errorf("check revocation: %w", err)
	}
	return ok, nil
}

// Hash is the revocation-set identifier of a token.
func Hash(tokenString string) string {
	sum := sha256.Sum256([]byte(tokenString))
	return hex.EncodeToString(sum[:])
}
