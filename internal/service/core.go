// Package service wires the auth components into a Core and runs the
// background maintenance around them.
package service

import (
	"fmt"
	"io"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-authcore/internal/audit"
	"github.com/kubilitics/kubilitics-authcore/internal/auth/iprep"
	"github.com/kubilitics/kubilitics-authcore/internal/auth/lockout"
	"github.com/kubilitics/kubilitics-authcore/internal/auth/mfa"
	"github.com/kubilitics/kubilitics-authcore/internal/auth/session"
	"github.com/kubilitics/kubilitics-authcore/internal/auth/token"
	"github.com/kubilitics/kubilitics-authcore/internal/config"
	"github.com/kubilitics/kubilitics-authcore/internal/store"
)

// Deps are the collaborators shared by every component.
type Deps struct {
	Store    store.Store
	Clock    clockwork.Clock
	Logger   *zap.Logger
	Recorder audit.Recorder // nil discards security events
}

// Core holds one instance of each auth component over a shared store.
// Callers construct it once and pass it to their handlers.
type Core struct {
	Store    store.Store
	Lockout  *lockout.Guard
	Sessions *session.Manager
	Tokens   *token.Issuer
	MFA      *mfa.Manager
	IPs      *iprep.Tracker
}

func NewCore(cfg *config.Config, deps Deps) (*Core, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	em := audit.NewEmitter(deps.Recorder, deps.Clock, deps.Logger)

	guard, err := lockout.New(lockout.Config{
		MaxAttempts:     cfg.MaxLoginAttempts,
		Window:          cfg.LockoutDuration(),
		FailMode:        lockout.FailMode(cfg.LockoutFailMode),
		IPRatePerMinute: cfg.IPRateLimitPerMin,
		IPBurst:         cfg.IPRateLimitBurst,
	}, deps.Store, deps.Clock, deps.Logger, em)
	if err != nil {
		return nil, fmt.Errorf("lockout: %w", err)
	}

	sessions := session.New(session.Config{
		Lifetime:   cfg.SessionLifetime(),
		MaxPerUser: cfg.MaxSessionsPerUser,
	}, deps.Store, deps.Clock, deps.Logger, em)

	tokens, err := token.New(token.Config{
		AccessSecret:    cfg.JWTSecret,
		RefreshSecret:   cfg.JWTRefreshSecret,
		AccessLifetime:  cfg.AccessTokenLifetime,
		RefreshLifetime: cfg.RefreshTokenLifetime,
		Issuer:          cfg.JWTIssuer,
		Audience:        cfg.JWTAudience,
	}, deps.Store, sessions, deps.Clock, deps.Logger, em)
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}

	twoFactor, err := mfa.New(mfa.Config{
		Issuer:          cfg.TOTPIssuer,
		Window:          cfg.TOTPWindow,
		BackupCodeCount: cfg.BackupCodeCount,
		BcryptCost:      cfg.BackupCodeBcryptCost,
		EncryptionKey:   cfg.MFAEncryptionKey,
	}, deps.Store, deps.Clock, deps.Logger, em)
	if err != nil {
		return nil, fmt.Errorf("mfa: %w", err)
	}

	return &Core{
		Store:    deps.Store,
		Lockout:  guard,
		Sessions: sessions,
		Tokens:   tokens,
		MFA:      twoFactor,
		IPs:      iprep.New(deps.Store, deps.Clock, deps.Logger, em),
	}, nil
}

// Close closes the underlying store.
func (c *Core) Close() error {
	return c.Store.Close()
}

// OpenRecorder returns the PostgreSQL audit trail when audit_postgres_dsn is
// set, the SQLite one when audit_db_path is set and a log-only recorder
// otherwise. The closer is nil for the log recorder.
func OpenRecorder(cfg *config.Config, log *zap.Logger) (audit.Recorder, io.Closer, error) {
	var (
		rec *audit.SQLRecorder
		err error
	)
	switch {
	case cfg.AuditPostgresDSN != "":
		rec, err = audit.NewPostgresRecorder(cfg.AuditPostgresDSN)
	case cfg.AuditDBPath != "":
		rec, err = audit.NewSQLiteRecorder(cfg.AuditDBPath)
	default:
		return audit.NewLogRecorder(log), nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return rec, rec, nil
}
