// Package lockout tracks login outcomes per identifier and IP and locks an
// identifier once too many failures land inside the lockout window.
//
// Threshold evaluation reads the attempt log and then conditionally creates
// the lock, so it is check-then-act: two concurrent failures can both see the
// threshold reached. Lock creation is set-if-absent, so the second is a no-op
// and only one lockout record or audit event results.
package lockout

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kubilitics/kubilitics-authcore/internal/audit"
	"github.com/kubilitics/kubilitics-authcore/internal/auth/autherr"
	"github.com/kubilitics/kubilitics-authcore/internal/models"
	"github.com/kubilitics/kubilitics-authcore/internal/pkg/metrics"
	"github.com/kubilitics/kubilitics-authcore/internal/pkg/redact"
	"github.com/kubilitics/kubilitics-authcore/internal/store"
)

const (
	// AttemptLogCap bounds each attempt log.
	AttemptLogCap = 100
	// AttemptLogTTL is refreshed on every append.
	AttemptLogTTL = 24 * time.Hour

	DefaultMaxAttempts = 5
	DefaultWindow      = 30 * time.Minute

	defaultLimiterCacheSize = 10_000
)

// FailMode decides what IsLocked reports when the store cannot answer.
type FailMode string

const (
	FailClosed FailMode = "closed"
	FailOpen   FailMode = "open"
)

// Config for a Guard. Zero values select the defaults.
type Config struct {
	MaxAttempts int
	Window      time.Duration
	FailMode    FailMode

	// IPRatePerMinute enables the local per-IP limiter when > 0.
	IPRatePerMinute    int
	IPBurst            int
	IPLimiterCacheSize int
}

// Attempt is one login outcome reported by the caller.
type Attempt struct {
	Identifier string
	Success    bool
	IPAddress  string
	UserAgent  string
	UserID     string
}

// LockStatus answers IsLocked. Degraded is set when the answer comes from the
// fail mode instead of the store.
type LockStatus struct {
	Locked   bool
	Lockout  *models.AccountLockout
	Degraded bool
}

var ErrFailOpenWithoutLimiter = errors.New("lockout fail mode open requires the per-IP rate limiter")

// Guard is safe for concurrent use.
type Guard struct {
	cfg      Config
	store    store.Store
	clock    clockwork.Clock
	log      *zap.Logger
	audit    *audit.Emitter
	limiters *lru.Cache[string, *rate.Limiter]
}

// New returns a Guard. Fail-open is refused unless the per-IP limiter is enabled.
func New(cfg Config, s store.Store, clock clockwork.Clock, log *zap.Logger, em *audit.Emitter) (*Guard, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	switch cfg.FailMode {
	case "":
		cfg.FailMode = FailClosed
	case FailClosed:
	case FailOpen:
		if cfg.IPRatePerMinute <= 0 {
			return nil, ErrFailOpenWithoutLimiter
		}
	default:
		return nil, fmt.Errorf("unknown lockout fail mode %q", cfg.FailMode)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}

	g := &Guard{cfg: cfg, store: s, clock: clock, log: log.Named("lockout"), audit: em}
	if cfg.IPRatePerMinute > 0 {
		if g.cfg.IPBurst <= 0 {
			g.cfg.IPBurst = cfg.IPRatePerMinute
		}
		size := cfg.IPLimiterCacheSize
		if size <= 0 {
			size = defaultLimiterCacheSize
		}
		c, err := lru.New[string, *rate.Limiter](size)
		if err != nil {
			return nil, fmt.Errorf("failed to create limiter cache: %w", err)
		}
		g.limiters = c
	}
	return g, nil
}

// RecordAttempt appends the attempt to the identifier log (and the IP log when
// an IP is given) and, on failure, locks the identifier once the threshold is
// reached. Store failures are returned.
func (g *Guard) RecordAttempt(ctx context.Context, a Attempt) error {
	if err := autherr.Require("identifier", a.Identifier); err != nil {
		return err
	}
	now := g.clock.Now()
	raw, err := store.Encode(models.LoginAttempt{
		Identifier: a.Identifier,
		IPAddress:  a.IPAddress,
		UserAgent:  a.UserAgent,
		Timestamp:  now,
		Success:    a.Success,
		UserID:     a.UserID,
	})
	if err != nil {
		return err
	}

	key := store.LoginAttemptsKey(a.Identifier)
	if _, err := g.store.ListPushCapped(ctx, key, raw, AttemptLogCap, AttemptLogTTL); err != nil {
		return fmt.Errorf("record login attempt: %w", err)
	}
	if a.IPAddress != "" {
		if _, err := g.store.ListPushCapped(ctx, store.LoginIPKey(a.IPAddress), raw, AttemptLogCap, AttemptLogTTL); err != nil {
			return fmt.Errorf("record login attempt by ip: %w", err)
		}
	}

	if a.Success {
		metrics.LoginAttemptsTotal.WithLabelValues("success").Inc()
		return nil
	}
	metrics.LoginAttemptsTotal.WithLabelValues("failure").Inc()

	failures, err := g.failuresInWindow(ctx, key, now)
	if err != nil {
		return fmt.Errorf("evaluate lockout: %w", err)
	}
	if failures < g.cfg.MaxAttempts {
		return nil
	}
	return g.lock(ctx, a, failures, now)
}

func (g *Guard) lock(ctx context.Context, a Attempt, failures int, now time.Time) error {
	rec := models.AccountLockout{
		Identifier:   a.Identifier,
		LockedUntil:  now.Add(g.cfg.Window),
		Reason:       fmt.Sprintf("%d failed login attempts within %s", failures, g.cfg.Window),
		AttemptCount: failures,
		CreatedAt:    now,
	}
	raw, err := store.Encode(rec)
	if err != nil {
		return err
	}
	key := store.AccountLockedKey(a.Identifier)

	for try := 0; try < 2; try++ {
		created, err := g.store.SetIfAbsent(ctx, key, raw, g.cfg.Window)
		if err != nil {
			return fmt.Errorf("create lockout: %w", err)
		}
		if created {
			metrics.LockoutsTotal.Inc()
			g.log.Info("account locked",
				zap.String("identifier", redact.Identifier(a.Identifier)),
				zap.Int("failed_attempts", failures),
				zap.Time("locked_until", rec.LockedUntil),
			)
			g.audit.Emit(ctx, models.EventLockoutCreated, models.SecurityEvent{
				Identifier: redact.Identifier(a.Identifier),
				UserID:     a.UserID,
				IPAddress:  a.IPAddress,
			}, map[string]any{"attempt_count": failures, "locked_until": rec.LockedUntil})
			return nil
		}
		// A live lock stays as is; a stale one is removed by the load and creation retried.
		existing, err := store.LoadUnexpired(ctx, g.store, key, now, (*models.AccountLockout).IsExpired)
		if err != nil {
			return fmt.Errorf("reconcile lockout: %w", err)
		}
		if existing != nil {
			return nil
		}
	}
	return nil
}

// IsLocked reports whether identifier is locked. When the store fails the
// returned error wraps store.ErrUnavailable and the status reflects the fail
// mode: closed reports locked, open reports unlocked. Both are Degraded.
func (g *Guard) IsLocked(ctx context.Context, identifier string) (*LockStatus, error) {
	if err := autherr.Require("identifier", identifier); err != nil {
		return nil, err
	}
	rec, err := store.LoadUnexpired(ctx, g.store, store.AccountLockedKey(identifier), g.clock.Now(), (*models.AccountLockout).IsExpired)
	if err != nil {
		metrics.LockoutChecksDegradedTotal.WithLabelValues(string(g.cfg.FailMode)).Inc()
		g.log.Warn("lockout check degraded",
			zap.String("identifier", redact.Identifier(identifier)),
			zap.String("fail_mode", string(g.cfg.FailMode)),
			zap.Error(err),
		)
		return &LockStatus{Locked: g.cfg.FailMode == FailClosed, Degraded: true}, fmt.Errorf("check lockout: %w", err)
	}
	if rec == nil {
		return &LockStatus{}, nil
	}
	return &LockStatus{Locked: true, Lockout: rec}, nil
}

// Unlock clears the lockout and the attempt log for identifier.
func (g *Guard) Unlock(ctx context.Context, identifier string) error {
	if err := autherr.Require("identifier", identifier); err != nil {
		return err
	}
	if err := g.store.Delete(ctx, store.AccountLockedKey(identifier), store.LoginAttemptsKey(identifier)); err != nil {
		return fmt.Errorf("unlock: %w", err)
	}
	g.log.Info("account unlocked", zap.String("identifier", redact.Identifier(identifier)))
	g.audit.Emit(ctx, models.EventAccountUnlocked, models.SecurityEvent{Identifier: redact.Identifier(identifier)}, nil)
	return nil
}

// GetFailedAttempts returns up to limit failed attempts for identifier, newest
// first. limit <= 0 returns all retained failures.
func (g *Guard) GetFailedAttempts(ctx context.Context, identifier string, limit int) ([]models.LoginAttempt, error) {
	if err := autherr.Require("identifier", identifier); err != nil {
		return nil, err
	}
	attempts, err := g.readLog(ctx, store.LoginAttemptsKey(identifier))
	if err != nil {
		return nil, err
	}
	out := make([]models.LoginAttempt, 0)
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].Success {
			continue
		}
		out = append(out, attempts[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// RecentFailuresFromIP counts failed attempts from ip inside the window across all identifiers.
func (g *Guard) RecentFailuresFromIP(ctx context.Context, ip string) (int, error) {
	if err := autherr.Require("ip", ip); err != nil {
		return 0, err
	}
	return g.failuresInWindow(ctx, store.LoginIPKey(ip), g.clock.Now())
}

// AllowIP takes one token from the local limiter for ip. It always allows when
// the limiter is disabled. The limiter is per process and does not touch the store.
func (g *Guard) AllowIP(ip string) bool {
	if g.limiters == nil || ip == "" {
		return true
	}
	lim, ok := g.limiters.Get(ip)
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(g.cfg.IPRatePerMinute)/60), g.cfg.IPBurst)
		if prev, found, _ := g.limiters.PeekOrAdd(ip, lim); found {
			lim = prev
		}
	}
	if lim.AllowN(g.clock.Now(), 1) {
		return true
	}
	metrics.IPRateLimitedTotal.Inc()
	return false
}

func (g *Guard) failuresInWindow(ctx context.Context, key string, now time.Time) (int, error) {
	attempts, err := g.readLog(ctx, key)
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-g.cfg.Window)
	n := 0
	for _, a := range attempts {
		if !a.Success && a.Timestamp.After(cutoff) {
			n++
		}
	}
	return n, nil
}

func (g *Guard) readLog(ctx context.Context, key string) ([]models.LoginAttempt, error) {
	raws, err := g.store.ListRange(ctx, key, 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]models.LoginAttempt, 0, len(raws))
	for _, raw := range raws {
		a, err := store.Decode[models.LoginAttempt](raw)
		if err != nil {
			g.log.Warn("skipping undecodable login attempt", zap.String("namespace", store.Namespace(key)), zap.Error(err))
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}
