// Package iprep remembers the IPs each user has logged in from and flags logins
// from an IP not seen before. The signal is advisory; nothing here blocks a login.
package iprep

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-authcore/internal/audit"
	"github.com/kubilitics/kubilitics-authcore/internal/auth/autherr"
	"github.com/kubilitics/kubilitics-authcore/internal/models"
	"github.com/kubilitics/kubilitics-authcore/internal/pkg/metrics"
	"github.com/kubilitics/kubilitics-authcore/internal/pkg/redact"
	"github.com/kubilitics/kubilitics-authcore/internal/store"
)

const (
	// KnownIPCap bounds each user's known-IP list
	KnownIPCap = 50
	// KnownIPTTL is refreshed on every login
	KnownIPTTL = 90 * 24 * time.Hour
)

// Tracker is safe for concurrent use.
type Tracker struct {
	store store.Store
	clock clockwork.Clock
	log   *zap.Logger
	audit *audit.Emitter
}

func New(s store.Store, clock clockwork.Clock, log *zap.Logger, em *audit.Emitter) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{store: s, clock: clock, log: log.Named("iprep"), audit: em}
}

// Record notes a login by userID from ip. A repeat IP moves to the newest position.
func (t *Tracker) Record(ctx context.Context, userID, ip string) error {
	if err := autherr.Require("user id", userID); err != nil {
		return err
	}
	if err := autherr.Require("ip", ip); err != nil {
		return err
	}
	key := store.KnownIPsKey(userID)

	raws, err := t.store.ListRange(ctx, key, 0, -1)
	if err != nil {
		return fmt.Errorf("record ip: %w", err)
	}
	for _, raw := range raws {
		if e, err := store.Decode[models.KnownIP](raw); err == nil && e.IPAddress == ip {
			if _, err := t.store.ListRemove(ctx, key, raw); err != nil {
				return fmt.Errorf("record ip: %w", err)
			}
		}
	}

	raw, err := store.Encode(models.KnownIP{IPAddress: ip, SeenAt: t.clock.Now()})
	if err != nil {
		return err
	}
	if _, err := t.store.ListPushCapped(ctx, key, raw, KnownIPCap, KnownIPTTL); err != nil {
		return fmt.Errorf("record ip: %w", err)
	}
	return nil
}

// IsSuspicious is true when userID has login history and ip is not in it.
// A user with no history is never suspicious.
func (t *Tracker) IsSuspicious(ctx context.Context, userID, ip string) (bool, error) {
	if err := autherr.Require("user id", userID); err != nil {
		return false, err
	}
	if err := autherr.Require("ip", ip); err != nil {
		return false, err
	}
	known, err := t.KnownIPs(ctx, userID)
	if err != nil {
		return false, err
	}
	if len(known) == 0 {
		return false, nil
	}
	for _, k := range known {
		if k.IPAddress == ip {
			return false, nil
		}
	}
	metrics.SuspiciousIPsTotal.Inc()
	t.log.Info("login from unrecognized ip", zap.String("user", redact.Identifier(userID)), zap.Int("known_ips", len(known)))
	t.audit.Emit(ctx, models.EventSuspiciousIP, models.SecurityEvent{UserID: userID, IPAddress: ip},
		map[string]any{"known_ips": len(known)})
	return true, nil
}

// KnownIPs returns the recorded IPs of userID, newest first.
func (t *Tracker) KnownIPs(ctx context.Context, userID string) ([]models.KnownIP, error) {
	if err := autherr.Require("user id", userID); err != nil {
		return nil, err
	}
	raws, err := t.store.ListRange(ctx, store.KnownIPsKey(userID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("read known ips: %w", err)
	}
	out := make([]models.KnownIP, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		e, err := store.Decode[models.KnownIP](raws[i])
		if err != nil {
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}
