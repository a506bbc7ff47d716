// Package session manages authenticated sessions and the per-user session index.
//
// The session record and the index entry are written by two separate store
// operations. If the process dies between them the session exists but is
// missing from the index: it stays retrievable and destroyable by ID, it
// expires on its own TTL, and it is not seen by ListByUser or DestroyAll.
// The opposite case, an index entry whose record is gone, is pruned lazily by
// ListByUser and by the index sweeper.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/kubilitics-authcore/internal/audit"
	"github.com/kubilitics/kubilitics-authcore/internal/auth/autherr"
	"github.com/kubilitics/kubilitics-authcore/internal/models"
	"github.com/kubilitics/kubilitics-authcore/internal/pkg/metrics"
	"github.com/kubilitics/kubilitics-authcore/internal/pkg/redact"
	"github.com/kubilitics/kubilitics-authcore/internal/store"
)

const (
	DefaultLifetime   = 24 * time.Hour
	DefaultMaxPerUser = 5
	idBytes           = 32
	maxCreateAttempts = 3
	listConcurrency   = 8
)

var errIDCollision = errors.New("could not allocate a unique session id")

// Config for a Manager. Zero values select the defaults.
type Config struct {
	Lifetime   time.Duration
	MaxPerUser int
}

// Manager is safe for concurrent use.
type Manager struct {
	cfg   Config
	store store.Store
	clock clockwork.Clock
	log   *zap.Logger
	audit *audit.Emitter
}

func New(cfg Config, s store.Store, clock clockwork.Clock, log *zap.Logger, em *audit.Emitter) *Manager {
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = DefaultMaxPerUser
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{cfg: cfg, store: s, clock: clock, log: log.Named("session"), audit: em}
}

// Lifetime is the absolute session lifetime.
func (m *Manager) Lifetime() time.Duration { return m.cfg.Lifetime }

func newID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Create stores a new session and appends it to the user index, evicting the
// oldest sessions beyond the per-user cap.
func (m *Manager) Create(ctx context.Context, userID, ip, userAgent string) (*models.Session, error) {
	if err := autherr.Require("user id", userID); err != nil {
		return nil, err
	}
	now := m.clock.Now()
	sess := &models.Session{
		UserID:       userID,
		IPAddress:    ip,
		UserAgent:    userAgent,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(m.cfg.Lifetime),
	}

	created := false
	for i := 0; i < maxCreateAttempts && !created; i++ {
		id, err := newID()
		if err != nil {
			return nil, err
		}
		sess.ID = id
		raw, err := store.Encode(sess)
		if err != nil {
			return nil, err
		}
		created, err = m.store.SetIfAbsent(ctx, store.SessionKey(id), raw, m.cfg.Lifetime)
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
	}
	if !created {
		return nil, errIDCollision
	}

	evicted, err := m.store.ListPushCapped(ctx, store.UserSessionsKey(userID), sess.ID, int64(m.cfg.MaxPerUser), m.cfg.Lifetime)
	if err != nil {
		// Keep the window small: a session the index cannot see is not returned to the caller.
		_ = m.store.Delete(ctx, store.SessionKey(sess.ID))
		return nil, fmt.Errorf("index session: %w", err)
	}
	metrics.SessionsCreatedTotal.Inc()

	if len(evicted) > 0 {
		keys := make([]string, len(evicted))
		for i, id := range evicted {
			keys[i] = store.SessionKey(id)
		}
		if err := m.store.Delete(ctx, keys...); err != nil {
			// Evicted records still expire on their own TTL.
			m.log.Warn("failed to delete evicted sessions", zap.Int("count", len(keys)), zap.Error(err))
		}
		metrics.SessionsEvictedTotal.Add(float64(len(evicted)))
		m.audit.Emit(ctx, models.EventSessionEvicted, models.SecurityEvent{UserID: userID}, map[string]any{"evicted": len(evicted)})
	}
	return sess, nil
}

// Get returns the session, or nil when it does not exist or has expired.
func (m *Manager) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	if err := autherr.Require("session id", sessionID); err != nil {
		return nil, err
	}
	return store.LoadUnexpired(ctx, m.store, store.SessionKey(sessionID), m.clock.Now(), (*models.Session).IsExpired)
}

// Exists reports whether the session is live.
func (m *Manager) Exists(ctx context.Context, sessionID string) (bool, error) {
	s, err := m.Get(ctx, sessionID)
	return s != nil, err
}

// Touch bumps LastActivity. ExpiresAt is never extended, and a destroyed
// session is never recreated. It returns false when the session is gone.
func (m *Manager) Touch(ctx context.Context, sessionID string) (bool, error) {
	sess, err := m.Get(ctx, sessionID)
	if err != nil || sess == nil {
		return false, err
	}
	now := m.clock.Now()
	remaining := sess.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return false, nil
	}
	sess.LastActivity = now
	raw, err := store.Encode(sess)
	if err != nil {
		return false, err
	}
	ok, err := m.store.SetIfPresent(ctx, store.SessionKey(sessionID), raw, remaining)
	if err != nil {
		return false, fmt.Errorf("touch session: %w", err)
	}
	return ok, nil
}

// Destroy removes the session and its index entry. Destroying an unknown or
// already destroyed session is not an error.
func (m *Manager) Destroy(ctx context.Context, sessionID string) error {
	if err := autherr.Require("session id", sessionID); err != nil {
		return err
	}
	key := store.SessionKey(sessionID)
	raw, found, err := m.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("destroy session: %w", err)
	}
	if !found {
		return nil
	}
	if err := m.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("destroy session: %w", err)
	}
	sess, err := store.Decode[models.Session](raw)
	if err != nil {
		// The record is gone; an orphaned index entry is pruned later.
		m.log.Warn("destroyed undecodable session", zap.Error(err))
		return nil
	}
	if _, err := m.store.ListRemove(ctx, store.UserSessionsKey(sess.UserID), sessionID); err != nil {
		return fmt.Errorf("unindex session: %w", err)
	}
	return nil
}

// DestroyAll removes every indexed session of userID and the index itself.
// It returns the number of index entries removed.
func (m *Manager) DestroyAll(ctx context.Context, userID string) (int, error) {
	if err := autherr.Require("user id", userID); err != nil {
		return 0, err
	}
	indexKey := store.UserSessionsKey(userID)
	ids, err := m.store.ListRange(ctx, indexKey, 0, -1)
	if err != nil {
		return 0, fmt.Errorf("destroy all sessions: %w", err)
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, store.SessionKey(id))
	}
	keys = append(keys, indexKey)
	if err := m.store.Delete(ctx, keys...); err != nil {
		return 0, fmt.Errorf("destroy all sessions: %w", err)
	}
	m.log.Info("destroyed all sessions", zap.String("user", redact.Identifier(userID)), zap.Int("count", len(ids)))
	m.audit.Emit(ctx, models.EventAllSessionsDestroyed, models.SecurityEvent{UserID: userID}, map[string]any{"count": len(ids)})
	return len(ids), nil
}

// ListByUser returns the live sessions of userID, oldest first. Index entries
// whose record has expired are skipped and pruned.
func (m *Manager) ListByUser(ctx context.Context, userID string) ([]*models.Session, error) {
	if err := autherr.Require("user id", userID); err != nil {
		return nil, err
	}
	ids, err := m.store.ListRange(ctx, store.UserSessionsKey(userID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	resolved := make([]*models.Session, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			s, err := m.Get(gctx, id)
			if err != nil {
				return err
			}
			resolved[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	out := make([]*models.Session, 0, len(ids))
	var stale []string
	for i, s := range resolved {
		if s == nil || s.UserID != userID {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, s)
	}
	if len(stale) > 0 {
		if _, err := m.prune(ctx, userID, stale); err != nil {
			m.log.Warn("failed to prune session index", zap.Error(err))
		}
	}
	return out, nil
}

// PruneIndex removes index entries of userID whose session no longer exists.
// It returns how many were removed.
func (m *Manager) PruneIndex(ctx context.Context, userID string) (int, error) {
	if err := autherr.Require("user id", userID); err != nil {
		return 0, err
	}
	ids, err := m.store.ListRange(ctx, store.UserSessionsKey(userID), 0, -1)
	if err != nil {
		return 0, err
	}
	var stale []string
	for _, id := range ids {
		ok, err := m.store.Exists(ctx, store.SessionKey(id))
		if err != nil {
			return 0, err
		}
		if !ok {
			stale = append(stale, id)
		}
	}
	return m.prune(ctx, userID, stale)
}

func (m *Manager) prune(ctx context.Context, userID string, ids []string) (int, error) {
	removed := 0
	for _, id := range ids {
		n, err := m.store.ListRemove(ctx, store.UserSessionsKey(userID), id)
		if err != nil {
			return removed, err
		}
		removed += int(n)
	}
	metrics.SessionIndexPrunedTotal.Add(float64(removed))
	return removed, nil
}
