package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/kubilitics/kubilitics-authcore/internal/audit"
	"github.com/kubilitics/kubilitics-authcore/internal/auth/lockout"
	"github.com/kubilitics/kubilitics-authcore/internal/auth/token"
	"github.com/kubilitics/kubilitics-authcore/internal/config"
	"github.com/kubilitics/kubilitics-authcore/internal/models"
	"github.com/kubilitics/kubilitics-authcore/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		MaxLoginAttempts:     5,
		LockoutDurationMs:    30 * 60 * 1000,
		LockoutFailMode:      "closed",
		SessionLifetimeMs:    24 * 60 * 60 * 1000,
		MaxSessionsPerUser:   5,
		AccessTokenLifetime:  15 * time.Minute,
		RefreshTokenLifetime: 7 * 24 * time.Hour,
		JWTSecret:            "access-secret-for-service-tests",
		JWTRefreshSecret:     "refresh-secret-for-service-tests",
		TOTPWindow:           2,
		BackupCodeCount:      10,
		BackupCodeBcryptCost: 4,
		MemoryStoreCapacity:  1000,
		StoreOpTimeoutMs:     500,
	}
}

func newTestCore(t *testing.T, cfg *config.Config) (*Core, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))
	log := zaptest.NewLogger(t)
	s, err := OpenStore(context.Background(), cfg, clock, log)
	require.NoError(t, err)
	core, err := NewCore(cfg, Deps{Store: s, Clock: clock, Logger: log})
	require.NoError(t, err)
	t.Cleanup(func() { _ = core.Close() })
	return core, clock
}

func TestScenario_LockoutAndAutomaticUnlock(t *testing.T) {
	core, clock := newTestCore(t, testConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, core.Lockout.RecordAttempt(ctx, lockout.Attempt{Identifier: "u@test", IPAddress: "10.0.0.1"}))
		clock.Advance(time.Minute)
	}
	st, err := core.Lockout.IsLocked(ctx, "u@test")
	require.NoError(t, err)
	assert.True(t, st.Locked)

	clock.Advance(30 * time.Minute)
	st, err = core.Lockout.IsLocked(ctx, "u@test")
	require.NoError(t, err)
	assert.False(t, st.Locked)
}

func TestScenario_RefreshAfterSessionDestroyedFails(t *testing.T) {
	core, _ := newTestCore(t, testConfig())
	ctx := context.Background()

	sess, err := core.Sessions.Create(ctx, "u1", "10.0.0.1", "agent")
	require.NoError(t, err)
	pair, err := core.Tokens.IssuePair(token.Subject{UserID: "u1", Email: "u1@test", Role: "viewer", SessionID: sess.ID})
	require.NoError(t, err)

	require.NoError(t, core.Sessions.Destroy(ctx, sess.ID))

	next, err := core.Tokens.Refresh(ctx, pair.RefreshToken)
	assert.Nil(t, next)
	assert.ErrorIs(t, err, token.ErrInvalidToken)
}

func TestScenario_FullLoginFlow(t *testing.T) {
	core, clock := newTestCore(t, testConfig())
	ctx := context.Background()

	st, err := core.Lockout.IsLocked(ctx, "u1@test")
	require.NoError(t, err)
	require.False(t, st.Locked)
	require.NoError(t, core.Lockout.RecordAttempt(ctx, lockout.Attempt{Identifier: "u1@test", Success: true, UserID: "u1"}))

	sess, err := core.Sessions.Create(ctx, "u1", "10.0.0.1", "agent")
	require.NoError(t, err)
	pair, err := core.Tokens.IssuePair(token.Subject{UserID: "u1", SessionID: sess.ID})
	require.NoError(t, err)

	sus, err := core.IPs.IsSuspicious(ctx, "u1", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, sus)
	require.NoError(t, core.IPs.Record(ctx, "u1", "10.0.0.1"))

	clock.Advance(time.Minute)
	next, err := core.Tokens.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	claims, err := core.Tokens.Verify(ctx, next.AccessToken, token.KindAccess)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, claims.SessionID)

	n, err := core.Sessions.DestroyAll(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = core.Tokens.Refresh(ctx, next.RefreshToken)
	assert.ErrorIs(t, err, token.ErrInvalidToken)
}

func TestNewCore_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.JWTRefreshSecret = cfg.JWTSecret
	s, err := store.NewMemoryStore(10, nil)
	require.NoError(t, err)
	_, err = NewCore(cfg, Deps{Store: s})
	assert.Error(t, err)

	_, err = NewCore(testConfig(), Deps{})
	assert.Error(t, err)
}

func TestOpenStore_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisEnabled = true
	cfg.RedisAddr = mr.Addr()

	s, err := OpenStore(context.Background(), cfg, nil, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Set(context.Background(), "k", "v", 0))
	assert.True(t, mr.Exists("k"))
}

func TestOpenStore_UnreachableRedisFails(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig()
	cfg.RedisEnabled = true
	cfg.RedisAddr = addr
	_, err := OpenStore(context.Background(), cfg, nil, zap.NewNop())
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestOpenRecorder(t *testing.T) {
	cfg := testConfig()
	rec, closer, err := OpenRecorder(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &audit.LogRecorder{}, rec)
	assert.Nil(t, closer)

	cfg.AuditDBPath = filepath.Join(t.TempDir(), "audit.db")
	rec, closer, err = OpenRecorder(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, closer)
	defer closer.Close()
	assert.NoError(t, rec.Record(context.Background(), &models.SecurityEvent{ID: "e1", EventType: models.EventTokenRevoked, CreatedAt: time.Now()}))
}
