package mfa

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/kubilitics/kubilitics-authcore/internal/auth/autherr"
	"github.com/kubilitics/kubilitics-authcore/internal/store"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, store.Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))
	s, err := store.NewMemoryStore(1000, clock)
	require.NoError(t, err)
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.MinCost
	}
	m, err := New(cfg, s, clock, zap.NewNop(), nil)
	require.NoError(t, err)
	return m, s, clock
}

func codeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, validateOpts(0))
	require.NoError(t, err)
	return code
}

func enroll(t *testing.T, m *Manager, userID string) *Enrollment {
	t.Helper()
	e, err := m.GenerateSecret(userID + "@example.com")
	require.NoError(t, err)
	require.NoError(t, m.Store(context.Background(), userID, e.Secret, e.BackupCodes))
	return e
}

func TestGenerateSecret(t *testing.T) {
	m, _, _ := newTestManager(t, Config{Issuer: "Kubilitics"})
	e, err := m.GenerateSecret("bob@example.com")
	require.NoError(t, err)

	assert.Len(t, e.Secret, 32)
	assert.Regexp(t, regexp.MustCompile(`^[A-Z2-7]{32}$`), e.Secret)

	u, err := url.Parse(e.ProvisioningURI)
	require.NoError(t, err)
	assert.Equal(t, "otpauth", u.Scheme)
	assert.Equal(t, "totp", u.Host)
	assert.Equal(t, e.Secret, u.Query().Get("secret"))
	assert.Equal(t, "Kubilitics", u.Query().Get("issuer"))

	require.Len(t, e.BackupCodes, DefaultBackupCodeCount)
	seen := map[string]bool{}
	for _, c := range e.BackupCodes {
		assert.Regexp(t, regexp.MustCompile(`^[A-HJ-NP-Z2-9]{4}-[A-HJ-NP-Z2-9]{4}$`), c)
		seen[c] = true
	}
	assert.Len(t, seen, DefaultBackupCodeCount)
}

func TestGetSecret(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	got, err := m.GetSecret(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)

	e := enroll(t, m, "u1")
	got, err = m.GetSecret(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, e.Secret, got.Secret)
	assert.False(t, got.Encrypted)
}

func TestGetSecret_Encrypted(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	m, s, _ := newTestManager(t, Config{EncryptionKey: base64.StdEncoding.EncodeToString(key)})
	ctx := context.Background()

	e := enroll(t, m, "u1")
	raw, _, err := s.Get(ctx, store.TwoFactorSecretKey("u1"))
	require.NoError(t, err)
	assert.NotContains(t, raw, e.Secret)

	got, err := m.GetSecret(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, e.Secret, got.Secret)
	assert.True(t, got.Encrypted)
}

func TestNew_RejectsBadEncryptionKey(t *testing.T) {
	s, err := store.NewMemoryStore(10, nil)
	require.NoError(t, err)
	_, err = New(Config{EncryptionKey: base64.StdEncoding.EncodeToString([]byte("short"))}, s, nil, nil, nil)
	assert.Error(t, err)
	_, err = New(Config{EncryptionKey: "%%%"}, s, nil, nil, nil)
	assert.Error(t, err)
}

func TestVerify_Window(t *testing.T) {
	step := Period * time.Second
	for _, tc := range []struct {
		name   string
		offset time.Duration
		want   bool
	}{
		{"current step", 0, true},
		{"one step behind", -step, true},
		{"one step ahead", step, true},
		{"two steps behind", -2 * step, true},
		{"three steps behind", -3 * step, false},
		{"three steps ahead", 3 * step, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, _, clock := newTestManager(t, Config{Window: 2})
			e := enroll(t, m, "u1")

			ok, err := m.Verify(context.Background(), "u1", codeAt(t, e.Secret, clock.Now().Add(tc.offset)))
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
		})
	}
}

func TestVerify_ZeroWindowAcceptsCurrentStepOnly(t *testing.T) {
	step := Period * time.Second
	m, _, clock := newTestManager(t, Config{Window: 0})
	e := enroll(t, m, "u1")
	ctx := context.Background()

	for _, offset := range []time.Duration{-2 * step, -step, step} {
		ok, err := m.Verify(ctx, "u1", codeAt(t, e.Secret, clock.Now().Add(offset)))
		require.NoError(t, err)
		assert.False(t, ok, "offset %s", offset)
	}

	ok, err := m.Verify(ctx, "u1", codeAt(t, e.Secret, clock.Now()))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerify_RejectsReplay(t *testing.T) {
	m, _, clock := newTestManager(t, Config{})
	e := enroll(t, m, "u1")
	ctx := context.Background()
	code := codeAt(t, e.Secret, clock.Now())

	ok, err := m.Verify(ctx, "u1", code)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Verify(ctx, "u1", code)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(Period * time.Second)
	ok, err = m.Verify(ctx, "u1", codeAt(t, e.Secret, clock.Now()))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerify_NotEnrolledOrWrongCode(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	ok, err := m.Verify(ctx, "nobody", "123456")
	require.NoError(t, err)
	assert.False(t, ok)

	enroll(t, m, "u1")
	ok, err = m.Verify(ctx, "u1", "12")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.Verify(ctx, "u1", "")
	assert.ErrorIs(t, err, autherr.ErrInvalidInput)
}

func TestVerifyBackupCode_SingleUse(t *testing.T) {
	m, _, _ := newTestManager(t, Config{BackupCodeCount: 3})
	e := enroll(t, m, "u1")
	ctx := context.Background()

	ok, err := m.VerifyBackupCode(ctx, "u1", strings.ToLower(e.BackupCodes[1]))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.VerifyBackupCode(ctx, "u1", e.BackupCodes[1])
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := m.RemainingBackupCodes(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ok, err = m.VerifyBackupCode(ctx, "u1", "ZZZZ-ZZZZ")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyBackupCode_ConcurrentUseSucceedsOnce(t *testing.T) {
	m, _, _ := newTestManager(t, Config{BackupCodeCount: 2})
	e := enroll(t, m, "u1")

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.VerifyBackupCode(context.Background(), "u1", e.BackupCodes[0])
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)
}

func TestStore_ReplacesBackupCodes(t *testing.T) {
	m, _, _ := newTestManager(t, Config{BackupCodeCount: 2})
	first := enroll(t, m, "u1")
	second := enroll(t, m, "u1")
	ctx := context.Background()

	ok, err := m.VerifyBackupCode(ctx, "u1", first.BackupCodes[0])
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = m.VerifyBackupCode(ctx, "u1", second.BackupCodes[0])
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_RejectsNonBase32Secret(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	err := m.Store(context.Background(), "u1", "not base32!", nil)
	assert.ErrorIs(t, err, autherr.ErrInvalidInput)
}

func TestDisable(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()
	enroll(t, m, "u1")

	on, err := m.IsEnabled(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, on)

	require.NoError(t, m.Disable(ctx, "u1"))
	on, err = m.IsEnabled(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, on)
	n, err := m.RemainingBackupCodes(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

// faultyStore fails the named operations with store.ErrUnavailable.
type faultyStore struct {
	store.Store
	failReplace bool
	failSet     bool
}

func (f *faultyStore) ListReplace(ctx context.Context, key string, values []string, ttl time.Duration) error {
	if f.failReplace {
		return fmt.Errorf("%w: injected", store.ErrUnavailable)
	}
	return f.Store.ListReplace(ctx, key, values, ttl)
}

func (f *faultyStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if f.failSet {
		return fmt.Errorf("%w: injected", store.ErrUnavailable)
	}
	return f.Store.Set(ctx, key, value, ttl)
}

func newFaultyManager(t *testing.T) (*Manager, *faultyStore) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))
	mem, err := store.NewMemoryStore(1000, clock)
	require.NoError(t, err)
	fs := &faultyStore{Store: mem}
	m, err := New(Config{BackupCodeCount: 3, BcryptCost: bcrypt.MinCost}, fs, clock, zap.NewNop(), nil)
	require.NoError(t, err)
	return m, fs
}

func TestStore_BackupCodeFailureKeepsPreviousEnrollment(t *testing.T) {
	m, fs := newFaultyManager(t)
	ctx := context.Background()
	first := enroll(t, m, "u1")

	next, err := m.GenerateSecret("u1@example.com")
	require.NoError(t, err)
	fs.failReplace = true
	err = m.Store(ctx, "u1", next.Secret, next.BackupCodes)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	fs.failReplace = false

	got, err := m.GetSecret(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.Secret, got.Secret)
	n, err := m.RemainingBackupCodes(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	ok, err := m.VerifyBackupCode(ctx, "u1", first.BackupCodes[0])
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_SecretFailureLeavesUserUnenrolled(t *testing.T) {
	m, fs := newFaultyManager(t)
	ctx := context.Background()
	enroll(t, m, "u1")

	next, err := m.GenerateSecret("u1@example.com")
	require.NoError(t, err)
	fs.failSet = true
	err = m.Store(ctx, "u1", next.Secret, next.BackupCodes)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	fs.failSet = false

	on, err := m.IsEnabled(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, on)
	n, err := m.RemainingBackupCodes(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}
