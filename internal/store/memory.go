package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"github.com/kubilitics/kubilitics-authcore/internal/pkg/metrics"
)

// DefaultMemoryCapacity bounds the in-process store when no capacity is configured.
const DefaultMemoryCapacity = 100_000

type item struct {
	str      string
	list     []string
	isList   bool
	expireAt time.Time // zero = no expiry
}

func (it *item) expired(now time.Time) bool {
	return !it.expireAt.IsZero() && !now.Before(it.expireAt)
}

// MemoryStore is a single-process Store for development and tests. It is
// bounded by an LRU, so under pressure the least recently used keys are
// dropped, which for lockout state means a lock may be forgotten early.
// Every such drop is counted in authcore_memory_store_evictions_total.
type MemoryStore struct {
	mu    sync.Mutex
	items *lru.Cache[string, *item]
	clock clockwork.Clock
}

// NewMemoryStore returns a MemoryStore holding at most capacity keys.
func NewMemoryStore(capacity int, clock clockwork.Clock) (*MemoryStore, error) {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	c, err := lru.New[string, *item](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory store: %w", err)
	}
	return &MemoryStore{items: c, clock: clock}, nil
}

// lookup returns the live item for key, evicting it if expired. Caller holds mu.
func (m *MemoryStore) lookup(key string) (*item, bool) {
	it, ok := m.items.Get(key)
	if !ok {
		return nil, false
	}
	if it.expired(m.clock.Now()) {
		m.items.Remove(key)
		return nil, false
	}
	return it, true
}

// add inserts it under key. Caller holds mu.
func (m *MemoryStore) add(key string, it *item) {
	if m.items.Add(key, it) {
		metrics.MemoryStoreEvictionsTotal.Inc()
	}
}

func (m *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.clock.Now().Add(ttl)
}

func (m *MemoryStore) lookupList(op, key string) (*item, bool, error) {
	it, ok := m.lookup(key)
	if !ok {
		return nil, false, nil
	}
	if !it.isList {
		return nil, false, wrap(op, errWrongType)
	}
	return it, true, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, wrap("get", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.lookup(key)
	if !ok {
		return "", false, nil
	}
	if it.isList {
		return "", false, wrap("get", errWrongType)
	}
	return it.str, true, nil
}

func (m *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return wrap("set", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.add(key, &item{str: value, expireAt: m.deadline(ttl)})
	return nil
}

func (m *MemoryStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, wrap("setnx", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.add(key, &item{str: value, expireAt: m.deadline(ttl)})
	return true, nil
}

func (m *MemoryStore) SetIfPresent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, wrap("setxx", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookup(key); !ok {
		return false, nil
	}
	m.add(key, &item{str: value, expireAt: m.deadline(ttl)})
	return true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return wrap("del", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		m.items.Remove(k)
	}
	return nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, wrap("exists", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.lookup(key)
	return ok, nil
}

func (m *MemoryStore) ListPush(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return wrap("rpush", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok, err := m.lookupList("rpush", key)
	if err != nil {
		return err
	}
	if !ok {
		m.add(key, &item{list: []string{value}, isList: true})
		return nil
	}
	it.list = append(it.list, value)
	return nil
}

func (m *MemoryStore) ListPushCapped(ctx context.Context, key, value string, max int64, ttl time.Duration) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("rpush_capped", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok, err := m.lookupList("rpush_capped", key)
	if err != nil {
		return nil, err
	}
	if !ok {
		it = &item{isList: true}
		m.add(key, it)
	}
	it.list = append(it.list, value)

	var evicted []string
	if max > 0 && int64(len(it.list)) > max {
		cut := int64(len(it.list)) - max
		evicted = append(evicted, it.list[:cut]...)
		it.list = append([]string(nil), it.list[cut:]...)
	}
	if ttl > 0 {
		it.expireAt = m.deadline(ttl)
	}
	return evicted, nil
}

func (m *MemoryStore) ListReplace(ctx context.Context, key string, values []string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return wrap("replace", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(values) == 0 {
		m.items.Remove(key)
		return nil
	}
	m.add(key, &item{list: append([]string(nil), values...), isList: true, expireAt: m.deadline(ttl)})
	return nil
}

// bounds converts Redis-style inclusive indexes (negative counts from the tail) to a slice range.
func bounds(n, start, stop int64) (int64, int64, bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop + 1, true
}

func (m *MemoryStore) ListTrim(ctx context.Context, key string, start, stop int64) error {
	if err := ctx.Err(); err != nil {
		return wrap("ltrim", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok, err := m.lookupList("ltrim", key)
	if err != nil || !ok {
		return err
	}
	lo, hi, ok := bounds(int64(len(it.list)), start, stop)
	if !ok {
		m.items.Remove(key)
		return nil
	}
	it.list = append([]string(nil), it.list[lo:hi]...)
	return nil
}

func (m *MemoryStore) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("lrange", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok, err := m.lookupList("lrange", key)
	if err != nil || !ok {
		return nil, err
	}
	lo, hi, ok := bounds(int64(len(it.list)), start, stop)
	if !ok {
		return nil, nil
	}
	return append([]string(nil), it.list[lo:hi]...), nil
}

func (m *MemoryStore) ListRemove(ctx context.Context, key, value string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, wrap("lrem", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok, err := m.lookupList("lrem", key)
	if err != nil || !ok {
		return 0, err
	}
	kept := it.list[:0]
	var removed int64
	for _, v := range it.list {
		if v == value {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	it.list = kept
	if len(it.list) == 0 {
		m.items.Remove(key)
	}
	return removed, nil
}

func (m *MemoryStore) ListLen(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, wrap("llen", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok, err := m.lookupList("llen", key)
	if err != nil || !ok {
		return 0, err
	}
	return int64(len(it.list)), nil
}

func (m *MemoryStore) KeysMatching(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("scan", err)
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: pattern %q: %v", ErrInvalidKey, pattern, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	var out []string
	for _, k := range m.items.Keys() {
		it, ok := m.items.Peek(k)
		if !ok || it.expired(now) {
			continue
		}
		if g.Match(k) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return wrap("ping", ctx.Err())
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items.Purge()
	return nil
}

var _ Store = (*MemoryStore)(nil)
