// Package store is the key-value adapter every auth component depends on.
//
// Implementations must provide the atomic primitives the components rely on:
// set-if-absent, set-if-present, and a capped list push that trims and
// refreshes the TTL in one step. Lists are appended at the tail, so index 0
// is always the oldest element.
package store

import (
	"context"
	"time"
)

// Store is the contract consumed by the lockout, session, token, mfa and iprep packages.
// A ttl of 0 means no expiry. Absent keys are not errors.
type Store interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	SetIfPresent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	ListPush(ctx context.Context, key, value string) error
	// ListPushCapped appends value, keeps only the newest max elements and sets the
	// key TTL, atomically. It returns the elements trimmed off the head.
	ListPushCapped(ctx context.Context, key, value string, max int64, ttl time.Duration) (evicted []string, err error)
	// ListReplace atomically replaces the whole list with values. An empty
	// values deletes the key.
	ListReplace(ctx context.Context, key string, values []string, ttl time.Duration) error
	ListTrim(ctx context.Context, key string, start, stop int64) error
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// ListRemove removes every element equal to value and reports how many were removed.
	ListRemove(ctx context.Context, key, value string) (int64, error)
	ListLen(ctx context.Context, key string) (int64, error)

	// KeysMatching enumerates keys matching a glob pattern (Redis MATCH syntax).
	KeysMatching(ctx context.Context, pattern string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}
