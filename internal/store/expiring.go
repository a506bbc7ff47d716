package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Encode serializes a record for storage.
func Encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	return string(b), nil
}

// Decode parses a stored record.
func Decode[T any](raw string) (*T, error) {
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &v, nil
}

// LoadUnexpired reads the JSON record at key and applies lazy-expiry reconciliation:
// a record for which expired reports true at now is deleted and reported as
// absent, whatever the store TTL says. Absent records return (nil, nil).
func LoadUnexpired[T any](ctx context.Context, s Store, key string, now time.Time, expired func(*T, time.Time) bool) (*T, error) {
	raw, found, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	v, err := Decode[T](raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", Namespace(key), err)
	}
	if expired(v, now) {
		// Best effort; the record is already treated as gone.
		_ = s.Delete(ctx, key)
		return nil, nil
	}
	return v, nil
}
