package store

import (
	"errors"
	"fmt"
)

// ErrUnavailable marks any failure to reach or use the backing store, including
// timeouts and cancellation. Callers must never read it as a negative security decision.
var ErrUnavailable = errors.New("key-value store unavailable")

var errWrongType = errors.New("operation against a key holding the wrong kind of value")

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// ErrInvalidKey is returned for a malformed key or key pattern.
var ErrInvalidKey = errors.New("invalid store key")
