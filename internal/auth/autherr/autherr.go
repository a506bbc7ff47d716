// Package autherr holds errors shared by the auth components.
package autherr

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidInput is returned before any store call when a required argument is missing or malformed.
var ErrInvalidInput = errors.New("invalid input")

// Require returns ErrInvalidInput naming field when value is blank.
func Require(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidInput, field)
	}
	return nil
}
