package ratelimit

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable reports that the ledger store could not be read or
	// written. Callers choose whether to fail open or closed.
	ErrStoreUnavailable = errors.New("rate limit: ledger store unavailable")
	// ErrInvalidPolicy reports a configuration error in a policy or bypass rule.
	ErrInvalidPolicy = errors.New("rate limit: invalid policy")
	// ErrNotFound reports that no ledger exists for a key.
	ErrNotFound = errors.New("rate limit: ledger not found")
	// ErrConflict reports an optimistic update that lost every retry.
	ErrConflict = errors.New("rate limit: concurrent update conflict")
)

func invalidPolicy(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPolicy, fmt.Sprintf(format, args...))
}

// unavailable wraps a backend error so errors.Is(err, ErrStoreUnavailable)
// holds while keeping the cause visible.
func unavailable(op string, cause error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, cause)
}
