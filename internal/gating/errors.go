// ABOUTME: Error taxonomy for the access-gating flow
// ABOUTME: Frontends match these with errors.Is to pick the user-facing reply

package gating

import (
	"errors"
	"fmt"
)

// Gating errors
var (
	// ErrTokenMalformed means a verification token or retry payload could not be decoded
	ErrTokenMalformed = errors.New("malformed correlation token")

	// ErrTokenMismatch means a verification link was redeemed by someone other than its owner
	ErrTokenMismatch = errors.New("verification link belongs to another user")

	// ErrNotYourButton means a retry affordance was used by someone other than its owner
	ErrNotYourButton = errors.New("retry button belongs to another user")

	// ErrProviderUnavailable marks a failed redirect or membership provider call.
	// It is logged, never returned to callers: both providers fail open.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrStoreUnavailable means persistence failed and the request was abandoned
	// without partial state.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// storeErr wraps a persistence failure so callers can match ErrStoreUnavailable
// while keeping the underlying cause.
func storeErr(action string, err error) error {
	return fmt.Errorf("%s: %w: %w", action, ErrStoreUnavailable, err)
}
