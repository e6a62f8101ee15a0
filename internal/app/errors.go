/**
 * @description
 * Engine-level error taxonomy. Repository errors (insufficient funds, limit
 * exceeded, not-found sentinels) live in internal/store; the sentinels here
 * cover preconditions the engines themselves enforce. Every rejected
 * operation wraps one of these with the specific invariant that failed, so
 * callers never see a bare "operation failed".
 */

package app

import "errors"

var (
	// ErrRateUnavailable indicates the rate source has no usable price for a
	// currency the operation requires.
	ErrRateUnavailable = errors.New("exchange rate unavailable")

	// ErrInvalidAmount indicates a non-positive or out-of-bounds amount.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidState indicates an operation against an entity whose lifecycle
	// state does not permit it.
	ErrInvalidState = errors.New("invalid state")

	// ErrUnauthorized indicates a non-operator attempting an operator action.
	ErrUnauthorized = errors.New("unauthorized")
)
