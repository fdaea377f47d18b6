package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidToken is the single externally visible authentication failure.
// Unknown, malformed, expired, revoked and mismatched secrets all map to it
// so callers cannot enumerate token state. The root cause is kept in logs.
var ErrInvalidToken = errors.New("invalid token")

// ErrQuotaExceeded is returned when an owner already holds the maximum
// number of active tokens.
var ErrQuotaExceeded = errors.New("active token quota exceeded")

// ErrTokenNotFound is returned by owner-facing operations when no token
// matches the given id/owner pair.
var ErrTokenNotFound = errors.New("token not found")

// ValidationError reports bad issuance input. The message is user-correctable
// and safe to return verbatim.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// AuthorizationError means the token authenticated but lacks the scope the
// operation requires. Unlike authentication failures it is safe to say
// exactly which scope is missing.
type AuthorizationError struct {
	Scope string
}

func (e *AuthorizationError) Error() string {
	return "insufficient scope: requires " + e.Scope
}

// RateLimitError rejects a request that exceeded its per-minute quota.
// RetryAfter is the remaining window time.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter.Round(time.Millisecond))
}

// StoreError wraps a database failure on the authentication or issuance path.
// It must never be conflated with ErrInvalidToken: the request fails closed
// and is reported as an infrastructure error.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *StoreError) Unwrap() error { return e.Err }
