package fleet

import (
	"fmt"
	"time"
)

// APIError is an upstream provider error that has no more specific
// typed form.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fleet: api error %d: %s", e.StatusCode, e.Message)
}

// VehicleAsleepError reports that the vehicle is offline or asleep
// and cannot service the request until woken.
type VehicleAsleepError struct {
	VIN     string
	Message string
}

func (e *VehicleAsleepError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("fleet: vehicle %s asleep: %s", e.VIN, e.Message)
	}
	return fmt.Sprintf("fleet: vehicle %s asleep", e.VIN)
}

// RateLimitError reports an exhausted rate-limit retry budget.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("fleet: rate limited, retry after %s", e.RetryAfter)
}

// OriginMismatchError reports a 412: the request origin does not
// match the registered partner domain.
type OriginMismatchError struct {
	Message string
}

func (e *OriginMismatchError) Error() string {
	return fmt.Sprintf("fleet: origin not allowed: %s", e.Message)
}

// KeyNotFetchableError reports a 424: the provider could not fetch
// the partner public key from the registered domain yet.
type KeyNotFetchableError struct {
	Message string
}

func (e *KeyNotFetchableError) Error() string {
	return fmt.Sprintf("fleet: public key not fetchable: %s", e.Message)
}

// MissingScopesError reports that the presented token lacks scopes
// the operation requires.
type MissingScopesError struct {
	Message string
}

func (e *MissingScopesError) Error() string {
	return fmt.Sprintf("fleet: missing scopes: %s", e.Message)
}
