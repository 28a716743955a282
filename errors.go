package voxmeter

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrUnauthenticated       = errors.New("voxmeter: unauthenticated")
	ErrQuotaExhausted        = errors.New("voxmeter: token quota exhausted")
	ErrInsufficientRemaining = errors.New("voxmeter: insufficient tokens remaining")
	ErrProviderFailed        = errors.New("voxmeter: inference provider failed")
	ErrInvalidSignature      = errors.New("voxmeter: invalid webhook signature")
	ErrMalformedEvent        = errors.New("voxmeter: malformed webhook event")
	ErrInvalidInput          = errors.New("voxmeter: invalid input")
	ErrAccountNotFound       = errors.New("voxmeter: account not found")
	ErrSubscriptionNotFound  = errors.New("voxmeter: subscription not found")
	ErrSubscriptionActive    = errors.New("voxmeter: subscription already active")

	// Provider failure kinds. All of them are non-chargeable.
	ErrRateLimited         = errors.New("voxmeter: rate limited by provider")
	ErrProviderAuth        = errors.New("voxmeter: provider authentication failed")
	ErrInvalidRequest      = errors.New("voxmeter: invalid provider request")
	ErrProviderUnavailable = errors.New("voxmeter: provider unavailable")
	ErrNoProviders         = errors.New("voxmeter: no healthy providers")
)

// RejectionError is returned when admission refuses a request.
// Reason is ErrQuotaExhausted or ErrInsufficientRemaining.
type RejectionError struct {
	Reason    error
	Required  int64
	Remaining int64
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%v: required=%d remaining=%d", e.Reason, e.Required, e.Remaining)
}

func (e *RejectionError) Unwrap() error {
	return e.Reason
}

// RequestError wraps a terminal orchestrator error with the state the request
// ended in.
type RequestError struct {
	Err      error
	State    RequestState
	UserID   string
	Provider string
	Attempts int
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("voxmeter: state=%s user=%s provider=%s attempts=%d: %v",
		e.State, e.UserID, e.Provider, e.Attempts, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the provider error should not be retried with another provider.
func IsFatal(err error) bool {
	return errors.Is(err, ErrProviderAuth) || errors.Is(err, ErrInvalidRequest)
}

// IsRetryable returns true if another provider may succeed where this one failed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrProviderUnavailable)
}

// IsRejection reports whether err is an admission rejection.
func IsRejection(err error) bool {
	return errors.Is(err, ErrQuotaExhausted) || errors.Is(err, ErrInsufficientRemaining)
}
