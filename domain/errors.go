package domain

import (
	"errors"
	"fmt"
)

// ValidationError marks a malformed or incomplete activity. Rejected before
// dispatch, never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: field %q: %s", e.Field, e.Reason)
}

// AuthorizationError marks an actor lacking permission. Terminal, surfaced
// to the caller.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization: %s", e.Reason)
}

// NotFoundError marks a missing referenced actor, object or circle.
// Terminal for the activity that referenced it.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// TransientDeliveryError marks an unreachable or timed-out remote. Retried
// per the backoff policy.
type TransientDeliveryError struct {
	Domain string
	Err    error
}

func (e *TransientDeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed: %v", e.Domain, e.Err)
}

func (e *TransientDeliveryError) Unwrap() error { return e.Err }

// ReplayError marks a reused signature nonce or expired-token replay.
// Rejected and logged as a security event, never retried.
type ReplayError struct {
	SigHash string
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay detected for signature %s", e.SigHash)
}

// ExhaustedRetryError marks a delivery job that reached maxAttempts.
// Terminal and operator-visible.
type ExhaustedRetryError struct {
	JobID    string
	Attempts int
}

func (e *ExhaustedRetryError) Error() string {
	return fmt.Sprintf("delivery job %s exhausted after %d attempts", e.JobID, e.Attempts)
}

// ErrorTag names the taxonomy class of err for logging and HTTP mapping.
// Unknown errors tag as "internal".
func ErrorTag(err error) string {
	var (
		ve *ValidationError
		ae *AuthorizationError
		nf *NotFoundError
		td *TransientDeliveryError
		re *ReplayError
		ee *ExhaustedRetryError
	)
	switch {
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &ae):
		return "authorization"
	case errors.As(err, &nf):
		return "not_found"
	case errors.As(err, &td):
		return "transient_delivery"
	case errors.As(err, &re):
		return "replay"
	case errors.As(err, &ee):
		return "exhausted_retry"
	default:
		return "internal"
	}
}

// IsTransient reports whether err should be retried by a worker.
func IsTransient(err error) bool {
	var td *TransientDeliveryError
	return errors.As(err, &td)
}
