// Package syncerr defines the error taxonomy shared by the stores, the
// broadcast channel and the client reconciliation layer.
//
// Four conditions are distinguished:
//   - ErrStoreUnavailable: the durable store could not be reached or failed
//     mid-operation. Retryable; callers get backoff guidance via RetryAfter.
//   - ErrConflictOnToggle: a concurrent toggle on the same vote triple won the
//     race. Resolved internally by re-reading; only surfaced when retries run out.
//   - ErrValidation: a malformed identifier or request, rejected before any
//     store access.
//   - ErrSubscriptionDropped: a subscriber fell behind and was cut off. The
//     client must resync; never fatal.
package syncerr

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrConflictOnToggle    = errors.New("conflict on toggle")
	ErrValidation          = errors.New("validation failed")
	ErrSubscriptionDropped = errors.New("subscription dropped")
)

// DefaultRetryAfter is the backoff hint attached to store errors that don't
// carry their own.
const DefaultRetryAfter = 2 * time.Second

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid returns a ValidationError for field.
func Invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// StoreError wraps a failed store operation.
type StoreError struct {
	Op         string
	Err        error
	RetryAfter time.Duration
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the underlying driver error.
func (e *StoreError) Unwrap() []error { return []error{ErrStoreUnavailable, e.Err} }

// Unavailable wraps err as a retryable store failure for op.
func Unavailable(op string, err error) *StoreError {
	return &StoreError{Op: op, Err: err, RetryAfter: DefaultRetryAfter}
}

// IsRetryable reports whether err is worth retrying after a backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrConflictOnToggle)
}

// IsValidation reports whether err was a rejected input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// RetryAfter returns the backoff hint carried by err, or zero.
func RetryAfter(err error) time.Duration {
	var se *StoreError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	if errors.Is(err, ErrConflictOnToggle) {
		return 100 * time.Millisecond
	}
	return 0
}

// Kind names the taxonomy bucket of err for API responses.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConflictOnToggle):
		return "conflict"
	case errors.Is(err, ErrSubscriptionDropped):
		return "subscription_dropped"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "internal"
	}
}

const maxIDLen = 128

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:\-]*$`)

// CheckID validates an opaque session, option or participant identifier.
func CheckID(field, id string) error {
	switch {
	case id == "":
		return Invalid(field, "is required")
	case len(id) > maxIDLen:
		return Invalid(field, fmt.Sprintf("exceeds %d characters", maxIDLen))
	case !idPattern.MatchString(id):
		return Invalid(field, "contains invalid characters")
	}
	return nil
}
