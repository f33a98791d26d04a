package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthExpired is returned for 401/403. The session is gone and callers
	// must stop and re-authenticate.
	ErrAuthExpired = errors.New("session expired")

	// ErrNotFound is returned when the ride or match no longer exists.
	ErrNotFound = errors.New("not found")

	// ErrTimeout is returned when an attempt exceeded its deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrValidation is returned for requests rejected before or by the backend
	// as malformed.
	ErrValidation = errors.New("validation failure")

	// ErrTransient covers connection failures and 5xx responses.
	ErrTransient = errors.New("transient network failure")

	// ErrDuplicate is returned when the backend reports the action was
	// already applied (feedback already submitted, request already sent).
	ErrDuplicate = errors.New("already applied")
)

// StatusError carries the raw HTTP response of a failed call.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Endpoint, e.Code)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Endpoint, e.Code, e.Body)
}

// Validationf builds a local validation error.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransient)
}

// Outcome is a short label for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAuthExpired):
		return "auth_expired"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "error"
	}
}
