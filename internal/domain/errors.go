package domain

import "errors"

// Error kinds surfaced at the service boundary. Operations wrap these with
// fmt.Errorf("...: %w", Err...) so callers can match with errors.Is.
var (
	// ErrValidation marks malformed input, such as a manual entry whose end
	// is not after its start, or an association that does not exist.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a missing entry or a stop call with nothing running.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks an attempted mutation of a billed entry, or an
	// invariant violation detected at commit time.
	ErrConflict = errors.New("conflict")

	// ErrUnavailable marks a transient storage failure. The whole operation
	// is transactional, so the caller may safely retry it.
	ErrUnavailable = errors.New("storage unavailable")
)
