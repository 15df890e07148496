package lifecycle

import "errors"

// Engine failures are local, recoverable conditions. Callers distinguish
// them with errors.Is; the HTTP layer maps each to a structured response.
var (
	// ErrInvalidTransition: no lifecycle edge exists from the task's
	// current stage in the requested direction, or the operation is not
	// allowed in that stage (plan changes during active work, notes on a
	// closed task). Never retried.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrForbidden: the actor's groups do not intersect the required
	// permit set. Reported, not retried.
	ErrForbidden = errors.New("forbidden")

	// ErrStaleState: the caller's expected_state does not match the
	// authoritative stage read inside the transaction. The caller is
	// expected to re-fetch and retry manually; the engine never
	// auto-retries.
	ErrStaleState = errors.New("stale state")

	// ErrValidation: malformed input (bad task id, missing fields,
	// date-window violations).
	ErrValidation = errors.New("validation failed")
)
