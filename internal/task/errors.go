package task

import "errors"

// Sentinel errors returned by the task service. Callers branch with
// errors.Is; the runner converts them into wire error events.
var (
	// ErrInvalidInput marks validation failures: unknown enum values,
	// out-of-range priority, malformed ids.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound marks id resolution failures.
	ErrNotFound = errors.New("task not found")

	// ErrAmbiguousID is returned when a short-id prefix matches more than
	// one task.
	ErrAmbiguousID = errors.New("ambiguous task id")

	// ErrCycleDetected is returned when a dependency add would create a
	// cycle in the blocked_by graph.
	ErrCycleDetected = errors.New("dependency cycle detected")

	// ErrInvalidTransition marks a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
)
