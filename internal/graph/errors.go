package graph

import "errors"

// Validation errors per spec §7. These are returned to the caller of the
// planning API; no persisted state is mutated when they occur.
var (
	ErrDependencyTableDoesNotExist = errors.New("dependency table does not exist")
	ErrTriggerTableDoesNotExist    = errors.New("trigger table does not exist")
	ErrSelfTrigger                 = errors.New("function triggers on its own output table")
)
