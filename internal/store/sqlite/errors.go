package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the store, adapted from the teacher's own
// database error-wrapping convention (sql.ErrNoRows -> ErrNotFound, wrapped
// with an operation tag).
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrCycle    = errors.New("dependency cycle detected")
)

// wrapDBError wraps a database error with operation context, converting
// sql.ErrNoRows to ErrNotFound for consistent handling up the stack.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
