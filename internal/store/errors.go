package store

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by mutations that target a row that does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError reports malformed input rejected before any I/O.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "must be digits only"
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, reason)
}

// ConstraintError reports a storage invariant violation. It indicates a bug
// in the caller and is never swallowed.
type ConstraintError struct {
	Op  string
	Err error
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("%s: constraint violated: %v", e.Op, e.Err)
}

func (e *ConstraintError) Unwrap() error { return e.Err }

// ValidatePhone checks that a phone number is non-empty and contains only digits.
func ValidatePhone(field, value string) error {
	if value == "" {
		return &ValidationError{Field: field, Value: value}
	}
	for i := 0; i < len(value); i++ {
		if value[i] < '0' || value[i] > '9' {
			return &ValidationError{Field: field, Value: value}
		}
	}
	return nil
}

// classify turns SQLite constraint failures into ConstraintError and wraps
// everything else with the operation name.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint {
		return &ConstraintError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
