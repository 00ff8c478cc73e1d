package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/ethpandaops/testoor/pkg/query"
)

// ErrNotFound is returned when the target row does not exist.
var ErrNotFound = errors.New("not found")

// PersistenceError wraps a failure of the underlying database.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// wrapErr classifies a database error for op. Not-found and validation
// failures pass through as their own kinds.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		return fmt.Errorf("%s: referenced parent: %w", op, ErrNotFound)
	case query.IsValidationError(err):
		return err
	}

	var pErr *PersistenceError
	if errors.As(err, &pErr) {
		return err
	}

	return &PersistenceError{Op: op, Err: err}
}
