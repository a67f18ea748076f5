// Package traderr defines the error taxonomy shared by the ledger and
// everything that feeds it. Callers classify failures with errors.Is
// rather than string matching.
package traderr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks bad caller input: non-positive quantity or
	// price, non-finite numbers, empty symbols.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks a lookup against an unregistered symbol or a
	// missing record.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks an attempt to store a record whose id already
	// exists.
	ErrConflict = errors.New("conflict")
)

func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool   { return errors.Is(err, ErrConflict) }
