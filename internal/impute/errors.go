package impute

import (
	"errors"
	"fmt"
)

var (
	// ErrAllMissing means a column has no observed value to learn from
	ErrAllMissing = errors.New("column has no observed values")
	// ErrNotFitted is returned by Transform before Fit
	ErrNotFitted = errors.New("imputer is not fitted")
	// ErrColumnMismatch means a table lacks a column the imputer was fitted on
	ErrColumnMismatch = errors.New("table does not match fitted columns")
)

// ImputationError reports the column that could not be imputed
type ImputationError struct {
	Column string
	Err    error
}

func (e *ImputationError) Error() string {
	return fmt.Sprintf("cannot impute column %q: %v", e.Column, e.Err)
}

func (e *ImputationError) Unwrap() error { return e.Err }
