package models

import "errors"

// Error kinds shared by every layer. Wrap with fmt.Errorf("...: %w", ErrX)
// and classify with errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrInvalidOperation = errors.New("invalid operation")
	ErrUnavailable      = errors.New("unavailable")
	ErrConflict         = errors.New("conflict")
)
