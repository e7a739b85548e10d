package sync

import "errors"

var (
	// ErrValidation marks malformed, caller-fixable input.
	ErrValidation = errors.New("invalid input")

	// ErrAccessDenied is returned when the record exists but the caller is
	// not its owner.
	ErrAccessDenied = errors.New("caller does not own this provider")
)
