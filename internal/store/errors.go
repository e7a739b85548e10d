package store

import "errors"

var (
	// ErrProviderNotFound is returned when a provider record is not found.
	ErrProviderNotFound = errors.New("provider not found")

	// ErrDuplicateExternalID is returned when a provider's external id is
	// already taken, across all owners.
	ErrDuplicateExternalID = errors.New("external id already in use")

	// ErrDuplicateDisplayName is returned when the owner already has a
	// provider with the same display name.
	ErrDuplicateDisplayName = errors.New("display name already in use")

	// ErrAccountClaimed is returned when an OAuth account name is already
	// present in the ownership ledger. Losing a claim race surfaces as this
	// error and is expected, not exceptional.
	ErrAccountClaimed = errors.New("account already claimed")

	// ErrAccountNotFound is returned when an ownership record is not found.
	ErrAccountNotFound = errors.New("account not found")
)
