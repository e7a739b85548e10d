package claim

import "errors"

var (
	// ErrMissingOwner means the claim request carried no acting user.
	ErrMissingOwner = errors.New("claim: owner user id is required")
	// ErrMissingProvider means the claim request named no provider.
	ErrMissingProvider = errors.New("claim: provider is required")
)
