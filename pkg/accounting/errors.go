package accounting

import "errors"

var (
	// ErrNotPermitted is returned when the authorization gate rejects an
	// action.
	ErrNotPermitted = errors.New("not permitted")

	// ErrInvalidRange is returned for allocation periods where start > end.
	ErrInvalidRange = errors.New("invalid time range")

	// ErrInvalidAmount is returned for negative quotas or amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrWalletHasParent is returned when a root allocation targets a wallet
	// that already hangs below other wallets.
	ErrWalletHasParent = errors.New("wallet already has a parent")

	// ErrUnknownOwner is returned when an owner reference cannot be
	// resolved by the identity service.
	ErrUnknownOwner = errors.New("unknown owner")

	// ErrUnknownCategory is returned when a product category id is not
	// known to the product cache.
	ErrUnknownCategory = errors.New("unknown product category")

	// ErrUnknownAllocation is returned when an allocation id does not exist.
	ErrUnknownAllocation = errors.New("unknown allocation")

	// ErrAllocationRetired is returned when attempting to modify a retired
	// allocation.
	ErrAllocationRetired = errors.New("allocation is retired")

	// ErrNotLeader is returned for requests queued at a replica that lost
	// leadership before processing them. Callers may retry against the new
	// leader.
	ErrNotLeader = errors.New("replica is not the active processor")

	// ErrStopped is returned when submitting to a processor that has shut
	// down.
	ErrStopped = errors.New("processor stopped")
)
