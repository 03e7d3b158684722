package store

import "errors"

var (
	// ErrTenantRequired is returned by every store method called without a
	// tenant identifier. The layer fails closed rather than widening scope.
	ErrTenantRequired = errors.New("store: tenant id is required")

	ErrJobNotFound     = errors.New("store: job not found")
	ErrMessageNotFound = errors.New("store: message not found")
	ErrBucketNotFound  = errors.New("store: rate limit bucket not found")

	// ErrLeaseLost means the caller's lease expired or was reaped between
	// claiming and recording the outcome.
	ErrLeaseLost = errors.New("store: lease no longer held")

	// ErrJobTerminal guards the one-time terminal status write on jobs.
	ErrJobTerminal = errors.New("store: job status is terminal")

	ErrNotDead = errors.New("store: message is not dead-lettered")

	// ErrDuplicateLive refuses a mutation that would leave two live
	// messages holding the same dedup key.
	ErrDuplicateLive = errors.New("store: dedup key held by a live message")
)
