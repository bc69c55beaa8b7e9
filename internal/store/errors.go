package store

import "errors"

// Sentinel error kinds from spec.md §7, checked with errors.Is/As instead
// of string matching.
var (
	// ErrFingerprintConflict: an existing range-set has different
	// bounds/chunk_bits and already has chunks; a force-reinit purge is
	// required to proceed.
	ErrFingerprintConflict = errors.New("store: range-set exists with a different fingerprint and has chunks")

	// ErrClaimContention: an INSERT lost a uniqueness race. Callers
	// (picker, tile manager) decide whether to retry.
	ErrClaimContention = errors.New("store: claim lost to a concurrent claimant")

	// ErrNotFound: no row matched the lookup.
	ErrNotFound = errors.New("store: not found")

	// ErrSchemaMappingMiss: a requested status has no admitted synonym in
	// this schema's CHECK constraint. Per spec.md §9 this should be a
	// loud diagnostic, not silent behavior — callers log it, they do not
	// suppress it.
	ErrSchemaMappingMiss = errors.New("store: status has no admitted schema synonym")
)
