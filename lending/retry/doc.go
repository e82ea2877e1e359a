// Package retry runs an operation with exponential backoff and jitter.
//
// Only errors accepted by the retryable predicate are retried; by default those are
// lending.ErrConflict and lending.ErrStorage, both safe to repeat with the same borrow id.
package retry
