// Package gwerrors defines the error taxonomy shared across the gateway:
// categories with defined retry/propagation semantics, not type names per
// component. Control-plane handlers map a Category to an HTTP status; the
// executor and orchestrator branch on it to decide retry vs. failover vs.
// permanent failure.
package gwerrors

import "errors"

// Category is one of the five error categories from the error handling
// design: each has a fixed retry/propagation policy.
type Category string

const (
	// Validation: input does not satisfy schema/invariants. Permanent,
	// reported to the caller, never retried.
	Validation Category = "validation"
	// Authorization: missing/invalid credentials or token. Permanent for
	// the account; triggers an (external) token-refresher signal.
	Authorization Category = "authorization"
	// LimitError: rate limit, subscription limit, quota exhaustion.
	// Transient at the account level; drives failover for reads and
	// retry-after-backoff for writes.
	LimitError Category = "limit"
	// Transient: network timeout, 5xx, bus unavailable, circuit open.
	// Retried with backoff within the attempt budget.
	Transient Category = "transient"
	// Fatal: invariant violation (corrupt state, internal bug).
	Fatal Category = "fatal"
)

// Error wraps an underlying cause with its category.
type Error struct {
	Category Category
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Category)
	}
	return string(e.Category) + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// New wraps err with a category. A nil err still produces a non-nil
// *Error carrying just the category, useful for sentinel comparisons.
func New(cat Category, err error) *Error {
	return &Error{Category: cat, Cause: err}
}

// Is reports whether err (or any error it wraps) belongs to category cat.
func Is(err error, cat Category) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Category == cat
	}
	return false
}

// CategoryOf extracts the category of err, defaulting to Fatal for
// uncategorized errors — an uncategorized error in this system is itself
// a bug, so treating it as Fatal surfaces it loudly instead of silently
// retrying forever.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return Fatal
}
