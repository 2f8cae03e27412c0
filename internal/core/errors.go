package core

import "errors"

// ErrorClass drives the retry policy. Workers never retry blindly: the class
// of the failure decides whether the task is re-queued, delayed, or failed.
type ErrorClass string

const (
	// ErrorTransient: network, timeout, flaky extraction. Retried with
	// exponential backoff up to the task's MaxRetries.
	ErrorTransient ErrorClass = "transient"
	// ErrorSemantic: extraction succeeded but produced unusable data.
	// Never retried; the product is left untouched.
	ErrorSemantic ErrorClass = "semantic"
	// ErrorThrottled: retailer refused the request. Retried after the
	// retailer cool-down, without consuming a retry.
	ErrorThrottled ErrorClass = "throttled"
	// ErrorConsistency: a store invariant would be violated. The operation
	// is aborted and logged; never retried automatically.
	ErrorConsistency ErrorClass = "consistency"
	// ErrorFatal: misconfiguration or programming error. Fails immediately.
	ErrorFatal ErrorClass = "fatal"
)

// Sentinels shared across packages.
var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidInput           = errors.New("invalid input")
	ErrNoExtractorForRetailer = errors.New("no extractor registered for retailer")
)

type classedError struct {
	class ErrorClass
	err   error
}

func (e *classedError) Error() string { return e.err.Error() }
func (e *classedError) Unwrap() error { return e.err }

// Transient wraps err as a retryable failure.
func Transient(err error) error { return &classedError{ErrorTransient, err} }

// Semantic wraps err as a non-retryable data failure.
func Semantic(err error) error { return &classedError{ErrorSemantic, err} }

// Throttled wraps err as a rate-limit failure.
func Throttled(err error) error { return &classedError{ErrorThrottled, err} }

// Consistency wraps err as an invariant violation.
func Consistency(err error) error { return &classedError{ErrorConsistency, err} }

// Fatal wraps err as a non-recoverable failure.
func Fatal(err error) error { return &classedError{ErrorFatal, err} }

// ClassOf returns the error's class. Unclassified errors are treated as
// transient: unknown failures get the retry budget, not a silent drop.
func ClassOf(err error) ErrorClass {
	var ce *classedError
	if errors.As(err, &ce) {
		return ce.class
	}
	return ErrorTransient
}
