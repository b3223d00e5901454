// Package apperrors generalizes the teacher's single AppError type into the
// six-kind error taxonomy the pipeline coordinator dispatches on: whether
// to retry, whether to surface a diagnostic activity event, and whether to
// crash the worker.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies an AppError for the coordinator's dispatch logic.
type Kind int

const (
	// KindUnknown is the zero value; treated the same as PermanentStore.
	KindUnknown Kind = iota
	// KindValidation marks malformed input; never retried.
	KindValidation
	// KindTransientStore marks store timeouts/connection resets; retried
	// with exponential backoff up to MaxRetries attempts.
	KindTransientStore
	// KindPermanentStore marks constraint violations; logged, not retried,
	// not fatal to the worker.
	KindPermanentStore
	// KindDegradedDependency marks an optional dependency (activity store)
	// being unavailable; the caller should drop the operation and proceed.
	KindDegradedDependency
	// KindContract marks a model/feature-order mismatch; the caller should
	// fall back to the heuristic ranker and warn.
	KindContract
	// KindFatal marks a programming invariant violation; the worker should
	// crash so the orchestrator restarts it.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindTransientStore:
		return "TransientStoreError"
	case KindPermanentStore:
		return "PermanentStoreError"
	case KindDegradedDependency:
		return "DegradedDependencyError"
	case KindContract:
		return "ContractError"
	case KindFatal:
		return "FatalError"
	default:
		return "UnknownError"
	}
}

// MaxRetries is the retry ceiling for TransientStoreError per SPEC_FULL §7.
const MaxRetries = 3

// AppError wraps an operation, human-facing message, underlying error, and
// the Kind that governs how the coordinator reacts to it.
type AppError struct {
	Op   string
	Msg  string
	Kind Kind
	Err  error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func newErr(kind Kind, op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Kind: kind, Err: err}
}

// Validation constructs a ValidationError.
func Validation(op, msg string, err error) error {
	return newErr(KindValidation, op, msg, err)
}

// TransientStore constructs a TransientStoreError.
func TransientStore(op, msg string, err error) error {
	return newErr(KindTransientStore, op, msg, err)
}

// PermanentStore constructs a PermanentStoreError.
func PermanentStore(op, msg string, err error) error {
	return newErr(KindPermanentStore, op, msg, err)
}

// DegradedDependency constructs a DegradedDependencyError.
func DegradedDependency(op, msg string, err error) error {
	return newErr(KindDegradedDependency, op, msg, err)
}

// Contract constructs a ContractError.
func Contract(op, msg string, err error) error {
	return newErr(KindContract, op, msg, err)
}

// Fatal constructs a FatalError.
func Fatal(op, msg string, err error) error {
	return newErr(KindFatal, op, msg, err)
}

// KindOf extracts the Kind of err if it is (or wraps) an *AppError.
func KindOf(err error) Kind {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// Retryable reports whether err should be retried per the TransientStore
// policy.
func Retryable(err error) bool {
	return KindOf(err) == KindTransientStore
}
