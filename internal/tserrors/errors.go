// Package tserrors defines Timestore's error kinds and the retry helper
// built on top of them, shared by the ingestion queue and the connectors.
package tserrors

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and retry policy, per spec.md §7.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindSchemaEvolution
	KindStorageTargetNotFound
	KindStagingQueueFull
	KindTransientIO
	KindCorruption
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindSchemaEvolution:
		return "SchemaEvolutionError"
	case KindStorageTargetNotFound:
		return "StorageTargetNotFoundError"
	case KindStagingQueueFull:
		return "StagingQueueFullError"
	case KindTransientIO:
		return "TransientIOError"
	case KindCorruption:
		return "CorruptionError"
	case KindFatal:
		return "FatalError"
	default:
		return "UnknownError"
	}
}

// Error is the concrete error type carried through Timestore. Reasons holds
// a human-readable explanation list (used heavily by schema evolution
// failures, which report every breaking change found).
type Error struct {
	Kind    Kind
	Reasons []string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if len(e.Reasons) > 0 {
		return fmt.Sprintf("%s: %v", e.Kind, e.Reasons)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the worker level should retry the job that
// produced this error.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransientIO:
		return true
	case KindCorruption:
		// Corruption is recovered internally by the spool up to its own
		// attempt cap; once it escalates here it is no longer retryable.
		return false
	default:
		return false
	}
}

func New(kind Kind, err error, reasons ...string) *Error {
	return &Error{Kind: kind, Err: err, Reasons: reasons}
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Err: fmt.Errorf(format, args...)}
}

func SchemaEvolution(reasons []string) *Error {
	return &Error{Kind: KindSchemaEvolution, Reasons: reasons, Err: errors.New("breaking schema change")}
}

func StorageTargetNotFound(id string) *Error {
	return &Error{Kind: KindStorageTargetNotFound, Err: fmt.Errorf("storage target %q not found", id)}
}

func StagingQueueFull(slug string) *Error {
	return &Error{Kind: KindStagingQueueFull, Err: fmt.Errorf("staging queue full for dataset %q", slug)}
}

func TransientIO(err error) *Error {
	return &Error{Kind: KindTransientIO, Err: err}
}

func Corruption(err error) *Error {
	return &Error{Kind: KindCorruption, Err: err}
}

func Fatal(err error) *Error {
	return &Error{Kind: KindFatal, Err: err}
}

// Is makes errors.Is match err against any *Error target of the same Kind.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// Retryable reports whether err (of any type) should be retried — it
// defers to *Error.Retryable when err is one of ours, and otherwise treats
// context cancellation as non-retryable and everything else as retryable
// (conservative default for unclassified IO errors from drivers).
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Retryable()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// AsUserFailure converts err into the user-visible job failure shape from
// spec.md §7: {errorKind, reasons[], retryable}.
type UserFailure struct {
	ErrorKind string   `json:"errorKind"`
	Reasons   []string `json:"reasons,omitempty"`
	Retryable bool     `json:"retryable"`
}

func AsUserFailure(err error) UserFailure {
	var te *Error
	if errors.As(err, &te) {
		return UserFailure{ErrorKind: te.Kind.String(), Reasons: te.Reasons, Retryable: te.Retryable()}
	}
	return UserFailure{ErrorKind: KindUnknown.String(), Reasons: []string{err.Error()}, Retryable: Retryable(err)}
}
