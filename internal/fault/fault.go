// Package fault classifies engine errors so callers can branch on retry
// semantics without string matching. Duplicate and self-send suppression
// are not faults; they are no-op successes handled by the inbound package.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the retry-relevant error class.
type Kind string

const (
	// KindValidation marks malformed input. Rejected immediately, never retried.
	KindValidation Kind = "validation"
	// KindNotFound marks a missing conversation/target/channel reference.
	KindNotFound Kind = "not_found"
	// KindConfig marks missing or unusable channel credentials. Operator-actionable.
	KindConfig Kind = "configuration"
	// KindTransient marks timeouts, rate limits, and 5xx-class provider failures.
	KindTransient Kind = "transient"
	// KindPermanent marks non-retryable provider rejections (4xx other than rate limit).
	KindPermanent Kind = "permanent"
)

// Error pairs a Kind with a wrapped cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func Validation(format string, args ...any) error { return New(KindValidation, format, args...) }
func NotFound(format string, args ...any) error   { return New(KindNotFound, format, args...) }
func Config(format string, args ...any) error     { return New(KindConfig, format, args...) }
func Transient(format string, args ...any) error  { return New(KindTransient, format, args...) }
func Permanent(format string, args ...any) error  { return New(KindPermanent, format, args...) }

// Wrap attaches a kind to an existing error, preserving the chain.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the classified kind, defaulting to transient for
// unclassified errors so unknown infrastructure failures stay retryable.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}

// Retryable reports whether the error class allows another attempt.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}
