// Package errs defines the error kinds used across the execution core and
// the classification rules the orchestrator applies to step failures.
package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind partitions errors by how callers should react to them.
type Kind string

const (
	KindValidation   Kind = "validation"          // malformed inputs; surfaced to caller
	KindNotFound     Kind = "not_found"           // missing run/task/session/skill
	KindPrecondition Kind = "precondition_failed" // illegal state transition
	KindConflict     Kind = "conflict"            // duplicate session/registration
	KindTimeout      Kind = "timeout"             // retryable
	KindRateLimited  Kind = "rate_limited"        // retryable with backoff hint
	KindUnauthorized Kind = "unauthorized"        // non-retryable
	KindTransient    Kind = "transient"           // network/connection; retryable
	KindFatal        Kind = "fatal"               // compile/syntax class; non-retryable
	KindInternal     Kind = "internal"            // unclassified; retried once then surfaced
)

// Error carries a kind, the operation that failed, and an optional cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Msg != "" {
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		if e.Msg != "" {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	if b.Len() == 0 {
		return string(e.Kind)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds an error of the given kind.
func E(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to an existing error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind from an error chain. Unclassified errors report
// KindInternal; nil reports the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsNotFound reports whether the error is a missing-entity error.
func IsNotFound(err error) bool { return Is(err, KindNotFound) }

// IsValidation reports whether the error is a malformed-input error.
func IsValidation(err error) bool { return Is(err, KindValidation) }

// IsConflict reports whether the error is a duplicate-entity error.
func IsConflict(err error) bool { return Is(err, KindConflict) }

// Retryable reports whether steps failing with this kind may be retried.
func Retryable(kind Kind) bool {
	switch kind {
	case KindTimeout, KindRateLimited, KindTransient, KindInternal:
		return true
	default:
		return false
	}
}

// BackoffFactor returns the multiplier applied to the base retry delay for
// the given kind.
func BackoffFactor(kind Kind) int {
	switch kind {
	case KindTimeout:
		return 2
	case KindRateLimited:
		return 5
	default:
		return 1
	}
}

// RetryBudget caps the retry count for a kind. Internal errors get at most
// one retry regardless of the configured maximum; non-retryable kinds get
// none.
func RetryBudget(kind Kind, maxRetries int) int {
	if !Retryable(kind) {
		return 0
	}
	if kind == KindInternal && maxRetries > 1 {
		return 1
	}
	return maxRetries
}

// classification maps case-insensitive message substrings to kinds, in
// match order.
var classification = []struct {
	substrings []string
	kind       Kind
}{
	{[]string{"timeout", "timed out"}, KindTimeout},
	{[]string{"rate limit", "too many requests"}, KindRateLimited},
	{[]string{"unauthorized", "authentication"}, KindUnauthorized},
	{[]string{"syntax error", "compile error"}, KindFatal},
	{[]string{"network", "connection refused", "fetch"}, KindTransient},
}

// Classify determines the kind of an arbitrary error. Errors already
// carrying a kind keep it; otherwise the message is matched against the
// classification table and unmatched errors report KindInternal.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range classification {
		for _, s := range rule.substrings {
			if strings.Contains(msg, s) {
				return rule.kind
			}
		}
	}
	return KindInternal
}
