// Package fault defines the error taxonomy shared across the classification
// pipeline. Transient kinds are consumed by retry wrappers; non-transient
// kinds propagate to the caller unchanged.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for retry and propagation decisions.
type Kind string

const (
	// KindInvalidInput marks caller errors (empty text, bad dimensions, malformed rules).
	KindInvalidInput Kind = "invalid_input"
	// KindNotFound marks lookups for entities that do not exist.
	KindNotFound Kind = "not_found"
	// KindDuplicate marks content-hash collisions on reference ingest.
	KindDuplicate Kind = "duplicate"
	// KindRateLimited marks upstream 429 responses. May carry a retry-after hint.
	KindRateLimited Kind = "rate_limited"
	// KindUnavailable marks upstream 503 responses.
	KindUnavailable Kind = "unavailable"
	// KindUpstream marks other remote failures; the retry budget decides whether
	// they are treated as transient.
	KindUpstream Kind = "upstream"
	// KindParse marks malformed LLM responses. Retryable.
	KindParse Kind = "parse"
	// KindServiceUnavailable marks calls rejected by an open circuit breaker.
	// Fail fast; never retried.
	KindServiceUnavailable Kind = "service_unavailable"
	// KindInternal marks unexpected failures.
	KindInternal Kind = "internal"
)

// Error is a kinded error. RetryAfter is only meaningful for KindRateLimited.
type Error struct {
	Kind       Kind
	Msg        string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a kinded error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// RateLimited creates a rate-limited error carrying the server's retry-after hint.
// A zero retryAfter means the server supplied none.
func RateLimited(retryAfter time.Duration, format string, args ...any) *Error {
	return &Error{Kind: KindRateLimited, Msg: fmt.Sprintf(format, args...), RetryAfter: retryAfter}
}

// KindOf returns the kind of err, or KindInternal if err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// RetryAfterOf returns the retry-after hint on err, or zero if none.
func RetryAfterOf(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}

// Transient reports whether err is worth retrying: rate limits, upstream
// unavailability, generic upstream failures, and LLM parse errors. Breaker
// rejections and caller errors are not transient.
func Transient(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindUnavailable, KindUpstream, KindParse:
		return true
	default:
		return false
	}
}
