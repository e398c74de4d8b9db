// Package faults defines the failure taxonomy shared by the site client,
// captcha solvers, session cache and publisher.
//
// Every failure on the publish path resolves to exactly one Kind; the
// publisher's outcome handling is driven by it.
package faults

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure for retry policy.
type Kind int

const (
	// KindTransient covers network errors, timeouts and 5xx responses.
	// Retried with capped exponential backoff.
	KindTransient Kind = iota

	// KindChallengeUnsolved means a captcha could not be solved in time.
	// Retryable, bounded by the captcha method's policy.
	KindChallengeUnsolved

	// KindInvalidCredentials is fatal: the site rejected the login.
	KindInvalidCredentials

	// KindAccountBanned is fatal: the site locked or banned the account.
	KindAccountBanned

	// KindNotImplemented is fatal: the configured capability has no working
	// implementation (the script captcha method).
	KindNotImplemented

	// KindSolverMisconfigured is fatal: the captcha solving service rejected
	// our own configuration (bad or unknown api key). This is an operator
	// problem, never grounds to touch the site account.
	KindSolverMisconfigured
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindChallengeUnsolved:
		return "challenge_unsolved"
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindAccountBanned:
		return "account_banned"
	case KindNotImplemented:
		return "not_implemented"
	case KindSolverMisconfigured:
		return "solver_misconfigured"
	default:
		return "unknown"
	}
}

// Fatal reports whether this kind must never be retried.
func (k Kind) Fatal() bool {
	switch k {
	case KindInvalidCredentials, KindAccountBanned, KindNotImplemented, KindSolverMisconfigured:
		return true
	}
	return false
}

// ErrPending signals that a job is waiting on an external resolution (manual
// captcha). It is not a failure: the publisher parks the job without consuming
// an attempt.
var ErrPending = errors.New("waiting on external resolution")

type kindError struct {
	kind Kind
	err  error
}

func (e kindError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e kindError) Unwrap() error { return e.err }
func (e kindError) Kind() Kind    { return e.kind }

// New wraps err with an explicit kind.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return kindError{kind: kind, err: err}
}

func Transient(err error) error          { return New(KindTransient, err) }
func ChallengeUnsolved(err error) error  { return New(KindChallengeUnsolved, err) }
func InvalidCredentials(err error) error { return New(KindInvalidCredentials, err) }
func AccountBanned(err error) error      { return New(KindAccountBanned, err) }
func NotImplemented(err error) error     { return New(KindNotImplemented, err) }

func SolverMisconfigured(err error) error { return New(KindSolverMisconfigured, err) }

// Classify extracts the kind from err. Unclassified errors (including context
// deadline/cancellation from bounded external calls) are treated as transient,
// which is the safe default: they get retried and eventually fail the cycle.
func Classify(err error) Kind {
	var ke kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindTransient
}

// IsFatal reports whether err carries a kind that must not be retried.
func IsFatal(err error) bool { return Classify(err).Fatal() }

// IsPending reports whether err is the park-and-wait signal.
func IsPending(err error) bool { return errors.Is(err, ErrPending) }

// RetryAfter attaches a suggested delay before retrying.
//
// This is used when the site returns an explicit rate-limit hint (e.g. HTTP
// 429 Retry-After). The publisher respects the hint, bounded by its configured
// maximum delay, and still applies jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
