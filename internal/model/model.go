// Package model defines domain values shared by the limiter, the guard and their callers.
package model

import "time"

// Decision is the outcome of an admission check: allowed, or denied for RetryAfter.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // zero when Allowed
	Token      string        // set by Acquire when Allowed; identifies the provisional failure
}

// Allow returns an allowing decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny returns a denying decision. Non-positive waits are clamped to one millisecond
// so a denied caller is never told to retry immediately.
func Deny(retryAfter time.Duration) Decision {
	if retryAfter <= 0 {
		retryAfter = time.Millisecond
	}
	return Decision{RetryAfter: retryAfter}
}

// Record is the attempt ledger entry of one principal.
type Record struct {
	Principal   string
	Failures    []time.Time // oldest first, all within the window
	LockedUntil *time.Time  // set only while the principal is denied
}

// Outcome enumerates the three results of an authentication attempt.
type Outcome int

const (
	// OutcomeRejected is the zero value so an uninitialized Result never reads as success.
	OutcomeRejected Outcome = iota
	OutcomeSuccess
	OutcomeLocked
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeLocked:
		return "locked"
	default:
		return "rejected"
	}
}

// Result is what the guard returns to the hosting application.
type Result struct {
	Outcome    Outcome
	Reason     error         // errs.ErrInvalidCredential when rejected, errs.ErrLocked when locked
	RetryAfter time.Duration // set only when locked
}

// OK reports whether authentication succeeded.
func (r Result) OK() bool { return r.Outcome == OutcomeSuccess }

// Success returns a successful Result.
func Success() Result { return Result{Outcome: OutcomeSuccess} }

// Rejected returns a Result for a failed match; reason is usually errs.ErrInvalidCredential.
func Rejected(reason error) Result { return Result{Outcome: OutcomeRejected, Reason: reason} }

// Locked returns a Result for a principal that must wait retryAfter.
func Locked(reason error, retryAfter time.Duration) Result {
	return Result{Outcome: OutcomeLocked, Reason: reason, RetryAfter: retryAfter}
}
