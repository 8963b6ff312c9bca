package agent

import (
	"time"

	"github.com/wasmatrix/wasmatrix/internal/instance"
)

// Decision is the result of evaluating a RestartPolicy against the
// current crash state. It is returned by Evaluate, a pure function of
// its arguments — no clock reads, no side effects — so restart
// behavior is testable without waiting on a real timer.
type Decision struct {
	Restart bool
	Delay   time.Duration
	// Violation is set when MaxRetries has been exhausted: the
	// instance stays Crashed and a RestartPolicyViolation event is
	// reported by the caller.
	Violation bool
}

// Evaluate computes the restart decision for an instance whose
// crashCount consecutive crashes have been observed (counting the one
// that just happened) and whose last reported status is lastStatus.
// It reads no clock: the delay depends only on policy and crashCount,
// so the function stays pure.
//
// Backoff formula, ported from the Rust reference's
// calculate_backoff: delay = min(base * 2^(crashCount-1), cap).
func Evaluate(policy instance.RestartPolicy, crashCount int, lastStatus instance.Status) Decision {
	if lastStatus != instance.StatusCrashed {
		return Decision{Restart: false}
	}

	switch policy.Type {
	case instance.PolicyNever:
		return Decision{Restart: false}

	case instance.PolicyAlways:
		if policy.MaxRetries > 0 && crashCount > policy.MaxRetries {
			return Decision{Restart: false, Violation: true}
		}
		return Decision{Restart: true, Delay: policy.BackoffBase}

	case instance.PolicyOnFailure:
		if policy.MaxRetries > 0 && crashCount > policy.MaxRetries {
			return Decision{Restart: false, Violation: true}
		}
		return Decision{Restart: true, Delay: backoffDelay(policy, crashCount)}

	default:
		return Decision{Restart: false}
	}
}

func backoffDelay(policy instance.RestartPolicy, crashCount int) time.Duration {
	base := policy.BackoffBase
	backoffCap := policy.BackoffCap
	if base <= 0 {
		return 0
	}
	shift := crashCount - 1
	if shift < 0 {
		shift = 0
	}
	// Cap the shift itself so the multiplication never overflows
	// time.Duration for a pathologically large crash count — the Rust
	// reference caps the exponent at 8 for the same reason.
	if shift > 8 {
		shift = 8
	}
	delay := base << shift
	if backoffCap > 0 && delay > backoffCap {
		return backoffCap
	}
	return delay
}
