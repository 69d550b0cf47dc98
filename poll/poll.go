// Package poll repeatedly evaluates a probe against an
// external system until the probe reports success, the
// probe reports a fatal condition, or a deadline elapses.
//
// Remote systems in the e2e environment (newly created EC2
// instances, a load balancer warming up, a freshly pushed
// commit triggering a build) become consistent
// asynchronously. Fixed-interval polling with an explicit
// deadline bridges that asynchronous remote state into the
// synchronous assertions the harness makes.
package poll

import (
	"context"
	"fmt"
	"time"
)

type kind int

const (
	retry kind = iota
	success
	fatal
)

// Result is the outcome of one probe evaluation.
// Construct it with Success, Retry, or Fatal.
type Result[T any] struct {
	kind   kind
	value  T
	reason string
	err    error
}

// Success reports that the awaited condition is true
// and carries the value the caller was waiting for.
func Success[T any](v T) Result[T] {
	return Result[T]{kind: success, value: v}
}

// Retry reports that the awaited condition is not yet
// true but may become true before the deadline.
// The reason is surfaced in the timeout error if the
// deadline elapses.
func Retry[T any](reason string) Result[T] {
	return Result[T]{kind: retry, reason: reason}
}

// Fatal reports that the awaited condition can never
// become true. Wait stops immediately; err is never
// masked as a timeout.
func Fatal[T any](err error) Result[T] {
	return Result[T]{kind: fatal, err: err}
}

// A Probe performs one remote check:
// an HTTP request, an SSH connection attempt,
// a data-presence lookup.
type Probe[T any] func(ctx context.Context) Result[T]

// TimeoutError is returned by Wait when the deadline
// elapses while only retryable outcomes were seen.
type TimeoutError struct {
	Timeout    time.Duration
	LastReason string
}

func (e *TimeoutError) Error() string {
	if e.LastReason == "" {
		return fmt.Sprintf("timed out after %v", e.Timeout)
	}
	return fmt.Sprintf("timed out after %v: %s", e.Timeout, e.LastReason)
}

// Wait invokes probe until it returns a Success or Fatal
// result or until timeout elapses, sleeping interval
// between attempts. The first probe happens immediately.
//
// On Success, Wait returns the probed value. On Fatal, it
// returns the probe's error at once, with no further
// attempts. If only Retry results are seen before the
// deadline, it returns a *TimeoutError carrying the last
// retry reason. If ctx is canceled, it returns ctx.Err().
//
// Wait holds no state across calls; concurrent Waits are
// independent.
func Wait[T any](ctx context.Context, probe Probe[T], timeout, interval time.Duration) (T, error) {
	var zero T
	if interval <= 0 {
		return zero, fmt.Errorf("poll: interval must be positive, got %v", interval)
	}
	deadline := time.Now().Add(timeout)
	lastReason := ""
	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		r := probe(ctx)
		switch r.kind {
		case success:
			return r.value, nil
		case fatal:
			return zero, r.err
		}
		lastReason = r.reason
		if !time.Now().Before(deadline) {
			return zero, &TimeoutError{Timeout: timeout, LastReason: lastReason}
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}
