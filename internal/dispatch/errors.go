package dispatch

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAlreadyRunning = errors.New("dispatch: campaign is already running")
	ErrNotRunning     = errors.New("dispatch: campaign is not running")
	ErrClosed         = errors.New("dispatch: engine stopped")
)

// RejectedError is returned by Start for campaigns that cannot run. The
// campaign keeps its status.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "dispatch: rejected: " + e.Reason }

// NoRetry marks an error as non-retryable for Do.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested delay before the next attempt. Do honors
// the hint, bounded by the policy's MaxDelay.
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
