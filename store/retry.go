package store

import (
	"strings"
	"time"
)

// retryPolicy retries SQLite busy/locked failures in-process with a capped
// exponential backoff before surfacing the error to the caller (who will
// nack-requeue the inbound event).
type retryPolicy struct {
	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newRetryPolicy(attempts int) retryPolicy {
	if attempts <= 0 {
		attempts = 5
	}
	return retryPolicy{
		attempts:  attempts,
		baseDelay: 10 * time.Millisecond,
		maxDelay:  500 * time.Millisecond,
	}
}

func (p retryPolicy) run(fn func() error) error {
	delay := p.baseDelay
	var err error
	for attempt := 0; attempt < p.attempts; attempt++ {
		err = fn()
		if err == nil || !isBusyError(err) {
			return err
		}
		time.Sleep(delay)
		delay *= 2
		if delay > p.maxDelay {
			delay = p.maxDelay
		}
	}
	return err
}

// IsBusyError reports whether err is a transient SQLite contention failure.
// Callers that see one after the in-process retries are exhausted should
// nack-requeue the inbound event rather than fail the case.
func IsBusyError(err error) bool {
	return isBusyError(err)
}

// isBusyError matches the transient SQLite contention failures worth
// retrying in-process.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
