package archive

import (
	"context"
	"errors"
	"fmt"
)

// TransientError marks a stage failure worth retrying: network hiccups,
// rate limiting, upstream unavailability.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a stage failure that retrying cannot fix: the remote
// confirms non-existence or the input is structurally unusable.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as terminal.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a permanent classification.
func IsPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}

// Retryable reports whether the runner may retry err within a pass.
// Unclassified errors are treated as transient: stage functions are required
// to be idempotent, so re-invocation is always safe. Context cancellation is
// never retried.
func Retryable(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
