package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy. Validation errors leave the record untouched and surface to
// the caller. Concurrency errors are retryable. External tool failures are
// recorded on the relevant entry rather than raised. Corruption skips the
// record for the current tick.
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")

	// ErrLockHeld means another process holds the record lock.
	ErrLockHeld = errors.New("record lock held")
	// ErrNoCapacity means every workspace in the pool is claimed.
	ErrNoCapacity = errors.New("no workspace capacity")
	// ErrClaimLost means a stale-claim takeover lost the race to another
	// claimant.
	ErrClaimLost = errors.New("claim lost to concurrent claimant")
)

// Retryable reports whether the error is a concurrency error the caller
// should retry with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrLockHeld) || errors.Is(err, ErrClaimLost)
}

// InvalidTransitionError reports a status transition outside the adjacency
// map.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrValidation }

// CorruptRecordError reports a project record that failed to parse. The
// record is skipped for the current tick; the sweep continues for others.
type CorruptRecordError struct {
	Path string
	Err  error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt record %s: %v", e.Path, e.Err)
}

func (e *CorruptRecordError) Unwrap() error { return e.Err }

// ExternalToolError reports a failed VCS or agent invocation. Callers record
// it as a terminal suffix on the relevant entry instead of propagating it.
type ExternalToolError struct {
	Tool string
	Op   string
	Err  error
}

func (e *ExternalToolError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Tool, e.Op, e.Err)
}

func (e *ExternalToolError) Unwrap() error { return e.Err }
