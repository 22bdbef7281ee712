package loader

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPending is returned by Thunk.Result before the thunk settles.
	ErrPending = errors.New("loader: value not yet available")
	// ErrMisaligned reports a BatchFunc whose result list does not match its keys.
	ErrMisaligned = errors.New("loader: batch function returned misaligned results")
	// ErrNoBatchFunc reports a load for a type nothing was registered for.
	ErrNoBatchFunc = errors.New("loader: no batch function registered")
)

// ResolutionError is delivered to every caller waiting on a key whose fetch
// failed.
type ResolutionError struct {
	Key Key
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Key, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Code classifies the failure for error extensions.
func (e *ResolutionError) Code() string {
	var coded interface{ Code() string }
	switch {
	case errors.As(e.Err, &coded):
		return coded.Code()
	case errors.Is(e.Err, context.Canceled):
		return "CANCELLED"
	default:
		return "RESOLUTION_FAILED"
	}
}

// TimeoutError is the cause of a ResolutionError when a batch fetch ran past
// its deadline.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("batch fetch timed out after %s", e.After)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

func (e *TimeoutError) Code() string { return "TIMEOUT" }
