package matcher

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrRideNotFound       = errors.New("ride not found")
	ErrRideTerminal       = errors.New("ride already reached a terminal state")
	ErrDispatchInProgress = errors.New("dispatch already running for ride")
	ErrSubscriptionClosed = errors.New("ride subscription closed")
	ErrStoreFailure       = errors.New("store failure")
)

// StoreError reports which step of a run failed to read or write state.
// It matches ErrStoreFailure and unwraps to the underlying error.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store failure: %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreFailure }

func storeFailure(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}
