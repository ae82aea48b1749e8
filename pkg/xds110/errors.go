package xds110

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no attached device matches the table, or
	// when the matching device lacks the declared interface or endpoints.
	ErrNotFound = errors.New("xds110: no matching device found")

	// ErrAmbiguousMatch is returned when more than one attached device matches.
	// The matcher never picks one of several candidates.
	ErrAmbiguousMatch = errors.New("xds110: more than one matching device attached")

	// ErrTimedOut reports that a bulk transfer lost the race against its timer.
	ErrTimedOut = errors.New("xds110: transfer timed out")

	// ErrInvalidData reports a response shorter than the command requires.
	ErrInvalidData = errors.New("xds110: invalid response data")
)

// TransferError wraps a non-timeout failure reported by the USB stack.
type TransferError struct {
	Op       string
	Endpoint uint8
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("xds110: %s on endpoint 0x%02x: %v", e.Op, e.Endpoint, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}
