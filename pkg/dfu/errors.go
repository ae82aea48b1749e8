package dfu

import "errors"

var (
	// ErrInvalidConfigurationLength is returned by WriteConfiguration when
	// the image is not exactly ConfigurationSize bytes. It signals a caller
	// bug; no transfer is issued.
	ErrInvalidConfigurationLength = errors.New("dfu: configuration image must be 16384 bytes")

	// ErrSessionClosed is returned by every operation after Reset or Close.
	ErrSessionClosed = errors.New("dfu: session closed")

	// ErrDeviceUnresponsive is returned when a bounded status poll gives up.
	ErrDeviceUnresponsive = errors.New("dfu: device did not reach the expected state")

	// ErrShortBlock is returned when an UPLOAD returns less than TransferSize.
	ErrShortBlock = errors.New("dfu: short configuration block")
)

// Error records the operation during which a control transfer failed.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Error() string {
	return "dfu: " + e.Op + ": " + e.Err.Error()
}

func wrapErr(op string, err *error) {
	if *err != nil {
		*err = &Error{op, *err}
	}
}
