package dynamixel

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout        = errors.New("communication timeout")
	ErrBusClosed      = errors.New("channel is closed")
	ErrInvalidID      = errors.New("invalid motor ID")
	ErrIDInUse        = errors.New("motor ID already in use")
	ErrUnknownControl = errors.New("unknown control")
	ErrUnknownMotor   = errors.New("motor is not tracked by this channel")
	ErrValueRange     = errors.New("value out of range")
)

// CommError represents a communication-level error.
type CommError struct {
	Op  string // Operation that failed (e.g., "read", "write", "ping")
	Err error  // Underlying error
}

func (e *CommError) Error() string {
	return fmt.Sprintf("communication error during %s: %v", e.Op, e.Err)
}

func (e *CommError) Unwrap() error {
	return e.Err
}

// MotorError represents an alarm reported by a specific motor in the error
// byte of a status packet, after blacklist filtering.
type MotorError struct {
	ID     int
	Alarms StatusError
}

func (e *MotorError) Error() string {
	return fmt.Sprintf("motor %d triggered alarms: %v", e.ID, e.Alarms.Names())
}

// UnsupportedModelError is returned when a motor reports a model number
// absent from the model table.
type UnsupportedModelError struct {
	ID     int
	Number int
}

func (e *UnsupportedModelError) Error() string {
	return fmt.Sprintf("motor %d reports unsupported model number %d", e.ID, e.Number)
}

// IsTimeout returns true if the error is a timeout error.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// GetMotorError extracts a MotorError from an error chain, if present.
func GetMotorError(err error) (*MotorError, bool) {
	var motorErr *MotorError
	if errors.As(err, &motorErr) {
		return motorErr, true
	}
	return nil, false
}
