package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device ID is not in the inventory.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidTransition is returned when a state change is not allowed
	// from the device's current state.
	ErrInvalidTransition = errors.New("device: invalid state transition")
)
