package coord

import "errors"

var (
	// ErrBusy is returned when another holder already has the device.
	// Acquisitions are never queued.
	ErrBusy = errors.New("coord: device busy")

	// ErrTimeout is returned when capture did not release the port in time.
	ErrTimeout = errors.New("coord: timed out waiting for capture to pause")

	// ErrDetached is returned once the device has been unplugged.
	ErrDetached = errors.New("coord: device detached")

	// ErrPanic wraps a panic recovered from an exclusive section.
	ErrPanic = errors.New("coord: exclusive section panicked")
)
