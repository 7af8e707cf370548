package capture

import "errors"

var (
	// ErrPortIO marks a failed open, read or vanished port. The device is
	// moved to the Error state and the worker exits.
	ErrPortIO = errors.New("capture: port i/o error")

	// ErrStopped is returned when resuming a worker that has exited.
	ErrStopped = errors.New("capture: worker stopped")
)
