package flash

import "errors"

var (
	// ErrValidation marks a request rejected before any device was touched:
	// malformed image, missing pack, unknown probe UID.
	ErrValidation = errors.New("flash: validation failed")

	// ErrFlashTool marks a failure reported by the flashing tool.
	ErrFlashTool = errors.New("flash: flash tool failed")

	// ErrConcurrencyViolation is returned for a request on a device that
	// already has an active job. Such requests are never queued.
	ErrConcurrencyViolation = errors.New("flash: device already has an active job")

	// ErrJobNotFound is returned for an unknown job ID.
	ErrJobNotFound = errors.New("flash: job not found")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("flash: orchestrator closed")
)
