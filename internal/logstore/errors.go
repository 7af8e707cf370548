package logstore

import "errors"

var (
	// ErrStorage wraps every persistence failure.
	ErrStorage = errors.New("logstore: storage failure")

	// ErrInvalidDeviceID is returned for IDs that cannot name a log directory.
	ErrInvalidDeviceID = errors.New("logstore: invalid device id")

	// ErrClosed is returned by Append after the store was closed.
	ErrClosed = errors.New("logstore: closed")
)
