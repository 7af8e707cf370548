// Package logx holds the logger annotations shared by probemon components.
package logx

import (
	"context"
	"io"

	"pkt.systems/pslog"
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// Nop returns a logger that discards everything.
func Nop() pslog.Logger {
	return pslog.NewWithOptions(io.Discard, pslog.Options{
		Mode:     pslog.ModeStructured,
		NoColor:  true,
		MinLevel: pslog.ErrorLevel,
	})
}

// OrNop returns log, or a discarding logger when log is nil.
func OrNop(log pslog.Logger) pslog.Logger {
	if log == nil {
		return Nop()
	}
	return log
}

// Component annotates the logger with the component name.
func Component(log pslog.Logger, name string) pslog.Logger {
	return OrNop(log).With("component", name)
}

// WithDevice annotates the logger with the device id if present.
func WithDevice(log pslog.Logger, deviceID string) pslog.Logger {
	log = OrNop(log)
	if deviceID != "" {
		log = log.With("device", deviceID)
	}
	return log
}

// WithJob annotates the logger with flash job and device identifiers.
func WithJob(log pslog.Logger, jobID, deviceID string) pslog.Logger {
	log = WithDevice(log, deviceID)
	if jobID != "" {
		log = log.With("job", jobID)
	}
	return log
}
