package flash

import (
	"errors"
	"time"

	"github.com/allbin/probemon/internal/coord"
	"github.com/allbin/probemon/internal/device"
)

// JobState is the lifecycle state of a flash job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// Terminal reports whether s is Succeeded or Failed.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// ErrorKind classifies why a job failed.
type ErrorKind string

const (
	KindNone           ErrorKind = ""
	KindValidation     ErrorKind = "validation"
	KindDeviceNotFound ErrorKind = "device_not_found"
	KindBusy           ErrorKind = "busy"
	KindTimeout        ErrorKind = "timeout"
	KindConcurrency    ErrorKind = "concurrency_violation"
	KindFlashTool      ErrorKind = "flash_tool"
	KindDetached       ErrorKind = "detached"
	KindInternal       ErrorKind = "internal"
)

// Classify maps an error to its kind.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, device.ErrDeviceNotFound):
		return KindDeviceNotFound
	case errors.Is(err, ErrConcurrencyViolation):
		return KindConcurrency
	case errors.Is(err, coord.ErrDetached):
		return KindDetached
	case errors.Is(err, coord.ErrBusy):
		return KindBusy
	case errors.Is(err, coord.ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrFlashTool):
		return KindFlashTool
	}
	return KindInternal
}

// Job is a snapshot of one flash operation against one probe.
type Job struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	Image      string    `json:"image"`
	Pack       string    `json:"pack,omitempty"`
	Target     string    `json:"target"`
	Frequency  string    `json:"frequency"`
	State      JobState  `json:"state"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	Output     []string  `json:"output,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// Duration is how long the job ran, or zero if it never started.
func (j Job) Duration() time.Duration {
	if j.StartedAt.IsZero() || j.FinishedAt.IsZero() {
		return 0
	}
	return j.FinishedAt.Sub(j.StartedAt)
}

func (j Job) clone() Job {
	j.Output = append([]string(nil), j.Output...)
	return j
}

// outputRing keeps the last n lines.
type outputRing struct {
	max   int
	lines []string
}

func (r *outputRing) add(line string) {
	if r.max <= 0 {
		return
	}
	if len(r.lines) == r.max {
		copy(r.lines, r.lines[1:])
		r.lines = r.lines[:r.max-1]
	}
	r.lines = append(r.lines, line)
}

func (r *outputRing) snapshot() []string {
	return append([]string(nil), r.lines...)
}
