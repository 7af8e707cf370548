// Package device tracks attached debug probes and their lifecycle state.
package device

import (
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle state of a probe.
type State int

const (
	StateDiscovered State = iota
	StateCapturing
	StatePaused
	StateFlashing
	StateDisconnected
	StateError
)

var stateNames = map[State]string{
	StateDiscovered:   "discovered",
	StateCapturing:    "capturing",
	StatePaused:       "paused",
	StateFlashing:     "flashing",
	StateDisconnected: "disconnected",
	StateError:        "error",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state by name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// transitions lists the states reachable from each state.
// Disconnected is terminal: a replugged probe gets a new record.
var transitions = map[State][]State{
	StateDiscovered: {StateCapturing, StatePaused, StateError, StateDisconnected},
	StateCapturing:  {StatePaused, StateError, StateDisconnected},
	StatePaused:     {StateCapturing, StateFlashing, StateError, StateDisconnected},
	StateFlashing:   {StatePaused, StateError, StateDisconnected},
	StateError:      {StateCapturing, StatePaused, StateDisconnected},
}

// CanTransition reports whether from -> to is a valid state change.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Info identifies a probe as found on the USB bus.
type Info struct {
	ID           string `json:"id"`
	Path         string `json:"path"`
	VendorID     string `json:"vendor_id"`
	ProductID    string `json:"product_id"`
	SerialNumber string `json:"serial_number,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Product      string `json:"product,omitempty"`
	Description  string `json:"description,omitempty"`
}

// Snapshot is an immutable copy of a device's state.
type Snapshot struct {
	Info
	State      State     `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	Diagnostic string    `json:"diagnostic,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Device is a probe record owned by the Registry.
// State changes are serialized per device.
type Device struct {
	info Info
	now  func() time.Time

	mu         sync.Mutex
	state      State
	reason     string
	diagnostic string
	updatedAt  time.Time
}

// New creates a device record in the Discovered state.
func New(info Info) *Device {
	return newDevice(info, time.Now)
}

func newDevice(info Info, now func() time.Time) *Device {
	return &Device{
		info:      info,
		now:       now,
		state:     StateDiscovered,
		updatedAt: now(),
	}
}

// ID returns the stable device identifier.
func (d *Device) ID() string { return d.info.ID }

// Info returns the identifying USB information.
func (d *Device) Info() Info { return d.info }

// State returns the current state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Transition moves the device to state to. Moving to the current state only
// refreshes the reason. Invalid moves return ErrInvalidTransition and leave
// the device unchanged.
func (d *Device) Transition(to State, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != to && !CanTransition(d.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.state, to)
	}
	d.state = to
	d.reason = reason
	d.updatedAt = d.now()
	return nil
}

// SetDiagnostic records the last diagnostic output, e.g. a flash tool's final lines.
func (d *Device) SetDiagnostic(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.diagnostic = text
	d.updatedAt = d.now()
}

// Snapshot returns a copy of the device's current state.
func (d *Device) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{
		Info:       d.info,
		State:      d.state,
		Reason:     d.reason,
		Diagnostic: d.diagnostic,
		UpdatedAt:  d.updatedAt,
	}
}
