package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/allbin/probemon/internal/logx"
	"pkt.systems/pslog"
)

// DefaultScanInterval is used when Options.Interval is zero.
const DefaultScanInterval = 10 * time.Second

// EventKind classifies inventory changes found by a scan.
type EventKind int

const (
	EventAttach EventKind = iota
	EventDetach
	EventRecover
)

func (k EventKind) String() string {
	switch k {
	case EventAttach:
		return "attach"
	case EventDetach:
		return "detach"
	case EventRecover:
		return "recover"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event reports one inventory change.
type Event struct {
	Kind   EventKind
	Device Snapshot
}

// Hooks receive lifecycle callbacks. They run while the registry holds its
// scan lock, so worker start/stop never races a rescan.
type Hooks interface {
	// Attach starts capture for a newly discovered device.
	Attach(ctx context.Context, d *Device) error
	// Detach stops everything running for a device that went away.
	Detach(ctx context.Context, d *Device)
	// Recover restarts capture for a device left in the Error state.
	Recover(ctx context.Context, d *Device) error
}

type noopHooks struct{}

func (noopHooks) Attach(context.Context, *Device) error  { return nil }
func (noopHooks) Detach(context.Context, *Device)        {}
func (noopHooks) Recover(context.Context, *Device) error { return nil }

// Options configures a Registry.
type Options struct {
	Interval time.Duration
	Logger   pslog.Logger
	Now      func() time.Time
}

// Registry owns the inventory of attached probes.
//
// All public methods are thread-safe.
type Registry struct {
	enum     Enumerator
	hooks    Hooks
	interval time.Duration
	log      pslog.Logger
	now      func() time.Time

	scanMu sync.Mutex

	mu      sync.RWMutex
	devices map[string]*Device
}

// NewRegistry creates a registry that discovers probes through enum.
func NewRegistry(enum Enumerator, hooks Hooks, opts Options) *Registry {
	if hooks == nil {
		hooks = noopHooks{}
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultScanInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		enum:     enum,
		hooks:    hooks,
		interval: opts.Interval,
		log:      logx.Component(opts.Logger, "registry"),
		now:      opts.Now,
		devices:  make(map[string]*Device),
	}
}

// Get returns the device with the given ID.
func (r *Registry) Get(id string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return d, nil
}

// List returns snapshots of all known devices sorted by ID.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Scan enumerates attached probes once and reconciles the inventory.
// A failed enumeration leaves the inventory untouched.
func (r *Registry) Scan(ctx context.Context) ([]Event, error) {
	r.scanMu.Lock()
	defer r.scanMu.Unlock()

	found, err := r.enum.Enumerate(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate probes: %w", err)
	}

	sort.Slice(found, func(i, j int) bool { return found[i].ID < found[j].ID })
	present := make(map[string]Info, len(found))
	for _, info := range found {
		present[info.ID] = info
	}

	r.mu.RLock()
	known := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		known = append(known, d)
	}
	r.mu.RUnlock()
	sort.Slice(known, func(i, j int) bool { return known[i].ID() < known[j].ID() })

	var events []Event
	for _, d := range known {
		info, ok := present[d.ID()]
		switch {
		case !ok:
			events = append(events, r.detach(ctx, d, "unplugged"))
		case info.Path != d.Info().Path:
			events = append(events, r.detach(ctx, d, "port changed to "+info.Path))
		case d.State() == StateError:
			r.log.Info("recovering device", "device", d.ID(), "reason", d.Snapshot().Reason)
			if err := r.hooks.Recover(ctx, d); err != nil {
				r.log.Warn("device recovery failed", "device", d.ID(), "err", err)
			}
			events = append(events, Event{Kind: EventRecover, Device: d.Snapshot()})
		}
	}

	for _, info := range found {
		r.mu.RLock()
		_, exists := r.devices[info.ID]
		r.mu.RUnlock()
		if exists {
			continue
		}
		events = append(events, r.attach(ctx, info))
	}

	return events, nil
}

func (r *Registry) attach(ctx context.Context, info Info) Event {
	d := newDevice(info, r.now)

	r.mu.Lock()
	r.devices[info.ID] = d
	r.mu.Unlock()

	r.log.Info("device attached", "device", info.ID, "path", info.Path, "vid", info.VendorID, "pid", info.ProductID)
	if err := r.hooks.Attach(ctx, d); err != nil {
		r.log.Warn("device attach failed", "device", info.ID, "err", err)
		_ = d.Transition(StateError, err.Error())
	}
	return Event{Kind: EventAttach, Device: d.Snapshot()}
}

func (r *Registry) detach(ctx context.Context, d *Device, reason string) Event {
	r.mu.Lock()
	delete(r.devices, d.ID())
	r.mu.Unlock()

	r.hooks.Detach(ctx, d)
	_ = d.Transition(StateDisconnected, reason)
	r.log.Info("device detached", "device", d.ID(), "reason", reason)
	return Event{Kind: EventDetach, Device: d.Snapshot()}
}

// DetachAll detaches every known device. Used on shutdown.
func (r *Registry) DetachAll(ctx context.Context, reason string) []Event {
	r.scanMu.Lock()
	defer r.scanMu.Unlock()

	r.mu.RLock()
	known := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		known = append(known, d)
	}
	r.mu.RUnlock()
	sort.Slice(known, func(i, j int) bool { return known[i].ID() < known[j].ID() })

	events := make([]Event, 0, len(known))
	for _, d := range known {
		events = append(events, r.detach(ctx, d, reason))
	}
	return events
}

// Run scans immediately, then on every interval tick and whenever trigger
// fires, until ctx is cancelled. Scan failures are logged and retried on
// the next tick.
func (r *Registry) Run(ctx context.Context, trigger <-chan struct{}) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.scanAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-trigger:
		}
		r.scanAndLog(ctx)
	}
}

func (r *Registry) scanAndLog(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	events, err := r.Scan(ctx)
	if err != nil {
		r.log.Warn("device scan failed", "err", err)
		return
	}
	if len(events) > 0 {
		r.log.Debug("device scan complete", "changes", len(events), "devices", r.count())
	}
}

func (r *Registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
