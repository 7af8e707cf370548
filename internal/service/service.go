// Package service assembles probemon: device discovery, per-device capture
// and coordination, the log store, live broadcast and flash jobs. It is the
// surface consumed by the CLI, the dashboard and any external web layer.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/allbin/probemon/internal/broadcast"
	"github.com/allbin/probemon/internal/capture"
	"github.com/allbin/probemon/internal/config"
	"github.com/allbin/probemon/internal/coord"
	"github.com/allbin/probemon/internal/device"
	"github.com/allbin/probemon/internal/flash"
	"github.com/allbin/probemon/internal/logstore"
	"github.com/allbin/probemon/internal/logx"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
)

// Options supplies the configuration and any replaced collaborators.
// Unset collaborators use the real hardware implementations.
type Options struct {
	Config     config.Config
	Logger     pslog.Logger
	Fs         afero.Fs
	Enumerator device.Enumerator
	Opener     capture.Opener
	Flasher    flash.Flasher
	JobStore   flash.JobStore
	// PortExists reports whether a port node still exists.
	PortExists func(path string) bool
	Now        func() time.Time
}

// Service owns every long-lived component.
type Service struct {
	cfg  config.Config
	opts Options
	log  pslog.Logger

	registry *device.Registry
	store    *logstore.Store
	bus      *broadcast.Broadcaster
	orch     *flash.Orchestrator

	mu      sync.Mutex
	entries map[string]*entry
}

// New builds a service. Nothing runs until Run is called.
func New(ctx context.Context, opts Options) (*Service, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Enumerator == nil {
		opts.Enumerator = device.NewSysfsEnumerator(device.Signature{
			VendorIDs: cfg.Probe.VendorIDs,
			Match:     cfg.Probe.Match,
		})
	}
	if opts.Opener == nil {
		opts.Opener = capture.SerialOpener(cfg.Serial.BaudRate, cfg.Serial.ReadTimeout)
	}
	if opts.Flasher == nil {
		opts.Flasher = &flash.PyOCD{Tool: cfg.Flash.Tool, Logger: opts.Logger}
	}
	if opts.JobStore == nil {
		if cfg.Flash.JobsDB != "" {
			js, err := flash.OpenSQLiteStore(ctx, cfg.Flash.JobsDB)
			if err != nil {
				return nil, err
			}
			opts.JobStore = js
		} else {
			opts.JobStore = flash.NewMemoryStore()
		}
	}

	s := &Service{
		cfg:     cfg,
		opts:    opts,
		log:     logx.Component(opts.Logger, "service"),
		entries: make(map[string]*entry),
	}
	s.store = logstore.New(logstore.Options{
		Fs:       opts.Fs,
		Root:     cfg.Log.Root,
		Location: cfg.Log.Location(),
		Fsync:    cfg.Log.Fsync,
		Logger:   opts.Logger,
	})
	s.bus = broadcast.New(cfg.Broadcast.QueueDepth, opts.Logger)
	s.orch = flash.NewOrchestrator(flash.Options{
		Devices:     s,
		Flasher:     opts.Flasher,
		Packs:       &flash.Packs{Fs: opts.Fs, Root: cfg.Packs.Root},
		Fs:          opts.Fs,
		Publisher:   s.bus,
		Log:         s.store,
		Store:       opts.JobStore,
		Logger:      opts.Logger,
		Target:      cfg.Flash.Target,
		Frequency:   cfg.Flash.Frequency,
		Timeout:     cfg.Flash.Timeout,
		OutputLines: cfg.Flash.OutputLines,
		Now:         opts.Now,
	})
	s.registry = device.NewRegistry(opts.Enumerator, hooks{s}, device.Options{
		Interval: cfg.Registry.ScanInterval,
		Logger:   opts.Logger,
		Now:      opts.Now,
	})
	return s, nil
}

// Config returns the configuration the service was built with.
func (s *Service) Config() config.Config { return s.cfg }

// Store exposes the log store for maintenance commands.
func (s *Service) Store() *logstore.Store { return s.store }

// Run discovers devices and keeps capturing until ctx is cancelled, then
// stops every worker, waits for flash jobs and closes all log files.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("service starting",
		"log_root", s.cfg.Log.Root,
		"packs", s.cfg.Packs.Root,
		"baud", s.cfg.Serial.BaudRate,
		"scan_interval", s.cfg.Registry.ScanInterval,
	)
	trigger := make(chan struct{}, 1)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.registry.Run(gctx, trigger)
	})
	if s.cfg.Registry.Hotplug {
		g.Go(func() error {
			w := device.NewWatcher(s.opts.Logger)
			if err := w.Run(gctx, trigger); err != nil {
				// Polling still finds devices.
				s.log.Warn("hotplug watcher unavailable", "err", err)
			}
			return nil
		})
	}
	if s.cfg.Log.RetentionDays > 0 {
		g.Go(func() error {
			s.prune(gctx)
			return nil
		})
	}

	err := g.Wait()
	s.shutdown(ctx)
	return err
}

func (s *Service) prune(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		if _, err := s.store.Prune(s.opts.Now(), s.cfg.Log.RetentionDays); err != nil {
			s.log.Warn("log pruning failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) shutdown(ctx context.Context) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := s.orch.Close(sctx); err != nil {
		s.log.Warn("closing job store failed", "err", err)
	}
	s.registry.DetachAll(sctx, "service stopped")
	if err := s.store.CloseAll(); err != nil {
		s.log.Warn("closing log files failed", "err", err)
	}
	s.bus.Close()
	s.log.Info("service stopped")
}

// Scan runs one discovery pass outside the periodic loop.
func (s *Service) Scan(ctx context.Context) ([]device.Event, error) {
	return s.registry.Scan(ctx)
}

// Devices lists attached probes.
func (s *Service) Devices() []device.Snapshot {
	return s.registry.List()
}

// Device returns one attached probe.
func (s *Service) Device(id string) (device.Snapshot, error) {
	d, err := s.registry.Get(id)
	if err != nil {
		return device.Snapshot{}, err
	}
	return d.Snapshot(), nil
}

// CaptureStats returns the counters of a device's capture worker.
func (s *Service) CaptureStats(id string) (capture.Stats, error) {
	e, err := s.entry(id)
	if err != nil {
		return capture.Stats{}, err
	}
	return e.current().Stats(), nil
}

// Subscribe attaches a live viewer. A device-scoped subscription requires
// the device to be attached; it ends when the device detaches.
func (s *Service) Subscribe(f broadcast.Filter) (*broadcast.Subscription, error) {
	if f.DeviceID != "" {
		if _, err := s.registry.Get(f.DeviceID); err != nil {
			return nil, err
		}
	}
	return s.bus.Subscribe(f), nil
}

// History returns stored lines. Detached devices keep their history.
func (s *Service) History(ctx context.Context, q logstore.Query) ([]logstore.Line, error) {
	return s.store.Query(ctx, q)
}

// ScanHistory streams stored lines to fn in order.
func (s *Service) ScanHistory(ctx context.Context, q logstore.Query, fn func(logstore.Line) error) error {
	return s.store.Scan(ctx, q, fn)
}

// Days lists the stored days of a device stream.
func (s *Service) Days(id string, stream logstore.Stream) ([]logstore.Day, error) {
	return s.store.Days(id, stream)
}

// Tail returns the last n stored lines of a device stream.
func (s *Service) Tail(ctx context.Context, id string, stream logstore.Stream, n int) ([]logstore.Line, error) {
	return s.store.Tail(ctx, id, stream, n)
}

// Flash submits flash requests. See flash.Orchestrator.Submit.
func (s *Service) Flash(ctx context.Context, reqs []flash.Request) []flash.Submission {
	return s.orch.Submit(ctx, reqs)
}

// Job returns a flash job by ID.
func (s *Service) Job(ctx context.Context, id string) (flash.Job, error) {
	return s.orch.Job(ctx, id)
}

// Jobs lists flash jobs of a device, or all jobs for an empty ID.
func (s *Service) Jobs(ctx context.Context, deviceID string) ([]flash.Job, error) {
	return s.orch.Jobs(ctx, deviceID)
}

// WaitJob blocks until a flash job finishes or ctx ends.
func (s *Service) WaitJob(ctx context.Context, id string) (flash.Job, error) {
	return s.orch.Wait(ctx, id)
}

// Packs lists the pack files available for flashing.
func (s *Service) Packs() ([]string, error) {
	return s.orch.Packs()
}

// Coordinator implements flash.Devices.
func (s *Service) Coordinator(id string) (*coord.Coordinator, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	return e.coord, nil
}

func (s *Service) entry(id string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", device.ErrDeviceNotFound, id)
	}
	return e, nil
}

func (s *Service) status(id, text string) {
	s.bus.Publish(broadcast.Event{
		DeviceID: id,
		Kind:     broadcast.KindStatus,
		Time:     s.opts.Now(),
		Text:     text,
	})
}

// entry is everything running for one attached device. It is the capture
// role seen by the coordinator and restarts a worker that exited.
type entry struct {
	s     *Service
	dev   *device.Device
	coord *coord.Coordinator
	log   pslog.Logger
	ctx   context.Context

	mu      sync.Mutex
	worker  *capture.Worker
	stopped bool
}

func (e *entry) current() *capture.Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.worker
}

func (e *entry) newWorker(seq uint64) *capture.Worker {
	cfg := e.s.cfg
	return capture.New(e.dev, capture.Options{
		Open:       e.s.opts.Opener,
		Store:      e.s.store,
		Publisher:  e.s.bus,
		Logger:     e.s.opts.Logger,
		ReadBuffer: cfg.Serial.ReadBuffer,
		QueueDepth: cfg.Capture.QueueDepth,
		MaxLine:    cfg.Capture.MaxLine,
		FlushAfter: cfg.Capture.FlushAfter,
		InitialSeq: seq,
		Now:        e.s.opts.Now,
		Exists:     e.s.opts.PortExists,
	})
}

// restart replaces an exited worker, continuing its sequence numbers. It
// does nothing once the entry has been stopped by a detach.
func (e *entry) restart() bool {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return false
	}
	old := e.worker
	w := e.newWorker(old.Seq())
	e.worker = w
	// Started under e.mu so stop always sees the worker it has to stop.
	w.Start(e.ctx)
	e.mu.Unlock()
	e.log.Info("capture worker restarted", "seq", old.Seq())
	return true
}

// stop marks the entry as detached and returns the worker to shut down.
func (e *entry) stop() *capture.Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	return e.worker
}

func (e *entry) Pause(ctx context.Context) error {
	return e.current().Pause(ctx)
}

func (e *entry) Resume(ctx context.Context) error {
	err := e.current().Resume(ctx)
	if errors.Is(err, capture.ErrStopped) {
		// Only the coordinator calls Resume, with the device still held,
		// so no acquisition can slip in before the new worker starts.
		if !e.restart() {
			return err
		}
		return nil
	}
	return err
}

func (e *entry) exited() bool {
	select {
	case <-e.current().Done():
		return true
	default:
		return false
	}
}

// hooks connects registry lifecycle events to the service.
type hooks struct{ s *Service }

func (h hooks) Attach(ctx context.Context, d *device.Device) error {
	s := h.s
	seq, err := s.store.LastSeq(ctx, d.ID())
	if err != nil {
		// Sequence numbers restart; stored lines stay readable.
		s.log.Warn("reading last sequence number failed", "device", d.ID(), "err", err)
	}
	e := &entry{
		s:   s,
		dev: d,
		log: logx.WithDevice(s.log, d.ID()),
		ctx: context.WithoutCancel(ctx),
	}
	e.coord = coord.New(d, e, coord.Options{
		PauseTimeout: s.cfg.Capture.PauseTimeout,
		Logger:       s.opts.Logger,
	})
	e.worker = e.newWorker(seq)

	s.mu.Lock()
	s.entries[d.ID()] = e
	s.mu.Unlock()

	s.status(d.ID(), "attached "+d.Info().Path)
	e.worker.Start(e.ctx)
	return nil
}

func (h hooks) Detach(ctx context.Context, d *device.Device) {
	s := h.s
	s.mu.Lock()
	e, ok := s.entries[d.ID()]
	delete(s.entries, d.ID())
	s.mu.Unlock()
	if !ok {
		return
	}

	e.coord.Detach()
	w := e.stop()
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := w.Stop(sctx); err != nil {
		e.log.Warn("capture worker did not stop", "err", err)
	}
	s.status(d.ID(), "detached")
	s.bus.DropDevice(d.ID())
	if err := s.store.Close(d.ID()); err != nil {
		e.log.Warn("closing device logs failed", "err", err)
	}
}

func (h hooks) Recover(ctx context.Context, d *device.Device) error {
	e, err := h.s.entry(d.ID())
	if err != nil {
		return err
	}
	err = e.coord.RestartCapture(func() {
		if e.exited() {
			e.restart()
		}
	})
	if errors.Is(err, coord.ErrBusy) || errors.Is(err, coord.ErrDetached) {
		// The flash holding the device resumes capture on release.
		return nil
	}
	return err
}
