package flash

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/allbin/probemon/internal/broadcast"
	"github.com/allbin/probemon/internal/coord"
	"github.com/allbin/probemon/internal/device"
	"github.com/allbin/probemon/internal/logstore"
	"github.com/spf13/afero"
)

type fakeCapture struct {
	dev     *device.Device
	open    atomic.Bool
	resumes atomic.Int32
}

func (f *fakeCapture) Pause(ctx context.Context) error {
	f.open.Store(false)
	return f.dev.Transition(device.StatePaused, "")
}

func (f *fakeCapture) Resume(ctx context.Context) error {
	f.resumes.Add(1)
	f.open.Store(true)
	return f.dev.Transition(device.StateCapturing, "")
}

type fakeDevices struct {
	coords   map[string]*coord.Coordinator
	captures map[string]*fakeCapture
}

func newFakeDevices(t *testing.T, ids ...string) *fakeDevices {
	t.Helper()
	d := &fakeDevices{coords: map[string]*coord.Coordinator{}, captures: map[string]*fakeCapture{}}
	for _, id := range ids {
		dev := device.New(device.Info{ID: id, Path: "/dev/" + id, SerialNumber: "uid-" + id})
		if err := dev.Transition(device.StateCapturing, ""); err != nil {
			t.Fatal(err)
		}
		capture := &fakeCapture{dev: dev}
		capture.open.Store(true)
		d.captures[id] = capture
		d.coords[id] = coord.New(dev, capture, coord.Options{PauseTimeout: time.Second})
	}
	return d
}

func (d *fakeDevices) Coordinator(id string) (*coord.Coordinator, error) {
	c, ok := d.coords[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", device.ErrDeviceNotFound, id)
	}
	return c, nil
}

type recPublisher struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (p *recPublisher) Publish(ev broadcast.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recPublisher) flashLines(jobID string) []broadcast.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []broadcast.Event
	for _, ev := range p.events {
		if ev.Kind == broadcast.KindFlash && ev.JobID == jobID {
			out = append(out, ev)
		}
	}
	return out
}

type recLog struct {
	mu    sync.Mutex
	lines []logstore.Line
}

func (l *recLog) Append(stream logstore.Stream, deviceID string, lines ...logstore.Line) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range lines {
		if stream != logstore.StreamFlash || line.DeviceID != deviceID {
			return fmt.Errorf("unexpected append %s/%s", stream, deviceID)
		}
	}
	l.lines = append(l.lines, lines...)
	return nil
}

type harness struct {
	devices *fakeDevices
	pub     *recPublisher
	log     *recLog
	o       *Orchestrator
}

func newHarness(t *testing.T, flasher Flasher, ids ...string) *harness {
	t.Helper()
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/fw/good.hex", []byte(validHex), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fs, "/fw/bad.hex", []byte(":04001000DEADBEEF00\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fs, "/packs/SiliconLabs_EFR32FG28_DFP.pack", []byte("pack"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := &harness{devices: newFakeDevices(t, ids...), pub: &recPublisher{}, log: &recLog{}}
	h.o = NewOrchestrator(Options{
		Devices:   h.devices,
		Flasher:   flasher,
		Fs:        fs,
		Packs:     &Packs{Fs: fs, Root: "/packs"},
		Publisher: h.pub,
		Log:       h.log,
		Timeout:   2 * time.Second,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.o.Close(ctx)
	})
	return h
}

func (h *harness) wait(t *testing.T, id string) Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := h.o.Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait %s: %v", id, err)
	}
	if !job.State.Terminal() {
		t.Fatalf("job %s not terminal: %s", id, job.State)
	}
	return job
}

func TestFlashSucceedsAndStreamsOutput(t *testing.T) {
	var got Params
	flasher := FlasherFunc(func(ctx context.Context, p Params, emit func(string)) error {
		got = p
		emit("Erasing...")
		emit("Programming...")
		emit("Done")
		return nil
	})
	h := newHarness(t, flasher, "probe-A")

	subs := h.o.Submit(context.Background(), []Request{{DeviceID: "probe-A", Image: "/fw/good.hex"}})
	if len(subs) != 1 || subs[0].Err != nil {
		t.Fatalf("submit: %+v", subs)
	}
	if subs[0].Job.State != JobQueued {
		t.Fatalf("submitted state = %s", subs[0].Job.State)
	}
	job := h.wait(t, subs[0].Job.ID)

	if job.State != JobSucceeded || job.Error != "" {
		t.Fatalf("job = %+v", job)
	}
	if job.StartedAt.IsZero() || job.FinishedAt.Before(job.StartedAt) {
		t.Fatalf("timestamps: %+v", job)
	}
	want := Params{ProbeUID: "uid-probe-A", Target: DefaultTarget, Frequency: DefaultFrequency, Image: "/fw/good.hex", Pack: "/packs/SiliconLabs_EFR32FG28_DFP.pack"}
	if got != want {
		t.Fatalf("params = %+v\nwant     %+v", got, want)
	}
	if len(job.Output) != 3 || job.Output[2] != "Done" {
		t.Fatalf("output = %q", job.Output)
	}
	events := h.pub.flashLines(job.ID)
	if len(events) != 3 {
		t.Fatalf("published %d flash lines", len(events))
	}
	for i, ev := range events {
		if ev.Seq != uint64(i+1) || ev.DeviceID != "probe-A" {
			t.Fatalf("event %d = %+v", i, ev)
		}
	}
	h.log.mu.Lock()
	stored := len(h.log.lines)
	h.log.mu.Unlock()
	if stored != 3 {
		t.Fatalf("persisted %d flash lines", stored)
	}

	capture := h.devices.captures["probe-A"]
	if !capture.open.Load() || capture.resumes.Load() != 1 {
		t.Fatal("capture not resumed after flash")
	}
	if _, busy := h.o.Active("probe-A"); busy {
		t.Fatal("device still marked active")
	}
}

func TestSameDeviceIsRejectedWhileActive(t *testing.T) {
	release := make(chan struct{})
	var running atomic.Int32
	flasher := FlasherFunc(func(ctx context.Context, p Params, emit func(string)) error {
		if running.Add(1) > 1 {
			return errors.New("two flashes on one probe")
		}
		defer running.Add(-1)
		<-release
		return nil
	})
	h := newHarness(t, flasher, "probe-A")
	ctx := context.Background()

	first := h.o.Submit(ctx, []Request{{DeviceID: "probe-A", Image: "/fw/good.hex"}})[0]
	if first.Err != nil {
		t.Fatal(first.Err)
	}
	second := h.o.Submit(ctx, []Request{{DeviceID: "probe-A", Image: "/fw/good.hex"}})[0]
	if !errors.Is(second.Err, ErrConcurrencyViolation) {
		t.Fatalf("second submit = %v, want ErrConcurrencyViolation", second.Err)
	}
	if second.Job.State != JobFailed || second.Job.ErrorKind != KindConcurrency {
		t.Fatalf("second job = %+v", second.Job)
	}
	close(release)
	if job := h.wait(t, first.Job.ID); job.State != JobSucceeded {
		t.Fatalf("first job = %+v", job)
	}
}

func TestDuplicateDeviceInBatch(t *testing.T) {
	h := newHarness(t, FlasherFunc(func(context.Context, Params, func(string)) error { return nil }), "probe-A")
	subs := h.o.Submit(context.Background(), []Request{
		{DeviceID: "probe-A", Image: "/fw/good.hex"},
		{DeviceID: "probe-A", Image: "/fw/good.hex"},
	})
	if subs[0].Err != nil || !errors.Is(subs[1].Err, ErrConcurrencyViolation) {
		t.Fatalf("submissions: %v, %v", subs[0].Err, subs[1].Err)
	}
	h.wait(t, subs[0].Job.ID)
}

func TestDistinctDevicesRunConcurrently(t *testing.T) {
	var inside sync.WaitGroup
	inside.Add(2)
	both := make(chan struct{})
	go func() {
		inside.Wait()
		close(both)
	}()
	flasher := FlasherFunc(func(ctx context.Context, p Params, emit func(string)) error {
		inside.Done()
		select {
		case <-both:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("%w: %s never saw its sibling", ErrFlashTool, p.ProbeUID)
		}
	})
	h := newHarness(t, flasher, "probe-A", "probe-B")

	subs := h.o.Submit(context.Background(), []Request{
		{DeviceID: "probe-A", Image: "/fw/good.hex"},
		{DeviceID: "probe-B", Image: "/fw/good.hex"},
	})
	for _, s := range subs {
		if s.Err != nil {
			t.Fatal(s.Err)
		}
	}
	for _, s := range subs {
		if job := h.wait(t, s.Job.ID); job.State != JobSucceeded {
			t.Fatalf("job %s = %s (%s)", job.DeviceID, job.State, job.Error)
		}
	}
}

func TestBatchWithMalformedImage(t *testing.T) {
	flasher := FlasherFunc(func(ctx context.Context, p Params, emit func(string)) error {
		if p.ProbeUID != "uid-probe-B" {
			return errors.New("flashed the wrong probe")
		}
		return nil
	})
	h := newHarness(t, flasher, "probe-A", "probe-B")

	subs := h.o.Submit(context.Background(), []Request{
		{DeviceID: "probe-A", Image: "/fw/bad.hex"},
		{DeviceID: "probe-B", Image: "/fw/good.hex"},
	})
	a, b := subs[0], subs[1]
	if !errors.Is(a.Err, ErrValidation) {
		t.Fatalf("A err = %v, want ErrValidation", a.Err)
	}
	if a.Job.State != JobFailed || a.Job.ErrorKind != KindValidation || !a.Job.StartedAt.IsZero() {
		t.Fatalf("A job = %+v", a.Job)
	}
	if h.devices.captures["probe-A"].dev.State() != device.StateCapturing {
		t.Fatal("validation failure touched probe-A")
	}
	if b.Err != nil {
		t.Fatalf("B rejected: %v", b.Err)
	}
	if job := h.wait(t, b.Job.ID); job.State != JobSucceeded {
		t.Fatalf("B job = %+v", job)
	}
	stored, err := h.o.Job(context.Background(), a.Job.ID)
	if err != nil || stored.ErrorKind != KindValidation {
		t.Fatalf("stored A = %+v, %v", stored, err)
	}
}

func TestRejections(t *testing.T) {
	h := newHarness(t, FlasherFunc(func(context.Context, Params, func(string)) error { return nil }), "probe-A")
	dev := device.New(device.Info{ID: "no-serial"})
	h.devices.coords["no-serial"] = coord.New(dev, nil, coord.Options{})

	tests := []struct {
		name string
		req  Request
		kind ErrorKind
	}{
		{"unknown device", Request{DeviceID: "probe-Z", Image: "/fw/good.hex"}, KindDeviceNotFound},
		{"missing device id", Request{Image: "/fw/good.hex"}, KindValidation},
		{"no probe uid", Request{DeviceID: "no-serial", Image: "/fw/good.hex"}, KindValidation},
		{"missing image", Request{DeviceID: "probe-A", Image: "/fw/none.hex"}, KindValidation},
		{"missing pack", Request{DeviceID: "probe-A", Image: "/fw/good.hex", Pack: "other.pack"}, KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := h.o.Submit(context.Background(), []Request{tt.req})[0]
			if s.Err == nil || s.Job.ErrorKind != tt.kind || s.Job.State != JobFailed {
				t.Fatalf("submission = %+v, err %v", s.Job, s.Err)
			}
		})
	}
}

func TestPanickingFlasherResumesCapture(t *testing.T) {
	h := newHarness(t, FlasherFunc(func(ctx context.Context, p Params, emit func(string)) error {
		emit("about to crash")
		panic("segfault in flash library")
	}), "probe-A")

	s := h.o.Submit(context.Background(), []Request{{DeviceID: "probe-A", Image: "/fw/good.hex"}})[0]
	job := h.wait(t, s.Job.ID)
	if job.State != JobFailed || job.ErrorKind != KindInternal {
		t.Fatalf("job = %+v", job)
	}
	capture := h.devices.captures["probe-A"]
	if !capture.open.Load() || capture.dev.State() != device.StateCapturing {
		t.Fatal("capture not resumed after crash")
	}
	if holder := h.devices.coords["probe-A"].Holder(); holder != "" {
		t.Fatalf("device still held by %q", holder)
	}
	again := h.o.Submit(context.Background(), []Request{{DeviceID: "probe-A", Image: "/fw/good.hex"}})[0]
	if again.Err != nil {
		t.Fatalf("device unusable after crash: %v", again.Err)
	}
	h.wait(t, again.Job.ID)
}

func TestDetachMidFlash(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, FlasherFunc(func(ctx context.Context, p Params, emit func(string)) error {
		close(started)
		<-ctx.Done()
		return fmt.Errorf("%w: cancelled: %w", ErrFlashTool, ctx.Err())
	}), "probe-A")

	s := h.o.Submit(context.Background(), []Request{{DeviceID: "probe-A", Image: "/fw/good.hex"}})[0]
	<-started
	h.devices.coords["probe-A"].Detach()

	job := h.wait(t, s.Job.ID)
	if job.State != JobFailed || job.ErrorKind != KindDetached {
		t.Fatalf("job = %+v", job)
	}
	if h.devices.captures["probe-A"].resumes.Load() != 0 {
		t.Fatal("capture resumed on an unplugged probe")
	}
	if _, busy := h.o.Active("probe-A"); busy {
		t.Fatal("detached device still active")
	}
}

func TestFlashDeadline(t *testing.T) {
	h := newHarness(t, FlasherFunc(func(ctx context.Context, p Params, emit func(string)) error {
		<-ctx.Done()
		return ctx.Err()
	}), "probe-A")
	h.o.opts.Timeout = 50 * time.Millisecond

	s := h.o.Submit(context.Background(), []Request{{DeviceID: "probe-A", Image: "/fw/good.hex"}})[0]
	job := h.wait(t, s.Job.ID)
	if job.State != JobFailed || job.ErrorKind != KindFlashTool {
		t.Fatalf("job = %+v", job)
	}
	if !h.devices.captures["probe-A"].open.Load() {
		t.Fatal("capture not resumed after deadline")
	}
}

func TestJobsAndOutputLimit(t *testing.T) {
	h := newHarness(t, FlasherFunc(func(ctx context.Context, p Params, emit func(string)) error {
		for i := 0; i < 10; i++ {
			emit(fmt.Sprintf("line %d", i))
		}
		return nil
	}), "probe-A", "probe-B")
	h.o.opts.OutputLines = 4

	subs := h.o.Submit(context.Background(), []Request{
		{DeviceID: "probe-A", Image: "/fw/good.hex"},
		{DeviceID: "probe-B", Image: "/fw/good.hex"},
	})
	for _, s := range subs {
		h.wait(t, s.Job.ID)
	}
	jobA, err := h.o.Job(context.Background(), subs[0].Job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobA.Output) != 4 || jobA.Output[0] != "line 6" || jobA.Output[3] != "line 9" {
		t.Fatalf("output = %q", jobA.Output)
	}
	jobs, err := h.o.Jobs(context.Background(), "probe-B")
	if err != nil || len(jobs) != 1 || jobs[0].DeviceID != "probe-B" {
		t.Fatalf("Jobs(probe-B) = %+v, %v", jobs, err)
	}
	all, _ := h.o.Jobs(context.Background(), "")
	if len(all) != 2 {
		t.Fatalf("Jobs() = %d", len(all))
	}
	if _, err := h.o.Job(context.Background(), "nope"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("unknown job err = %v", err)
	}
}

func TestSubmitAfterClose(t *testing.T) {
	h := newHarness(t, FlasherFunc(func(context.Context, Params, func(string)) error { return nil }), "probe-A")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.o.Close(ctx); err != nil {
		t.Fatal(err)
	}
	s := h.o.Submit(context.Background(), []Request{{DeviceID: "probe-A", Image: "/fw/good.hex"}})[0]
	if !errors.Is(s.Err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", s.Err)
	}
}
