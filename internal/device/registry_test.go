package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeEnumerator struct {
	mu    sync.Mutex
	infos []Info
	err   error
	calls int
}

func (f *fakeEnumerator) set(infos ...Info) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infos = infos
}

func (f *fakeEnumerator) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeEnumerator) Enumerate(context.Context) ([]Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]Info, len(f.infos))
	copy(out, f.infos)
	return out, nil
}

func (f *fakeEnumerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingHooks struct {
	mu        sync.Mutex
	calls     []string
	attachErr error
}

func (h *recordingHooks) record(s string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, s)
}

func (h *recordingHooks) Attach(_ context.Context, d *Device) error {
	h.record("attach:" + d.ID())
	if h.attachErr != nil {
		return h.attachErr
	}
	return d.Transition(StateCapturing, "")
}

func (h *recordingHooks) Detach(_ context.Context, d *Device) {
	h.record("detach:" + d.ID())
}

func (h *recordingHooks) Recover(_ context.Context, d *Device) error {
	h.record("recover:" + d.ID())
	return d.Transition(StateCapturing, "")
}

func (h *recordingHooks) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.calls))
	copy(out, h.calls)
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRegistryScanAttachDetach(t *testing.T) {
	enum := &fakeEnumerator{}
	hooks := &recordingHooks{}
	reg := NewRegistry(enum, hooks, Options{})
	ctx := context.Background()

	enum.set(Info{ID: "probe-B", Path: "/dev/ttyACM1"}, Info{ID: "probe-A", Path: "/dev/ttyACM0"})
	events, err := reg.Scan(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(events) != 2 || events[0].Kind != EventAttach || events[0].Device.ID != "probe-A" {
		t.Fatalf("unexpected attach events %+v", events)
	}
	list := reg.List()
	if len(list) != 2 || list[0].ID != "probe-A" || list[0].State != StateCapturing {
		t.Fatalf("unexpected list %+v", list)
	}

	// A rescan with no changes emits nothing.
	events, err = reg.Scan(ctx)
	if err != nil || len(events) != 0 {
		t.Fatalf("idle scan = %+v, %v", events, err)
	}

	enum.set(Info{ID: "probe-A", Path: "/dev/ttyACM0"})
	events, err = reg.Scan(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(events) != 1 || events[0].Kind != EventDetach || events[0].Device.ID != "probe-B" {
		t.Fatalf("unexpected detach events %+v", events)
	}
	if events[0].Device.State != StateDisconnected {
		t.Fatalf("detached device state = %s", events[0].Device.State)
	}
	if _, err := reg.Get("probe-B"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("Get(probe-B) error = %v, want ErrDeviceNotFound", err)
	}

	want := []string{"attach:probe-A", "attach:probe-B", "detach:probe-B"}
	if got := hooks.snapshot(); !equalStrings(got, want) {
		t.Fatalf("hook calls = %v, want %v", got, want)
	}
}

func TestRegistryPathChangeReattaches(t *testing.T) {
	enum := &fakeEnumerator{}
	hooks := &recordingHooks{}
	reg := NewRegistry(enum, hooks, Options{})
	ctx := context.Background()

	enum.set(Info{ID: "probe-A", Path: "/dev/ttyACM0"})
	if _, err := reg.Scan(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}
	old, _ := reg.Get("probe-A")

	enum.set(Info{ID: "probe-A", Path: "/dev/ttyACM4"})
	events, err := reg.Scan(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(events) != 2 || events[0].Kind != EventDetach || events[1].Kind != EventAttach {
		t.Fatalf("expected detach then attach, got %+v", events)
	}
	cur, err := reg.Get("probe-A")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cur == old || cur.Info().Path != "/dev/ttyACM4" {
		t.Fatalf("expected a fresh record on the new path, got %+v", cur.Snapshot())
	}
	if old.State() != StateDisconnected {
		t.Fatalf("old record state = %s, want disconnected", old.State())
	}
}

func TestRegistryRecoversErroredDevice(t *testing.T) {
	enum := &fakeEnumerator{}
	hooks := &recordingHooks{}
	reg := NewRegistry(enum, hooks, Options{})
	ctx := context.Background()

	enum.set(Info{ID: "probe-A", Path: "/dev/ttyACM0"})
	if _, err := reg.Scan(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}
	d, _ := reg.Get("probe-A")
	if err := d.Transition(StateError, "read failed"); err != nil {
		t.Fatalf("transition: %v", err)
	}

	events, err := reg.Scan(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(events) != 1 || events[0].Kind != EventRecover {
		t.Fatalf("expected a recover event, got %+v", events)
	}
	if d.State() != StateCapturing {
		t.Fatalf("recovered device state = %s", d.State())
	}
}

func TestRegistryAttachFailureMarksError(t *testing.T) {
	enum := &fakeEnumerator{}
	hooks := &recordingHooks{attachErr: errors.New("permission denied")}
	reg := NewRegistry(enum, hooks, Options{})

	enum.set(Info{ID: "probe-A", Path: "/dev/ttyACM0"})
	events, err := reg.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if events[0].Device.State != StateError || events[0].Device.Reason != "permission denied" {
		t.Fatalf("unexpected snapshot %+v", events[0].Device)
	}
}

func TestRegistryScanErrorKeepsInventory(t *testing.T) {
	enum := &fakeEnumerator{}
	reg := NewRegistry(enum, nil, Options{})
	ctx := context.Background()

	enum.set(Info{ID: "probe-A", Path: "/dev/ttyACM0"})
	if _, err := reg.Scan(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}
	enum.fail(errors.New("sysfs unavailable"))
	if _, err := reg.Scan(ctx); err == nil {
		t.Fatal("expected scan error")
	}
	if len(reg.List()) != 1 {
		t.Fatalf("failed scan must not drop devices, got %+v", reg.List())
	}
}

func TestRegistryRunSurvivesErrorsAndHonoursTrigger(t *testing.T) {
	enum := &fakeEnumerator{}
	enum.fail(errors.New("transient"))
	reg := NewRegistry(enum, nil, Options{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	trigger := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- reg.Run(ctx, trigger) }()

	waitFor(t, func() bool { return enum.callCount() >= 1 })
	enum.fail(nil)
	enum.set(Info{ID: "probe-A", Path: "/dev/ttyACM0"})
	trigger <- struct{}{}
	waitFor(t, func() bool { return len(reg.List()) == 1 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRegistryDetachAll(t *testing.T) {
	enum := &fakeEnumerator{}
	hooks := &recordingHooks{}
	reg := NewRegistry(enum, hooks, Options{})

	enum.set(Info{ID: "probe-A", Path: "/dev/ttyACM0"}, Info{ID: "probe-B", Path: "/dev/ttyACM1"})
	if _, err := reg.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	events := reg.DetachAll(context.Background(), "shutdown")
	if len(events) != 2 || len(reg.List()) != 0 {
		t.Fatalf("DetachAll left %+v", reg.List())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
