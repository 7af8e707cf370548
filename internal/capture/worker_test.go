package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"strings"
	"testing"
	"time"

	"github.com/allbin/probemon/internal/broadcast"
	"github.com/allbin/probemon/internal/device"
	"github.com/allbin/probemon/internal/logstore"
)

// fakeLine is the serial side of a fake probe. Bytes written while no port
// is open wait until the next open, like a UART FIFO.
type fakeLine struct {
	in       chan []byte
	errs     chan error
	open     atomic.Int32
	maxOpen  atomic.Int32
	opens    atomic.Int32
	failOpen atomic.Bool
}

func newFakeLine() *fakeLine {
	return &fakeLine{in: make(chan []byte, 1024), errs: make(chan error, 1)}
}

func (l *fakeLine) write(s string) { l.in <- []byte(s) }

func (l *fakeLine) opener(path string) (Port, error) {
	if l.failOpen.Load() {
		return nil, errors.New("no such device")
	}
	n := l.open.Add(1)
	l.opens.Add(1)
	for {
		m := l.maxOpen.Load()
		if n <= m || l.maxOpen.CompareAndSwap(m, n) {
			break
		}
	}
	return &fakePort{line: l}, nil
}

type fakePort struct {
	line   *fakeLine
	closed atomic.Bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, errors.New("read on closed port")
	}
	select {
	case data := <-p.line.in:
		return copy(b, data), nil
	case err := <-p.line.errs:
		return 0, err
	case <-time.After(2 * time.Millisecond):
		return 0, nil
	}
}

func (p *fakePort) Close() error {
	if p.closed.CompareAndSwap(false, true) {
		p.line.open.Add(-1)
	}
	return nil
}

type memStore struct {
	mu    sync.Mutex
	lines []logstore.Line
	fail  bool
	gate  chan struct{}
}

func (s *memStore) Append(stream logstore.Stream, deviceID string, lines ...logstore.Line) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("%w: disk full", logstore.ErrStorage)
	}
	s.lines = append(s.lines, lines...)
	return nil
}

func (s *memStore) seqs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.lines))
	for i, l := range s.lines {
		out[i] = l.Seq
	}
	return out
}

func (s *memStore) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lines))
	for i, l := range s.lines {
		out[i] = l.Text
	}
	return out
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

func (p *recPublisher) kind(k broadcast.Kind) []broadcast.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []broadcast.Event
	for _, ev := range p.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	line  *fakeLine
	store *memStore
	pub   *recPublisher
	dev   *device.Device
	w     *Worker
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		line:  newFakeLine(),
		store: &memStore{},
		pub:   &recPublisher{},
		dev:   device.New(device.Info{ID: "probe-A", Path: "/dev/ttyACM0"}),
	}
	opts := Options{
		Open:       h.line.opener,
		Store:      h.store,
		Publisher:  h.pub,
		FlushAfter: 20 * time.Millisecond,
		Exists:     func(string) bool { return true },
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.w = New(h.dev, opts)
	h.w.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.w.Stop(ctx)
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func isContiguous(seqs []uint64, from uint64) bool {
	for i, s := range seqs {
		if s != from+uint64(i) {
			return false
		}
	}
	return true
}

func TestWorkerCapturesStoresAndPublishesInOrder(t *testing.T) {
	h := newHarness(t, nil)
	waitFor(t, "capturing state", func() bool { return h.dev.State() == device.StateCapturing })

	h.line.write("boot\r\n")
	h.line.write("\r\nradio up\n")
	h.line.write("tick 1\ntick")
	h.line.write(" 2\n")

	waitFor(t, "4 stored lines", func() bool { return len(h.store.seqs()) == 4 })
	want := []string{"boot", "radio up", "tick 1", "tick 2"}
	got := h.store.texts()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stored texts = %q, want %q", got, want)
		}
	}
	if !isContiguous(h.store.seqs(), 1) {
		t.Fatalf("stored seqs = %v", h.store.seqs())
	}

	waitFor(t, "4 published lines", func() bool { return len(h.pub.kind(broadcast.KindCapture)) == 4 })
	var last time.Time
	for i, ev := range h.pub.kind(broadcast.KindCapture) {
		if ev.Seq != uint64(i+1) || ev.DeviceID != "probe-A" || ev.Text != want[i] {
			t.Fatalf("published event %d = %+v", i, ev)
		}
		if ev.Time.Before(last) {
			t.Fatalf("timestamps went backwards at %d", i)
		}
		last = ev.Time
	}
	if st := h.w.Stats(); st.Lines != 4 || st.BytesRead == 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestWorkerFlushesIdlePartialLine(t *testing.T) {
	h := newHarness(t, nil)
	h.line.write("login: ")
	waitFor(t, "flushed prompt", func() bool {
		texts := h.store.texts()
		return len(texts) == 1 && texts[0] == "login: "
	})
}

func TestWorkerSeedsSequence(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.InitialSeq = 41 })
	h.line.write("after restart\n")
	waitFor(t, "stored line", func() bool { return len(h.store.seqs()) == 1 })
	if seq := h.store.seqs()[0]; seq != 42 {
		t.Fatalf("first seq after restart = %d, want 42", seq)
	}
}

func TestWorkerPauseResumeKeepsSequence(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	waitFor(t, "capturing state", func() bool { return h.dev.State() == device.StateCapturing })

	h.line.write("one\ntwo\npartial")
	waitFor(t, "two lines", func() bool { return len(h.store.seqs()) >= 2 })

	if err := h.w.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if h.line.open.Load() != 0 {
		t.Fatal("port still open while paused")
	}
	if h.dev.State() != device.StatePaused {
		t.Fatalf("state while paused = %s", h.dev.State())
	}
	// Pausing twice is harmless.
	if err := h.w.Pause(ctx); err != nil {
		t.Fatalf("second pause: %v", err)
	}
	waitFor(t, "partial line flushed on pause", func() bool { return len(h.store.seqs()) == 3 })

	h.line.write("three\n")
	if err := h.w.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if h.dev.State() != device.StateCapturing {
		t.Fatalf("state after resume = %s", h.dev.State())
	}
	h.line.write("four\n")
	waitFor(t, "five lines", func() bool { return len(h.store.seqs()) == 5 })

	if seqs := h.store.seqs(); !isContiguous(seqs, 1) {
		t.Fatalf("seqs across pause = %v", seqs)
	}
	want := []string{"one", "two", "partial", "three", "four"}
	got := h.store.texts()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("texts = %q, want %q", got, want)
		}
	}
	if h.line.maxOpen.Load() != 1 {
		t.Fatalf("port opened concurrently: max %d", h.line.maxOpen.Load())
	}
	if h.line.opens.Load() != 2 {
		t.Fatalf("expected 2 opens, got %d", h.line.opens.Load())
	}
}

func TestWorkerReadErrorMarksDeviceError(t *testing.T) {
	h := newHarness(t, nil)
	waitFor(t, "capturing state", func() bool { return h.dev.State() == device.StateCapturing })

	h.line.errs <- errors.New("input/output error")
	select {
	case <-h.w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after read error")
	}
	if !errors.Is(h.w.Err(), ErrPortIO) {
		t.Fatalf("worker err = %v, want ErrPortIO", h.w.Err())
	}
	snap := h.dev.Snapshot()
	if snap.State != device.StateError || snap.Reason == "" {
		t.Fatalf("device = %+v, want error with reason", snap)
	}
	if h.line.open.Load() != 0 {
		t.Fatal("port left open after failure")
	}
	if len(h.pub.kind(broadcast.KindStatus)) == 0 {
		t.Fatal("expected a status event")
	}

	ctx := context.Background()
	if err := h.w.Pause(ctx); err != nil {
		t.Fatalf("pause on exited worker = %v, want nil", err)
	}
	if err := h.w.Resume(ctx); !errors.Is(err, ErrStopped) {
		t.Fatalf("resume on exited worker = %v, want ErrStopped", err)
	}
}

func TestWorkerDetectsVanishedPort(t *testing.T) {
	var present atomic.Bool
	present.Store(true)
	h := newHarness(t, func(o *Options) {
		o.Exists = func(string) bool { return present.Load() }
	})
	waitFor(t, "capturing state", func() bool { return h.dev.State() == device.StateCapturing })

	present.Store(false)
	select {
	case <-h.w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not notice the port vanishing")
	}
	if h.dev.State() != device.StateError {
		t.Fatalf("state = %s, want error", h.dev.State())
	}
}

func TestWorkerOpenFailure(t *testing.T) {
	line := newFakeLine()
	line.failOpen.Store(true)
	dev := device.New(device.Info{ID: "probe-A", Path: "/dev/ttyACM0"})
	w := New(dev, Options{Open: line.opener})
	w.Start(context.Background())

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit")
	}
	if !errors.Is(w.Err(), ErrPortIO) || dev.State() != device.StateError {
		t.Fatalf("err = %v, state = %s", w.Err(), dev.State())
	}
}

func TestWorkerResumeFailure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	waitFor(t, "capturing state", func() bool { return h.dev.State() == device.StateCapturing })

	if err := h.w.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	h.line.failOpen.Store(true)
	if err := h.w.Resume(ctx); !errors.Is(err, ErrPortIO) {
		t.Fatalf("resume = %v, want ErrPortIO", err)
	}
	<-h.w.Done()
	if h.dev.State() != device.StateError {
		t.Fatalf("state = %s, want error", h.dev.State())
	}
}

func TestWorkerStorageFailureKeepsCapturing(t *testing.T) {
	h := newHarness(t, nil)
	h.store.mu.Lock()
	h.store.fail = true
	h.store.mu.Unlock()

	h.line.write("a\nb\n")
	waitFor(t, "broadcast despite storage failure", func() bool { return len(h.pub.kind(broadcast.KindCapture)) == 2 })
	waitFor(t, "dropped writes counted", func() bool { return h.w.Stats().DroppedWrites == 2 })
	if h.dev.State() != device.StateCapturing {
		t.Fatalf("storage failure changed state to %s", h.dev.State())
	}
	found := false
	for _, ev := range h.pub.kind(broadcast.KindStatus) {
		if strings.HasPrefix(ev.Text, "log storage failing") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a storage status event")
	}
}

func TestWorkerOverrunNeverGapsSequence(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, func(o *Options) { o.QueueDepth = 2 })
	h.store.gate = gate

	for i := 0; i < 50; i++ {
		h.line.write(fmt.Sprintf("burst %d\n", i))
	}
	waitFor(t, "overruns", func() bool { return h.w.Stats().Overruns > 0 })
	waitFor(t, "input drained", func() bool { return len(h.line.in) == 0 })
	close(gate)

	waitFor(t, "writer caught up", func() bool {
		return uint64(len(h.store.seqs())) == h.w.Seq()
	})
	if seqs := h.store.seqs(); !isContiguous(seqs, 1) {
		t.Fatalf("stored seqs have gaps: %v", seqs)
	}
	waitFor(t, "every line accounted for", func() bool {
		st := h.w.Stats()
		return st.Lines+st.Overruns == 50
	})
}

func TestWorkerStopClosesPort(t *testing.T) {
	line := newFakeLine()
	dev := device.New(device.Info{ID: "probe-A", Path: "/dev/ttyACM0"})
	w := New(dev, Options{Open: line.opener, Exists: func(string) bool { return true }})
	w.Start(context.Background())
	waitFor(t, "port open", func() bool { return line.open.Load() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if line.open.Load() != 0 {
		t.Fatal("port still open after stop")
	}
	if w.Err() != nil {
		t.Fatalf("stop is not a failure, got %v", w.Err())
	}
}

func TestStopBeforeStart(t *testing.T) {
	dev := device.New(device.Info{ID: "probe-A", Path: "/dev/ttyACM0"})
	w := New(dev, Options{Open: newFakeLine().opener})
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	w.Start(context.Background())
	select {
	case <-w.Done():
	default:
		t.Fatal("worker stopped before start must stay done")
	}
}
