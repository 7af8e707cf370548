// Package capture reads a probe's serial output and records it.
//
// A Worker owns one device's serial handle. Its reader goroutine does
// nothing but read, split and timestamp; lines cross a bounded queue to a
// writer goroutine that appends them to the log store and publishes them.
// The reader never waits on the queue: when it is full the line is counted
// as an overrun and dropped before it is given a sequence number, so stored
// and broadcast sequence numbers have no gaps caused by the writer side.
package capture

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/allbin/probemon/internal/broadcast"
	"github.com/allbin/probemon/internal/device"
	"github.com/allbin/probemon/internal/logstore"
	"github.com/allbin/probemon/internal/logx"
	"github.com/allbin/probemon/serial"
	"github.com/dustin/go-humanize"
	"pkt.systems/pslog"
)

const (
	DefaultReadBuffer = 64 * 1024
	DefaultQueueDepth = 4096
	DefaultMaxLine    = 64 * 1024
	DefaultFlushAfter = 250 * time.Millisecond

	maxBatch          = 256
	storageWarnPeriod = 10 * time.Second
	reopenAttempts    = 3
	reopenDelay       = 200 * time.Millisecond
)

// Port is the part of a serial port the worker needs. Read must return
// periodically (with n == 0) when no data arrives.
type Port interface {
	Read(p []byte) (int, error)
	Close() error
}

// Opener opens the port at path.
type Opener func(path string) (Port, error)

// SerialOpener opens ports in raw 8N1 mode with exclusive access.
func SerialOpener(baudRate int, readTimeout time.Duration) Opener {
	return func(path string) (Port, error) {
		p, err := serial.Open(path,
			serial.WithBaudRate(baudRate),
			serial.WithReadTimeout(readTimeout),
			serial.WithExclusive(),
		)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Store persists captured lines.
type Store interface {
	Append(stream logstore.Stream, deviceID string, lines ...logstore.Line) error
}

// Publisher delivers events to live subscribers.
type Publisher interface {
	Publish(ev broadcast.Event)
}

// Options configures a Worker.
type Options struct {
	Open       Opener
	Store      Store
	Publisher  Publisher
	Logger     pslog.Logger
	ReadBuffer int
	QueueDepth int
	MaxLine    int
	FlushAfter time.Duration

	// InitialSeq is the last sequence number already used for the device.
	InitialSeq uint64

	Now    func() time.Time
	Exists func(path string) bool
}

// Stats are cumulative counters of a worker.
type Stats struct {
	BytesRead     uint64
	Lines         uint64
	Overruns      uint64
	DroppedWrites uint64
}

// Worker captures one device.
type Worker struct {
	dev  *device.Device
	path string
	opts Options
	log  pslog.Logger

	queue     chan logstore.Line
	pauseReq  chan chan error
	resumeReq chan chan error

	cancel    context.CancelFunc
	startOnce sync.Once
	done      chan struct{}

	seq           atomic.Uint64
	bytesRead     atomic.Uint64
	lines         atomic.Uint64
	overruns      atomic.Uint64
	droppedWrites atomic.Uint64

	mu  sync.Mutex
	err error

	lastTime        time.Time
	lastStorageWarn time.Time
}

// New creates a worker for dev. Call Start to begin capturing.
func New(dev *device.Device, opts Options) *Worker {
	if opts.ReadBuffer <= 0 {
		opts.ReadBuffer = DefaultReadBuffer
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	if opts.MaxLine <= 0 {
		opts.MaxLine = DefaultMaxLine
	}
	if opts.FlushAfter <= 0 {
		opts.FlushAfter = DefaultFlushAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Exists == nil {
		opts.Exists = pathExists
	}
	w := &Worker{
		dev:       dev,
		path:      dev.Info().Path,
		opts:      opts,
		log:       logx.WithDevice(logx.Component(opts.Logger, "capture"), dev.ID()),
		queue:     make(chan logstore.Line, opts.QueueDepth),
		pauseReq:  make(chan chan error),
		resumeReq: make(chan chan error),
		done:      make(chan struct{}),
	}
	w.seq.Store(opts.InitialSeq)
	return w
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Start launches the reader and writer goroutines. It is a no-op after the first call.
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		w.cancel = cancel

		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			w.writeLoop()
		}()
		go func() {
			defer close(w.done)
			defer func() { <-writerDone }()
			defer close(w.queue)
			w.readLoop(ctx)
		}()
	})
}

// Stop cancels capture and waits until the handle is closed and every
// queued line has been written, or ctx ends.
func (w *Worker) Stop(ctx context.Context) error {
	w.startOnce.Do(func() {
		w.cancel = func() {}
		close(w.done)
	})
	w.cancel()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the worker has fully exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Err reports why the worker exited on its own, or nil.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Seq returns the last sequence number handed out.
func (w *Worker) Seq() uint64 {
	return w.seq.Load()
}

// Stats returns the worker's counters.
func (w *Worker) Stats() Stats {
	return Stats{
		BytesRead:     w.bytesRead.Load(),
		Lines:         w.lines.Load(),
		Overruns:      w.overruns.Load(),
		DroppedWrites: w.droppedWrites.Load(),
	}
}

// Pause flushes the partial line, closes the serial handle and waits for
// the reader to confirm. Pausing a worker that already exited succeeds:
// its handle is already free.
func (w *Worker) Pause(ctx context.Context) error {
	return w.request(ctx, w.pauseReq, nil)
}

// Resume reopens the port and continues capturing with the next sequence
// number. Resuming an exited worker returns ErrStopped.
func (w *Worker) Resume(ctx context.Context) error {
	return w.request(ctx, w.resumeReq, ErrStopped)
}

func (w *Worker) request(ctx context.Context, ch chan chan error, ifDone error) error {
	ack := make(chan error, 1)
	select {
	case ch <- ack:
	case <-w.done:
		return ifDone
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) fail(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()

	if terr := w.dev.Transition(device.StateError, err.Error()); terr != nil {
		w.log.Debug("device state not updated", "err", terr)
	}
	w.status("capture stopped: " + err.Error())
	w.log.Warn("capture failed", "path", w.path, "err", err)
}

func (w *Worker) status(text string) {
	if w.opts.Publisher == nil {
		return
	}
	w.opts.Publisher.Publish(broadcast.Event{
		DeviceID: w.dev.ID(),
		Kind:     broadcast.KindStatus,
		Time:     w.opts.Now(),
		Text:     text,
	})
}

func (w *Worker) open() (Port, error) {
	p, err := w.opts.Open(w.path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrPortIO, w.path, err)
	}
	return p, nil
}

func (w *Worker) logStats(msg string) {
	st := w.Stats()
	w.log.Info(msg,
		"read", humanize.Bytes(st.BytesRead),
		"lines", humanize.Comma(int64(st.Lines)),
		"overruns", st.Overruns,
		"dropped_writes", st.DroppedWrites,
		"seq", w.Seq(),
	)
}

func (w *Worker) readLoop(ctx context.Context) {
	port, err := w.open()
	if err != nil {
		w.fail(err)
		return
	}
	if err := w.dev.Transition(device.StateCapturing, ""); err != nil {
		port.Close()
		w.fail(err)
		return
	}
	w.status("capturing " + w.path)
	w.log.Info("capture started", "path", w.path, "seq", w.Seq())

	split := newSplitter(w.opts.MaxLine)
	emit := func(b []byte) { w.enqueue(decode(b)) }
	buf := make([]byte, w.opts.ReadBuffer)
	lastData := w.opts.Now()

	closePort := func() {
		if port == nil {
			return
		}
		if err := port.Close(); err != nil {
			w.log.Debug("closing port failed", "err", err)
		}
		port = nil
	}
	defer func() {
		split.flush(emit)
		closePort()
		w.logStats("capture stopped")
	}()

	for {
		if port == nil {
			// Paused: the handle is free until resumed.
			select {
			case <-ctx.Done():
				return
			case ack := <-w.pauseReq:
				ack <- nil
			case ack := <-w.resumeReq:
				p, err := w.reopen(ctx)
				if err != nil {
					ack <- err
					w.fail(err)
					return
				}
				if err := w.dev.Transition(device.StateCapturing, ""); err != nil {
					p.Close()
					ack <- err
					w.fail(err)
					return
				}
				port = p
				lastData = w.opts.Now()
				w.status("capture resumed")
				w.log.Info("capture resumed", "seq", w.Seq())
				ack <- nil
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case ack := <-w.pauseReq:
			split.flush(emit)
			closePort()
			if err := w.dev.Transition(device.StatePaused, "paused for exclusive access"); err != nil {
				w.log.Debug("device state not updated", "err", err)
			}
			w.status("capture paused")
			w.logStats("capture paused")
			ack <- nil
			continue
		case ack := <-w.resumeReq:
			ack <- nil
			continue
		default:
		}

		n, err := port.Read(buf)
		if n > 0 {
			w.bytesRead.Add(uint64(n))
			lastData = w.opts.Now()
			split.feed(buf[:n], emit)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.fail(fmt.Errorf("%w: read %s: %v", ErrPortIO, w.path, err))
			return
		}
		if n == 0 {
			if split.pending() && w.opts.Now().Sub(lastData) >= w.opts.FlushAfter {
				split.flush(emit)
			}
			if !w.opts.Exists(w.path) {
				w.fail(fmt.Errorf("%w: %s disappeared", ErrPortIO, w.path))
				return
			}
		}
	}
}

// reopen retries briefly: probes may re-enumerate right after a flash.
func (w *Worker) reopen(ctx context.Context) (Port, error) {
	var lastErr error
	for attempt := 0; attempt < reopenAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(reopenDelay):
			}
		}
		p, err := w.open()
		if err == nil {
			return p, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// enqueue timestamps text and hands it to the writer without blocking.
func (w *Worker) enqueue(text string) {
	now := w.opts.Now()
	if now.Before(w.lastTime) {
		now = w.lastTime
	}
	w.lastTime = now

	next := w.seq.Load() + 1
	l := logstore.Line{
		DeviceID: w.dev.ID(),
		Stream:   logstore.StreamCapture,
		Seq:      next,
		Time:     now,
		Text:     text,
	}
	select {
	case w.queue <- l:
		w.seq.Store(next)
		w.lines.Add(1)
	default:
		if w.overruns.Add(1) == 1 {
			w.log.Warn("capture queue full, dropping lines", "depth", cap(w.queue))
		}
	}
}

func (w *Worker) writeLoop() {
	batch := make([]logstore.Line, 0, maxBatch)
	for l := range w.queue {
		batch = append(batch[:0], l)
	drain:
		for len(batch) < maxBatch {
			select {
			case more, ok := <-w.queue:
				if !ok {
					break drain
				}
				batch = append(batch, more)
			default:
				break drain
			}
		}
		w.write(batch)
	}
}

func (w *Worker) write(batch []logstore.Line) {
	id := w.dev.ID()
	if w.opts.Store != nil {
		if err := w.opts.Store.Append(logstore.StreamCapture, id, batch...); err != nil {
			w.droppedWrites.Add(uint64(len(batch)))
			w.storageFailed(err)
		}
	}
	if w.opts.Publisher == nil {
		return
	}
	for _, l := range batch {
		w.opts.Publisher.Publish(broadcast.Event{
			DeviceID: id,
			Kind:     broadcast.KindCapture,
			Seq:      l.Seq,
			Time:     l.Time,
			Text:     l.Text,
		})
	}
}

// storageFailed reports a failed append at most once per storageWarnPeriod.
// Capture continues; the lines are still broadcast.
func (w *Worker) storageFailed(err error) {
	now := w.opts.Now()
	if !w.lastStorageWarn.IsZero() && now.Sub(w.lastStorageWarn) < storageWarnPeriod {
		return
	}
	w.lastStorageWarn = now
	w.log.Warn("log append failed", "err", err, "dropped_writes", w.droppedWrites.Load())
	w.status("log storage failing: " + err.Error())
}
