// Package coord arbitrates a probe's serial handle between continuous
// capture and short exclusive operations such as flashing.
package coord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/allbin/probemon/internal/device"
	"github.com/allbin/probemon/internal/logx"
	"pkt.systems/pslog"
)

// DefaultPauseTimeout bounds how long an acquisition waits for capture to
// release the port.
const DefaultPauseTimeout = 5 * time.Second

const releaseTimeout = 10 * time.Second

// Capture is the long-held role. Pause must not return until the serial
// handle is closed.
type Capture interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// Options configures a Coordinator.
type Options struct {
	PauseTimeout time.Duration
	Logger       pslog.Logger
}

// Coordinator guards one device.
type Coordinator struct {
	dev          *device.Device
	pauseTimeout time.Duration
	log          pslog.Logger

	mu       sync.Mutex
	capture  Capture
	holder   *Token
	detached bool

	detachCtx    context.Context
	detachCancel context.CancelFunc
}

// New returns a coordinator for dev. capture may be nil for a device that
// is not being captured.
func New(dev *device.Device, capture Capture, opts Options) *Coordinator {
	if opts.PauseTimeout <= 0 {
		opts.PauseTimeout = DefaultPauseTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		dev:          dev,
		capture:      capture,
		pauseTimeout: opts.PauseTimeout,
		log:          logx.WithDevice(logx.Component(opts.Logger, "coord"), dev.ID()),
		detachCtx:    ctx,
		detachCancel: cancel,
	}
}

// Device returns the guarded device.
func (c *Coordinator) Device() *device.Device {
	return c.dev
}

// SetCapture replaces the capture role, e.g. after a worker restart.
func (c *Coordinator) SetCapture(capture Capture) {
	c.mu.Lock()
	c.capture = capture
	c.mu.Unlock()
}

// RestartCapture runs start, which brings up a fresh capture role, only
// while no token is held and the device is attached. Acquisitions wait
// until start returns, so a restarted worker never races a flash for the
// port. start must not call back into the coordinator.
func (c *Coordinator) RestartCapture(start func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		return fmt.Errorf("%w: %s", ErrDetached, c.dev.ID())
	}
	if c.holder != nil {
		return fmt.Errorf("%w: %s is held by %s", ErrBusy, c.dev.ID(), c.holder.owner)
	}
	start()
	return nil
}

// Holder returns the owner of the current token, or "" when the device is free.
func (c *Coordinator) Holder() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.holder == nil {
		return ""
	}
	return c.holder.owner
}

// Detach marks the device as gone. The current holder's token context is
// cancelled and later acquisitions fail with ErrDetached.
func (c *Coordinator) Detach() {
	c.mu.Lock()
	c.detached = true
	c.mu.Unlock()
	c.detachCancel()
}

// Detached reports whether Detach has been called.
func (c *Coordinator) Detached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detached
}

// AcquireForFlash pauses capture and hands out the exclusive token. It
// fails immediately with ErrBusy when someone else holds the device.
func (c *Coordinator) AcquireForFlash(ctx context.Context, owner string) (*Token, error) {
	c.mu.Lock()
	if c.detached {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDetached, c.dev.ID())
	}
	if c.holder != nil {
		held := c.holder.owner
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is held by %s", ErrBusy, c.dev.ID(), held)
	}
	tctx, cancel := context.WithCancel(c.detachCtx)
	tok := &Token{c: c, owner: owner, ctx: tctx, cancel: cancel, acquired: time.Now()}
	c.holder = tok
	capture := c.capture
	c.mu.Unlock()

	if err := c.pause(ctx, capture); err != nil {
		c.resumeCapture(capture)
		c.free(tok)
		return nil, err
	}

	// A worker that exited on error leaves the device in Error; the port is
	// free either way.
	if st := c.dev.State(); st != device.StatePaused && st != device.StateFlashing {
		if err := c.dev.Transition(device.StatePaused, "acquired by "+owner); err != nil {
			c.resumeCapture(capture)
			c.free(tok)
			return nil, fmt.Errorf("%w: %v", ErrDetached, err)
		}
	}
	if err := c.dev.Transition(device.StateFlashing, owner); err != nil {
		c.resumeCapture(capture)
		c.free(tok)
		if c.Detached() {
			return nil, fmt.Errorf("%w: %s", ErrDetached, c.dev.ID())
		}
		return nil, err
	}
	c.log.Info("exclusive access granted", "owner", owner)
	return tok, nil
}

func (c *Coordinator) pause(ctx context.Context, capture Capture) error {
	if capture == nil {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, c.pauseTimeout)
	defer cancel()
	err := capture.Pause(pctx)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w after %s", ErrTimeout, c.pauseTimeout)
	default:
		return fmt.Errorf("%w: pause: %v", ErrBusy, err)
	}
}

func (c *Coordinator) resumeCapture(capture Capture) {
	if capture == nil || c.Detached() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := capture.Resume(ctx); err != nil {
		c.log.Warn("resuming capture failed", "err", err)
	}
}

func (c *Coordinator) free(tok *Token) {
	tok.cancel()
	c.mu.Lock()
	if c.holder == tok {
		c.holder = nil
	}
	c.mu.Unlock()
}

// WithExclusive runs fn while holding the device. The token is released on
// every exit path; a panic in fn is returned as an ErrPanic error after the
// release has run. fn's context ends when ctx does or the device detaches.
func (c *Coordinator) WithExclusive(ctx context.Context, owner string, fn func(ctx context.Context) error) (err error) {
	tok, err := c.AcquireForFlash(ctx, owner)
	if err != nil {
		return err
	}
	fctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(tok.Context(), cancel)
	defer func() {
		stop()
		cancel()
		r := recover()
		rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer rcancel()
		if rerr := tok.Release(rctx); rerr != nil {
			c.log.Warn("release after exclusive section failed", "owner", owner, "err", rerr)
		}
		if r != nil {
			c.log.Error("exclusive section panicked", "owner", owner, "panic", fmt.Sprint(r))
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn(fctx)
}

// Token is an exclusive permit for one device.
type Token struct {
	c        *Coordinator
	owner    string
	ctx      context.Context
	cancel   context.CancelFunc
	acquired time.Time

	once sync.Once
	err  error
}

// Owner returns who acquired the token.
func (t *Token) Owner() string { return t.owner }

// Context is cancelled when the device detaches or the token is released.
func (t *Token) Context() context.Context { return t.ctx }

// Release resumes capture and frees the device. Only the first call has
// any effect; later calls return the first result.
func (t *Token) Release(ctx context.Context) error {
	t.once.Do(func() {
		t.err = t.c.release(ctx, t)
	})
	return t.err
}

func (c *Coordinator) release(ctx context.Context, tok *Token) error {
	defer c.free(tok)
	held := time.Since(tok.acquired).Round(time.Millisecond)

	c.mu.Lock()
	detached := c.detached
	capture := c.capture
	c.mu.Unlock()
	if detached {
		c.log.Info("exclusive access ended on detached device", "owner", tok.owner, "held", held)
		return nil
	}

	if err := c.dev.Transition(device.StatePaused, "released by "+tok.owner); err != nil {
		c.log.Debug("device state not updated", "err", err)
	}
	c.log.Info("exclusive access released", "owner", tok.owner, "held", held)
	if capture == nil {
		return nil
	}
	if err := capture.Resume(ctx); err != nil {
		return fmt.Errorf("coord: resume capture on %s: %w", c.dev.ID(), err)
	}
	return nil
}
