package flash

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/allbin/probemon/internal/broadcast"
	"github.com/allbin/probemon/internal/coord"
	"github.com/allbin/probemon/internal/logstore"
	"github.com/allbin/probemon/internal/logx"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"pkt.systems/pslog"
)

const (
	DefaultTimeout     = 180 * time.Second
	DefaultOutputLines = 2000
	DefaultTarget      = "EFR32FG28B322F1024IM48"
	DefaultFrequency   = "20M"
)

// Request asks for one device to be flashed.
type Request struct {
	DeviceID string `json:"device_id"`
	// Image is the path of an Intel HEX file.
	Image string `json:"image"`
	// Pack is a file name in the pack root. Empty selects one by target family.
	Pack      string `json:"pack,omitempty"`
	Target    string `json:"target,omitempty"`
	Frequency string `json:"frequency,omitempty"`
}

// Submission is the outcome of submitting one Request. Err is set when
// the request was rejected; Job is then already Failed.
type Submission struct {
	Job Job
	Err error
}

// Devices resolves a device ID to its coordinator.
type Devices interface {
	Coordinator(id string) (*coord.Coordinator, error)
}

// OutputLog receives flash output for persistence.
type OutputLog interface {
	Append(stream logstore.Stream, deviceID string, lines ...logstore.Line) error
}

// Publisher delivers events to live subscribers.
type Publisher interface {
	Publish(ev broadcast.Event)
}

// Options configures an Orchestrator.
type Options struct {
	Devices   Devices
	Flasher   Flasher
	Packs     *Packs
	Fs        afero.Fs
	Publisher Publisher
	Log       OutputLog
	Store     JobStore
	Logger    pslog.Logger

	Target      string
	Frequency   string
	Timeout     time.Duration
	OutputLines int

	Now func() time.Time
}

// Orchestrator runs flash jobs, at most one per device at a time.
type Orchestrator struct {
	opts Options
	log  pslog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	active   map[string]string // device ID -> job ID
	running  map[string]*run
	flashSeq map[string]uint64
	wg       sync.WaitGroup
}

type run struct {
	mu     sync.Mutex
	job    Job
	output outputRing
	done   chan struct{}
}

func (r *run) snapshot() Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.job.clone()
	j.Output = r.output.snapshot()
	return j
}

// NewOrchestrator returns an orchestrator. Devices and Flasher are required.
func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Packs == nil {
		opts.Packs = &Packs{Fs: opts.Fs}
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Target == "" {
		opts.Target = DefaultTarget
	}
	if opts.Frequency == "" {
		opts.Frequency = DefaultFrequency
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.OutputLines <= 0 {
		opts.OutputLines = DefaultOutputLines
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		opts:       opts,
		log:        logx.Component(opts.Logger, "flash"),
		baseCtx:    ctx,
		baseCancel: cancel,
		active:     make(map[string]string),
		running:    make(map[string]*run),
		flashSeq:   make(map[string]uint64),
	}
}

// Packs lists the available pack files.
func (o *Orchestrator) Packs() ([]string, error) {
	return o.opts.Packs.List()
}

// Submit validates every request and starts the accepted ones
// concurrently. Rejections never affect sibling requests.
func (o *Orchestrator) Submit(ctx context.Context, reqs []Request) []Submission {
	out := make([]Submission, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, o.submit(ctx, req))
	}
	return out
}

func (o *Orchestrator) submit(ctx context.Context, req Request) Submission {
	job := Job{
		ID:        uuid.NewString(),
		DeviceID:  req.DeviceID,
		Image:     req.Image,
		Pack:      req.Pack,
		Target:    firstNonEmpty(req.Target, o.opts.Target),
		Frequency: firstNonEmpty(req.Frequency, o.opts.Frequency),
		State:     JobQueued,
		CreatedAt: o.opts.Now(),
	}
	log := logx.WithJob(o.log, job.ID, job.DeviceID)

	c, params, err := o.validate(req, job)
	if err == nil {
		err = o.reserve(job)
	}
	if err != nil {
		job.State = JobFailed
		job.Error = err.Error()
		job.ErrorKind = Classify(err)
		job.FinishedAt = job.CreatedAt
		o.save(ctx, job)
		log.Warn("flash request rejected", "kind", job.ErrorKind, "err", err)
		return Submission{Job: job, Err: err}
	}
	if params.Pack != "" {
		job.Pack = params.Pack
	}

	r := &run{job: job, output: outputRing{max: o.opts.OutputLines}, done: make(chan struct{})}
	o.mu.Lock()
	o.running[job.ID] = r
	o.mu.Unlock()
	o.save(ctx, job)
	log.Info("flash job queued", "image", job.Image, "target", job.Target, "pack", job.Pack)

	go func() {
		defer o.wg.Done()
		o.execute(r, c, params, log)
	}()
	return Submission{Job: job}
}

// validate checks everything that can be checked without touching the device.
func (o *Orchestrator) validate(req Request, job Job) (*coord.Coordinator, Params, error) {
	if req.DeviceID == "" {
		return nil, Params{}, fmt.Errorf("%w: device id is required", ErrValidation)
	}
	c, err := o.opts.Devices.Coordinator(req.DeviceID)
	if err != nil {
		return nil, Params{}, err
	}
	uid := c.Device().Info().SerialNumber
	if uid == "" {
		return nil, Params{}, fmt.Errorf("%w: %s has no serial number to identify the probe", ErrValidation, req.DeviceID)
	}
	if req.Image == "" {
		return nil, Params{}, fmt.Errorf("%w: image is required", ErrValidation)
	}
	if _, err := ValidateHex(o.opts.Fs, req.Image); err != nil {
		return nil, Params{}, err
	}
	pack, err := o.opts.Packs.Resolve(req.Pack, job.Target)
	if err != nil {
		return nil, Params{}, err
	}
	return c, Params{
		ProbeUID:  uid,
		Target:    job.Target,
		Frequency: job.Frequency,
		Image:     req.Image,
		Pack:      pack,
	}, nil
}

// reserve claims the device for job, or fails with ErrConcurrencyViolation.
func (o *Orchestrator) reserve(job Job) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if other, ok := o.active[job.DeviceID]; ok {
		return fmt.Errorf("%w: %s is running job %s", ErrConcurrencyViolation, job.DeviceID, other)
	}
	o.active[job.DeviceID] = job.ID
	o.wg.Add(1)
	return nil
}

func (o *Orchestrator) execute(r *run, c *coord.Coordinator, params Params, log pslog.Logger) {
	job := r.snapshot()
	ctx, cancel := context.WithTimeout(o.baseCtx, o.opts.Timeout)
	defer cancel()

	var err error
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("flash: job panicked: %v", p)
		}
		o.finish(r, err, log)
	}()

	emit := o.emitter(r, job)
	err = c.WithExclusive(ctx, "flash job "+job.ID, func(ctx context.Context) error {
		r.mu.Lock()
		r.job.State = JobRunning
		r.job.StartedAt = o.opts.Now()
		r.mu.Unlock()
		o.save(ctx, r.snapshot())
		o.status(job, "flash started: "+job.Image)
		log.Info("flash job running", "uid", params.ProbeUID, "pack", params.Pack)
		return o.opts.Flasher.Flash(ctx, params, emit)
	})
	switch {
	case err == nil:
	case c.Detached():
		err = fmt.Errorf("%w: %s unplugged during flash: %v", coord.ErrDetached, job.DeviceID, err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrFlashTool):
		err = fmt.Errorf("%w: timed out after %s: %v", ErrFlashTool, o.opts.Timeout, err)
	}
}

// emitter returns the line sink for a job's tool output: job buffer,
// broadcaster and the device's flash log.
func (o *Orchestrator) emitter(r *run, job Job) func(string) {
	return func(text string) {
		now := o.opts.Now()
		r.mu.Lock()
		r.output.add(text)
		r.mu.Unlock()

		seq := o.nextFlashSeq(job.DeviceID)
		if o.opts.Log != nil {
			line := logstore.Line{DeviceID: job.DeviceID, Stream: logstore.StreamFlash, Seq: seq, Time: now, Text: text}
			if err := o.opts.Log.Append(logstore.StreamFlash, job.DeviceID, line); err != nil {
				o.log.Debug("flash output not persisted", "job", job.ID, "err", err)
			}
		}
		if o.opts.Publisher != nil {
			o.opts.Publisher.Publish(broadcast.Event{
				DeviceID: job.DeviceID,
				Kind:     broadcast.KindFlash,
				Seq:      seq,
				Time:     now,
				Text:     text,
				JobID:    job.ID,
			})
		}
	}
}

// flashSeqSeeder is implemented by output logs that can report the last
// stored line, so flash sequence numbers continue across restarts.
type flashSeqSeeder interface {
	Tail(ctx context.Context, deviceID string, stream logstore.Stream, n int) ([]logstore.Line, error)
}

func (o *Orchestrator) nextFlashSeq(deviceID string) uint64 {
	o.mu.Lock()
	seq, ok := o.flashSeq[deviceID]
	o.mu.Unlock()
	if !ok {
		if s, isSeeder := o.opts.Log.(flashSeqSeeder); isSeeder {
			if tail, err := s.Tail(o.baseCtx, deviceID, logstore.StreamFlash, 1); err == nil && len(tail) == 1 {
				seq = tail[0].Seq
			}
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.flashSeq[deviceID]; ok && cur > seq {
		seq = cur
	}
	seq++
	o.flashSeq[deviceID] = seq
	return seq
}

func (o *Orchestrator) finish(r *run, err error, log pslog.Logger) {
	r.mu.Lock()
	r.job.FinishedAt = o.opts.Now()
	if err != nil {
		r.job.State = JobFailed
		r.job.Error = err.Error()
		r.job.ErrorKind = Classify(err)
	} else {
		r.job.State = JobSucceeded
	}
	r.mu.Unlock()
	job := r.snapshot()

	o.save(context.Background(), job)
	o.mu.Lock()
	if o.active[job.DeviceID] == job.ID {
		delete(o.active, job.DeviceID)
	}
	delete(o.running, job.ID)
	o.mu.Unlock()
	close(r.done)

	if err != nil {
		o.status(job, "flash failed: "+err.Error())
		log.Warn("flash job failed", "kind", job.ErrorKind, "err", err, "duration", job.Duration())
		return
	}
	o.status(job, "flash succeeded")
	log.Info("flash job succeeded", "duration", job.Duration())
}

func (o *Orchestrator) status(job Job, text string) {
	if o.opts.Publisher == nil {
		return
	}
	o.opts.Publisher.Publish(broadcast.Event{
		DeviceID: job.DeviceID,
		Kind:     broadcast.KindStatus,
		Time:     o.opts.Now(),
		Text:     text,
		JobID:    job.ID,
	})
}

func (o *Orchestrator) save(ctx context.Context, job Job) {
	if err := o.opts.Store.Save(context.WithoutCancel(ctx), job); err != nil {
		o.log.Warn("saving flash job failed", "job", job.ID, "err", err)
	}
}

// Job returns the current snapshot of a job.
func (o *Orchestrator) Job(ctx context.Context, id string) (Job, error) {
	o.mu.Lock()
	r, ok := o.running[id]
	o.mu.Unlock()
	if ok {
		return r.snapshot(), nil
	}
	return o.opts.Store.Get(ctx, id)
}

// Jobs lists jobs for a device, or every job when deviceID is empty.
func (o *Orchestrator) Jobs(ctx context.Context, deviceID string) ([]Job, error) {
	jobs, err := o.opts.Store.List(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	live := make(map[string]*run, len(o.running))
	for id, r := range o.running {
		live[id] = r
	}
	o.mu.Unlock()
	for i, j := range jobs {
		if r, ok := live[j.ID]; ok {
			jobs[i] = r.snapshot()
		}
	}
	return jobs, nil
}

// Wait blocks until the job is terminal or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, id string) (Job, error) {
	o.mu.Lock()
	r, ok := o.running[id]
	o.mu.Unlock()
	if ok {
		select {
		case <-r.done:
			return r.snapshot(), nil
		case <-ctx.Done():
			return r.snapshot(), ctx.Err()
		}
	}
	return o.opts.Store.Get(ctx, id)
}

// Active returns the ID of the job running on deviceID, if any.
func (o *Orchestrator) Active(deviceID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ok := o.active[deviceID]
	return id, ok
}

// Close stops accepting requests and waits for running jobs. If ctx ends
// first the jobs are cancelled; their release steps still run.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.baseCancel()
		<-done
	}
	o.baseCancel()
	return o.opts.Store.Close()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
