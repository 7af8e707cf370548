// Package broadcast fans device output out to live subscribers.
//
// Every subscriber owns a bounded queue. Publish never blocks: a subscriber
// whose queue is full is dropped and its channel closed, so one stalled
// viewer cannot slow capture or other viewers. History is never replayed;
// late subscribers read the log store for anything before their attach point.
package broadcast

import (
	"errors"
	"sync"
	"time"

	"github.com/allbin/probemon/internal/logx"
	"pkt.systems/pslog"
)

// DefaultQueueDepth is used when New is given a non-positive depth.
const DefaultQueueDepth = 5000

var (
	// ErrSlowSubscriber ends a subscription whose queue overflowed.
	ErrSlowSubscriber = errors.New("broadcast: subscriber too slow")
	// ErrDeviceGone ends device-scoped subscriptions when the device detaches.
	ErrDeviceGone = errors.New("broadcast: device detached")
	// ErrClosed ends subscriptions closed by their owner or by broadcaster shutdown.
	ErrClosed = errors.New("broadcast: closed")
)

// Kind tags an event with the stream it came from.
type Kind string

const (
	KindCapture Kind = "capture"
	KindFlash   Kind = "flash"
	KindStatus  Kind = "status"
)

// Event is one line of device output or a status notice.
type Event struct {
	DeviceID string    `json:"device_id"`
	Kind     Kind      `json:"kind"`
	Seq      uint64    `json:"seq,omitempty"`
	Time     time.Time `json:"time"`
	Text     string    `json:"text"`
	JobID    string    `json:"job_id,omitempty"`
}

// Filter selects events for a subscription. Zero values match everything.
type Filter struct {
	DeviceID string
	Kinds    []Kind
}

// Match reports whether ev passes the filter.
func (f Filter) Match(ev Event) bool {
	if f.DeviceID != "" && f.DeviceID != ev.DeviceID {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == ev.Kind {
			return true
		}
	}
	return false
}

// Broadcaster delivers events to subscribers.
type Broadcaster struct {
	depth int
	log   pslog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// New constructs a Broadcaster with per-subscriber queues of depth events.
func New(depth int, logger pslog.Logger) *Broadcaster {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Broadcaster{
		depth: depth,
		log:   logx.Component(logger, "broadcast"),
		subs:  make(map[uint64]*Subscription),
	}
}

// Subscribe registers a subscriber. Only events published after Subscribe
// returns are delivered.
func (b *Broadcaster) Subscribe(f Filter) *Subscription {
	s := &Subscription{
		filter: f,
		ch:     make(chan Event, b.depth),
		b:      b,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.end(ErrClosed)
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	count := len(b.subs)
	b.mu.Unlock()

	b.log.Debug("subscriber attached", "device", f.DeviceID, "subs", count)
	return s
}

// Publish delivers ev to every matching subscriber without blocking.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.filter.Match(ev) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if !s.trySend(ev) {
			b.remove(s, ErrSlowSubscriber)
			b.log.Warn("dropped slow subscriber", "device", s.filter.DeviceID, "queue", b.depth)
		}
	}
}

// DropDevice ends every subscription scoped to deviceID.
func (b *Broadcaster) DropDevice(deviceID string) {
	b.mu.RLock()
	var targets []*Subscription
	for _, s := range b.subs {
		if s.filter.DeviceID == deviceID {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		b.remove(s, ErrDeviceGone)
	}
	if len(targets) > 0 {
		b.log.Debug("device subscribers dropped", "device", deviceID, "count", len(targets))
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends all subscriptions; later subscriptions end immediately.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.end(ErrClosed)
	}
}

func (b *Broadcaster) remove(s *Subscription, reason error) {
	b.mu.Lock()
	delete(b.subs, s.id)
	b.mu.Unlock()
	s.end(reason)
}

// Subscription is one live viewer.
type Subscription struct {
	id     uint64
	filter Filter
	ch     chan Event
	b      *Broadcaster

	mu     sync.Mutex
	closed bool
	err    error
}

// Events returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Filter returns the filter the subscription was created with.
func (s *Subscription) Filter() Filter {
	return s.filter
}

// Err reports why the subscription ended, or nil while it is live.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped reports whether the broadcaster ended the subscription for being too slow.
func (s *Subscription) Dropped() bool {
	return errors.Is(s.Err(), ErrSlowSubscriber)
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.b.remove(s, ErrClosed)
}

func (s *Subscription) trySend(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscription) end(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = reason
	close(s.ch)
}
