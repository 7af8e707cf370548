package device

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/allbin/probemon/internal/logx"
	"github.com/allbin/probemon/serial"
	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"
)

// DefaultSettle is how long the watcher waits after the last tty event
// before triggering a scan; udev needs a moment to populate sysfs.
const DefaultSettle = 500 * time.Millisecond

// Watcher turns serial device node creation and removal into scan triggers.
type Watcher struct {
	Dir    string
	Settle time.Duration
	Match  func(name string) bool
	log    pslog.Logger
}

// NewWatcher watches /dev for serial port nodes.
func NewWatcher(log pslog.Logger) *Watcher {
	return &Watcher{
		Dir:    "/dev",
		Settle: DefaultSettle,
		Match:  serial.IsPortName,
		log:    logx.Component(log, "hotplug"),
	}
}

// Run sends on trigger after a burst of matching events has settled.
// Triggers are coalesced: a pending trigger is never duplicated.
func (w *Watcher) Run(ctx context.Context, trigger chan<- struct{}) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("hotplug watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.Dir); err != nil {
		return fmt.Errorf("hotplug watch %s: %w", w.Dir, err)
	}
	w.log.Debug("watching for probes", "dir", w.Dir)

	settle := time.NewTimer(w.Settle)
	settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) {
				continue
			}
			if w.Match != nil && !w.Match(filepath.Base(ev.Name)) {
				continue
			}
			w.log.Trace("tty event", "name", ev.Name, "op", ev.Op.String())
			settle.Reset(w.Settle)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("hotplug watcher error", "err", err)
		case <-settle.C:
			select {
			case trigger <- struct{}{}:
			default:
			}
		}
	}
}
