// Package logstore persists device output in per-device, per-day files.
//
// Layout:
//
//	<root>/<device-id>/<YYYY-MM-DD>.log        capture output
//	<root>/<device-id>/<YYYY-MM-DD>.flash.log  flash tool output
//
// Each (device, stream) pair has exactly one writer. Days are computed per
// line in the store's time zone, so a batch that spans midnight is split
// across two files in order.
package logstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/allbin/probemon/internal/logx"
	"github.com/spf13/afero"
	"pkt.systems/pslog"
)

// Options configures a Store.
type Options struct {
	Fs       afero.Fs
	Root     string
	Location *time.Location
	Fsync    bool
	Logger   pslog.Logger
}

// Store is the log store. All methods are safe for concurrent use.
type Store struct {
	fs    afero.Fs
	root  string
	loc   *time.Location
	fsync bool
	log   pslog.Logger

	mu      sync.Mutex
	writers map[writerKey]*writer
	closed  bool
}

type writerKey struct {
	device string
	stream Stream
}

type writer struct {
	mu   sync.Mutex
	day  string
	f    afero.File
	gone bool // removed from the store; holders must fetch a fresh writer
}

// New returns a store rooted at opts.Root. The directory is created lazily.
func New(opts Options) *Store {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Store{
		fs:      opts.Fs,
		root:    opts.Root,
		loc:     opts.Location,
		fsync:   opts.Fsync,
		log:     logx.Component(opts.Logger, "logstore"),
		writers: make(map[writerKey]*writer),
	}
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// Location returns the zone days are computed in.
func (s *Store) Location() *time.Location { return s.loc }

func validDeviceID(id string) error {
	if id == "" || id == "." || id == ".." || filepath.Base(id) != id {
		return fmt.Errorf("%w: %q", ErrInvalidDeviceID, id)
	}
	return nil
}

func (s *Store) deviceDir(id string) string {
	return filepath.Join(s.root, id)
}

func (s *Store) writerFor(id string, stream Stream) (*writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	key := writerKey{device: id, stream: stream}
	w, ok := s.writers[key]
	if !ok {
		w = &writer{}
		s.writers[key] = w
	}
	return w, nil
}

// lockedWriter returns the live writer for (id, stream) with its lock held.
func (s *Store) lockedWriter(id string, stream Stream) (*writer, error) {
	for {
		w, err := s.writerFor(id, stream)
		if err != nil {
			return nil, err
		}
		w.mu.Lock()
		if !w.gone {
			return w, nil
		}
		w.mu.Unlock()
	}
}

// Append persists lines for deviceID in order. DeviceID and Stream on the
// lines are ignored in favour of the arguments.
func (s *Store) Append(stream Stream, deviceID string, lines ...Line) error {
	if len(lines) == 0 {
		return nil
	}
	if err := validDeviceID(deviceID); err != nil {
		return err
	}
	stream = stream.normalize()
	w, err := s.lockedWriter(deviceID, stream)
	if err != nil {
		return err
	}
	defer w.mu.Unlock()

	buf := make([]byte, 0, 128*len(lines))
	for _, l := range lines {
		day := l.Time.In(s.loc).Format(dayLayout)
		if day != w.day || w.f == nil {
			if err := s.flush(w, buf); err != nil {
				return err
			}
			buf = buf[:0]
			if err := s.rotate(w, deviceID, stream, day); err != nil {
				return err
			}
		}
		buf = formatLine(buf, l, s.loc)
	}
	return s.flush(w, buf)
}

func (s *Store) flush(w *writer, buf []byte) error {
	if len(buf) == 0 || w.f == nil {
		return nil
	}
	if _, err := w.f.Write(buf); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrStorage, w.f.Name(), err)
	}
	if s.fsync {
		if err := w.f.Sync(); err != nil {
			return fmt.Errorf("%w: sync %s: %v", ErrStorage, w.f.Name(), err)
		}
	}
	return nil
}

func (s *Store) rotate(w *writer, deviceID string, stream Stream, day string) error {
	if w.f != nil {
		if err := w.f.Close(); err != nil {
			s.log.Warn("closing log file failed", "device", deviceID, "file", w.f.Name(), "err", err)
		}
		w.f = nil
		w.day = ""
	}

	dir := s.deviceDir(deviceID)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrStorage, dir, err)
	}
	path := filepath.Join(dir, stream.fileName(day))
	f, err := s.fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrStorage, path, err)
	}
	w.f = f
	w.day = day
	s.log.Debug("log file opened", "device", deviceID, "stream", string(stream), "file", path)
	return nil
}

// Close closes every open file of deviceID. Data already appended stays on disk.
func (s *Store) Close(deviceID string) error {
	s.mu.Lock()
	var ws []*writer
	for key, w := range s.writers {
		if key.device == deviceID {
			ws = append(ws, w)
			delete(s.writers, key)
		}
	}
	s.mu.Unlock()
	return closeWriters(ws)
}

// CloseAll closes every open file. Later appends fail with ErrClosed.
func (s *Store) CloseAll() error {
	s.mu.Lock()
	s.closed = true
	ws := make([]*writer, 0, len(s.writers))
	for _, w := range s.writers {
		ws = append(ws, w)
	}
	s.writers = make(map[writerKey]*writer)
	s.mu.Unlock()
	return closeWriters(ws)
}

func closeWriters(ws []*writer) error {
	var firstErr error
	for _, w := range ws {
		w.mu.Lock()
		w.gone = true
		if w.f != nil {
			if err := w.f.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("%w: close %s: %v", ErrStorage, w.f.Name(), err)
			}
			w.f = nil
			w.day = ""
		}
		w.mu.Unlock()
	}
	return firstErr
}
