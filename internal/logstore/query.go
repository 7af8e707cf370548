package logstore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// maxScanLine bounds a single stored line when reading back.
const maxScanLine = 4 * 1024 * 1024

// errStop ends a scan early without reporting an error.
var errStop = errors.New("stop scan")

// Query selects stored lines of one device and stream.
// From is inclusive, To is exclusive; zero times are unbounded.
// Contains matches case-insensitively against the text with ANSI escapes removed.
type Query struct {
	DeviceID string
	Stream   Stream
	From     time.Time
	To       time.Time
	Contains string
	Offset   int
	Limit    int // 0 = unlimited
}

func (q Query) includes(t time.Time) bool {
	if !q.From.IsZero() && t.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !t.Before(q.To) {
		return false
	}
	return true
}

// Day summarizes one stored day file.
type Day struct {
	Date string `json:"date"`
	Size int64  `json:"size"`
}

// Devices lists the device IDs that have a log directory.
func (s *Store) Devices() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: list %s: %v", ErrStorage, s.root, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Days lists the stored days of a device's stream in ascending order.
func (s *Store) Days(deviceID string, stream Stream) ([]Day, error) {
	if err := validDeviceID(deviceID); err != nil {
		return nil, err
	}
	stream = stream.normalize()
	entries, err := afero.ReadDir(s.fs, s.deviceDir(deviceID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: list %s: %v", ErrStorage, deviceID, err)
	}
	var out []Day
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if day, ok := stream.dayOf(e.Name()); ok {
			out = append(out, Day{Date: day, Size: e.Size()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// dayBounds returns [start, end) of day in the store's zone.
func (s *Store) dayBounds(day string) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(dayLayout, day, s.loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, start.AddDate(0, 0, 1), nil
}

// Scan streams matching lines in file order to fn. Returning an error from
// fn stops the scan and is returned to the caller.
func (s *Store) Scan(ctx context.Context, q Query, fn func(Line) error) error {
	days, err := s.Days(q.DeviceID, q.Stream)
	if err != nil {
		return err
	}
	stream := q.Stream.normalize()
	needle := strings.ToLower(q.Contains)

	for _, day := range days {
		start, end, err := s.dayBounds(day.Date)
		if err != nil {
			continue
		}
		if !q.To.IsZero() && !start.Before(q.To) {
			break
		}
		if !q.From.IsZero() && !end.After(q.From) {
			continue
		}

		err = s.scanFile(ctx, q.DeviceID, stream, day.Date, func(l Line) error {
			if !q.includes(l.Time) || !matchText(l.Text, needle) {
				return nil
			}
			return fn(l)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) scanFile(ctx context.Context, deviceID string, stream Stream, day string, fn func(Line) error) error {
	path := filepath.Join(s.deviceDir(deviceID), stream.fileName(day))
	f, err := s.fs.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: open %s: %v", ErrStorage, path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxScanLine)
	n := 0
	for sc.Scan() {
		n++
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		l, ok := parseLine(sc.Text(), s.loc)
		if !ok {
			continue
		}
		l.DeviceID = deviceID
		l.Stream = stream
		if err := fn(l); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrStorage, path, err)
	}
	return ctx.Err()
}

// Query returns matching lines in order, honouring Offset and Limit.
func (s *Store) Query(ctx context.Context, q Query) ([]Line, error) {
	var out []Line
	skipped := 0
	err := s.Scan(ctx, q, func(l Line) error {
		if skipped < q.Offset {
			skipped++
			return nil
		}
		out = append(out, l)
		if q.Limit > 0 && len(out) >= q.Limit {
			return errStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, err
	}
	return out, nil
}

// Tail returns the last n lines of a device's stream across day files.
func (s *Store) Tail(ctx context.Context, deviceID string, stream Stream, n int) ([]Line, error) {
	if n <= 0 {
		return nil, nil
	}
	days, err := s.Days(deviceID, stream)
	if err != nil {
		return nil, err
	}
	stream = stream.normalize()

	var out []Line
	for i := len(days) - 1; i >= 0 && len(out) < n; i-- {
		var dayLines []Line
		err := s.scanFile(ctx, deviceID, stream, days[i].Date, func(l Line) error {
			dayLines = append(dayLines, l)
			if len(dayLines) > n {
				dayLines = dayLines[1:]
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		out = append(dayLines, out...)
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

// LastSeq returns the highest sequence number stored for a device's capture
// stream, or 0 when nothing has been stored.
func (s *Store) LastSeq(ctx context.Context, deviceID string) (uint64, error) {
	days, err := s.Days(deviceID, StreamCapture)
	if err != nil {
		return 0, err
	}
	for i := len(days) - 1; i >= 0; i-- {
		var maxSeq uint64
		found := false
		err := s.scanFile(ctx, deviceID, StreamCapture, days[i].Date, func(l Line) error {
			found = true
			if l.Seq > maxSeq {
				maxSeq = l.Seq
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
		if found && maxSeq > 0 {
			return maxSeq, nil
		}
	}
	return 0, nil
}
