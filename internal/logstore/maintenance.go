package logstore

import (
	"bufio"
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// Prune removes day files older than retentionDays days before now, for every
// device and stream. retentionDays <= 0 keeps everything. It returns the
// removed paths.
func (s *Store) Prune(now time.Time, retentionDays int) ([]string, error) {
	if retentionDays <= 0 {
		return nil, nil
	}
	cutoff := now.In(s.loc).AddDate(0, 0, -retentionDays).Format(dayLayout)

	devices, err := s.Devices()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, id := range devices {
		for _, stream := range []Stream{StreamCapture, StreamFlash} {
			days, err := s.Days(id, stream)
			if err != nil {
				return removed, err
			}
			for _, day := range days {
				if day.Date >= cutoff {
					break
				}
				path := filepath.Join(s.deviceDir(id), stream.fileName(day.Date))
				if err := s.fs.Remove(path); err != nil {
					return removed, fmt.Errorf("%w: remove %s: %v", ErrStorage, path, err)
				}
				removed = append(removed, path)
			}
		}
	}
	if len(removed) > 0 {
		s.log.Info("pruned old logs", "files", len(removed), "cutoff", cutoff)
	}
	return removed, nil
}

// ShiftTimestamps moves every timestamp in a device's stored files by d,
// keeping each original as <file>.bak. This repairs logs written with a
// wrong clock or zone. Lines keep their file even if the shift crosses
// midnight. Open writers for the device are closed first.
//
// Only days before the day of before are rewritten; a zero before rewrites
// every day. A capture running in another process keeps appending to the
// current day's file through its own handle, so callers pass the current
// time unless capture is known to be stopped.
//
// It returns the number of rewritten files.
func (s *Store) ShiftTimestamps(deviceID string, stream Stream, d time.Duration, before time.Time) (int, error) {
	if err := s.Close(deviceID); err != nil {
		return 0, err
	}
	days, err := s.Days(deviceID, stream)
	if err != nil {
		return 0, err
	}
	stream = stream.normalize()

	var cutoff string
	if !before.IsZero() {
		cutoff = before.In(s.loc).Format(dayLayout)
	}
	count := 0
	for _, day := range days {
		if cutoff != "" && day.Date >= cutoff {
			s.log.Info("skipping live day file", "device", deviceID, "day", day.Date)
			continue
		}
		path := filepath.Join(s.deviceDir(deviceID), stream.fileName(day.Date))
		if err := s.shiftFile(path, d); err != nil {
			return count, err
		}
		count++
	}
	s.log.Info("shifted log timestamps", "device", deviceID, "stream", string(stream), "files", count, "by", d.String())
	return count, nil
}

func (s *Store) shiftFile(path string, d time.Duration) error {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrStorage, path, err)
	}

	var out bytes.Buffer
	out.Grow(len(data))
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), maxScanLine)
	for sc.Scan() {
		out.WriteString(shiftLine(sc.Text(), d, s.loc))
		out.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrStorage, path, err)
	}

	backup := path + ".bak"
	if err := s.fs.Rename(path, backup); err != nil {
		return fmt.Errorf("%w: backup %s: %v", ErrStorage, path, err)
	}
	if err := afero.WriteFile(s.fs, path, out.Bytes(), 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrStorage, path, err)
	}
	return nil
}

// shiftLine rewrites the leading timestamp in the layout it was written in.
// Lines without one are returned unchanged.
func shiftLine(raw string, d time.Duration, loc *time.Location) string {
	if !strings.HasPrefix(raw, "[") {
		return raw
	}
	end := strings.IndexByte(raw, ']')
	if end < 0 {
		return raw
	}
	ts, layout, ok := parseTimestamp(raw[1:end], loc)
	if !ok {
		return raw
	}
	return "[" + ts.Add(d).In(loc).Format(layout) + raw[end:]
}
