package logstore

import (
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
)

// Stream separates capture output from flash tool output on disk.
type Stream string

const (
	StreamCapture Stream = "capture"
	StreamFlash   Stream = "flash"
)

func (s Stream) normalize() Stream {
	if s == "" {
		return StreamCapture
	}
	return s
}

func (s Stream) suffix() string {
	if s.normalize() == StreamFlash {
		return ".flash.log"
	}
	return ".log"
}

// fileName returns the file holding day for this stream.
func (s Stream) fileName(day string) string {
	return day + s.suffix()
}

// dayOf extracts the day from a file name belonging to this stream.
func (s Stream) dayOf(name string) (string, bool) {
	day, ok := strings.CutSuffix(name, s.suffix())
	if !ok || len(day) != len(dayLayout) {
		return "", false
	}
	if _, err := time.Parse(dayLayout, day); err != nil {
		return "", false
	}
	return day, true
}

// Line is one persisted line.
type Line struct {
	DeviceID string    `json:"device_id"`
	Stream   Stream    `json:"stream"`
	Seq      uint64    `json:"seq"`
	Time     time.Time `json:"time"`
	Text     string    `json:"text"`
}

const (
	dayLayout       = "2006-01-02"
	timestampLayout = "2006-01-02T15:04:05.000Z07:00"
)

// Timestamps written before sequence numbers were introduced carry no zone.
var legacyLayouts = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// formatLine renders l as "[<timestamp>] #<seq> <text>\n".
func formatLine(buf []byte, l Line, loc *time.Location) []byte {
	buf = append(buf, '[')
	buf = l.Time.In(loc).AppendFormat(buf, timestampLayout)
	buf = append(buf, "] #"...)
	buf = strconv.AppendUint(buf, l.Seq, 10)
	buf = append(buf, ' ')
	for i := 0; i < len(l.Text); i++ {
		c := l.Text[i]
		if c == '\n' || c == '\r' {
			c = ' '
		}
		buf = append(buf, c)
	}
	return append(buf, '\n')
}

// parseTimestamp parses the bracketed timestamp and reports the layout it matched.
func parseTimestamp(s string, loc *time.Location) (time.Time, string, bool) {
	if t, err := time.Parse(timestampLayout, s); err == nil {
		return t, timestampLayout, true
	}
	for _, layout := range legacyLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, layout, true
		}
	}
	return time.Time{}, "", false
}

// parseLine reverses formatLine. Legacy lines without a sequence number
// get Seq 0. Lines without a parseable timestamp are rejected.
func parseLine(raw string, loc *time.Location) (Line, bool) {
	if len(raw) < 2 || raw[0] != '[' {
		return Line{}, false
	}
	end := strings.IndexByte(raw, ']')
	if end < 0 {
		return Line{}, false
	}
	ts, _, ok := parseTimestamp(raw[1:end], loc)
	if !ok {
		return Line{}, false
	}

	rest := strings.TrimPrefix(raw[end+1:], " ")
	var seq uint64
	if strings.HasPrefix(rest, "#") {
		digits := rest[1:]
		sp := strings.IndexByte(digits, ' ')
		if sp < 0 {
			sp = len(digits)
		}
		if n, err := strconv.ParseUint(digits[:sp], 10, 64); err == nil {
			seq = n
			rest = strings.TrimPrefix(digits[sp:], " ")
		}
	}
	return Line{Seq: seq, Time: ts, Text: rest}, true
}

// matchText reports whether text contains needle, ignoring case and ANSI escapes.
// needle must already be lower-cased.
func matchText(text, needle string) bool {
	if needle == "" {
		return true
	}
	return strings.Contains(strings.ToLower(ansi.Strip(text)), needle)
}

// StripANSI removes terminal escape sequences.
func StripANSI(s string) string {
	return ansi.Strip(s)
}
