package components

import (
	"fmt"
	"strings"
	"time"

	"github.com/allbin/probemon/internal/broadcast"
	"github.com/allbin/probemon/internal/logstore"
	"github.com/allbin/probemon/internal/tui/styles"
	"github.com/charmbracelet/x/ansi"
)

// Entry is one line shown in a device view, either live or from history.
type Entry struct {
	DeviceID string
	Kind     broadcast.Kind
	Seq      uint64
	Time     time.Time
	Text     string
	JobID    string
}

// EntryFromEvent converts a live event.
func EntryFromEvent(ev broadcast.Event) Entry {
	return Entry{
		DeviceID: ev.DeviceID,
		Kind:     ev.Kind,
		Seq:      ev.Seq,
		Time:     ev.Time,
		Text:     ev.Text,
		JobID:    ev.JobID,
	}
}

// EntryFromLine converts a stored line.
func EntryFromLine(l logstore.Line) Entry {
	kind := broadcast.KindCapture
	if l.Stream == logstore.StreamFlash {
		kind = broadcast.KindFlash
	}
	return Entry{
		DeviceID: l.DeviceID,
		Kind:     kind,
		Seq:      l.Seq,
		Time:     l.Time,
		Text:     l.Text,
	}
}

type DisplayMode struct {
	ShowTimestamps bool
	ShowSeq        bool
}

// Formatter renders entries for the terminal.
type Formatter struct {
	mode  DisplayMode
	theme styles.Theme
	loc   *time.Location
}

func NewFormatter(theme styles.Theme, loc *time.Location) *Formatter {
	if loc == nil {
		loc = time.Local
	}
	return &Formatter{
		mode:  DisplayMode{ShowTimestamps: true},
		theme: theme,
		loc:   loc,
	}
}

func (f *Formatter) Mode() DisplayMode {
	return f.mode
}

func (f *Formatter) ToggleTimestamps() {
	f.mode.ShowTimestamps = !f.mode.ShowTimestamps
}

func (f *Formatter) ToggleSeq() {
	f.mode.ShowSeq = !f.mode.ShowSeq
}

func (f *Formatter) Format(e Entry) string {
	var b strings.Builder

	if f.mode.ShowTimestamps {
		b.WriteString(f.theme.Timestamp.Render("[" + e.Time.In(f.loc).Format("15:04:05.000") + "]"))
		b.WriteByte(' ')
	}
	if f.mode.ShowSeq && e.Seq > 0 {
		b.WriteString(f.theme.Muted.Render(fmt.Sprintf("#%d", e.Seq)))
		b.WriteByte(' ')
	}

	b.WriteString(f.theme.Kind(e.Kind).Render(marker(e.Kind)))
	b.WriteByte(' ')
	b.WriteString(Sanitize(e.Text))
	return b.String()
}

func marker(k broadcast.Kind) string {
	switch k {
	case broadcast.KindFlash:
		return "⚡"
	case broadcast.KindStatus:
		return "●"
	default:
		return "│"
	}
}

// Sanitize strips escape sequences and replaces control characters so
// device output cannot move the cursor or repaint the dashboard.
func Sanitize(s string) string {
	s = ansi.Strip(s)
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\t':
			return ' '
		case r < 0x20 || r == 0x7f:
			return '.'
		default:
			return r
		}
	}, s)
}
