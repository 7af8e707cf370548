package components

import (
	"strings"

	"github.com/allbin/probemon/internal/broadcast"
	"github.com/charmbracelet/bubbles/viewport"
)

// DefaultLineCapacity is how many entries a view keeps.
const DefaultLineCapacity = 2000

// LineView is a scrollable, bounded log of one device's entries.
type LineView struct {
	viewport  viewport.Model
	formatter *Formatter
	capacity  int

	entries []Entry
	lines   []string
	lastSeq map[broadcast.Kind]uint64
	follow  bool
	dirty   bool
}

func NewLineView(f *Formatter, capacity int) *LineView {
	if capacity <= 0 {
		capacity = DefaultLineCapacity
	}
	return &LineView{
		viewport:  viewport.New(0, 0),
		formatter: f,
		capacity:  capacity,
		lastSeq:   make(map[broadcast.Kind]uint64),
		follow:    true,
	}
}

func (v *LineView) SetSize(width, height int) {
	v.viewport.Width = width
	v.viewport.Height = height
	v.dirty = true
}

// Add appends an entry. Sequenced entries at or below the last seen
// sequence of their kind are duplicates and are ignored.
func (v *LineView) Add(e Entry) {
	if e.Seq > 0 {
		if e.Seq <= v.lastSeq[e.Kind] {
			return
		}
		v.lastSeq[e.Kind] = e.Seq
	}
	v.entries = append(v.entries, e)
	v.lines = append(v.lines, v.formatter.Format(e))
	v.trim()
	v.dirty = true
}

// LoadHistory puts stored entries in front of what the view already holds.
// Live entries that the history already covers are dropped.
func (v *LineView) LoadHistory(history []Entry) {
	covered := make(map[broadcast.Kind]uint64)
	for _, e := range history {
		if e.Seq > covered[e.Kind] {
			covered[e.Kind] = e.Seq
		}
	}

	merged := make([]Entry, 0, len(history)+len(v.entries))
	merged = append(merged, history...)
	for _, e := range v.entries {
		if e.Seq > 0 && e.Seq <= covered[e.Kind] {
			continue
		}
		merged = append(merged, e)
	}

	v.entries = merged
	for k, seq := range covered {
		if seq > v.lastSeq[k] {
			v.lastSeq[k] = seq
		}
	}
	v.reformat()
	v.trim()
}

func (v *LineView) trim() {
	if over := len(v.entries) - v.capacity; over > 0 {
		v.entries = append(v.entries[:0:0], v.entries[over:]...)
		v.lines = append(v.lines[:0:0], v.lines[over:]...)
	}
}

func (v *LineView) reformat() {
	v.lines = make([]string, len(v.entries))
	for i, e := range v.entries {
		v.lines[i] = v.formatter.Format(e)
	}
	v.dirty = true
}

// Refresh re-renders every entry, after a display mode change.
func (v *LineView) Refresh() {
	v.reformat()
}

// Clear empties the view. Sequence tracking is kept so replayed
// duplicates stay hidden.
func (v *LineView) Clear() {
	v.entries = nil
	v.lines = nil
	v.dirty = true
}

func (v *LineView) Len() int {
	return len(v.entries)
}

func (v *LineView) Entries() []Entry {
	return append([]Entry(nil), v.entries...)
}

func (v *LineView) Following() bool {
	return v.follow
}

func (v *LineView) SetFollow(follow bool) {
	v.follow = follow
	v.dirty = true
}

func (v *LineView) ScrollUp(n int) {
	v.sync()
	v.viewport.LineUp(n)
	v.follow = v.viewport.AtBottom()
}

func (v *LineView) ScrollDown(n int) {
	v.sync()
	v.viewport.LineDown(n)
	v.follow = v.viewport.AtBottom()
}

func (v *LineView) sync() {
	if !v.dirty {
		return
	}
	v.viewport.SetContent(strings.Join(v.lines, "\n"))
	if v.follow {
		v.viewport.GotoBottom()
	}
	v.dirty = false
}

func (v *LineView) View() string {
	v.sync()
	return v.viewport.View()
}
