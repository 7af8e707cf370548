package components

import (
	"strings"
	"testing"
	"time"

	"github.com/allbin/probemon/internal/broadcast"
	"github.com/allbin/probemon/internal/tui/styles"
)

func captureEntry(seq uint64, text string) Entry {
	return Entry{DeviceID: "p1", Kind: broadcast.KindCapture, Seq: seq, Time: time.Unix(int64(seq), 0), Text: text}
}

func seqs(entries []Entry) []uint64 {
	out := make([]uint64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Seq)
	}
	return out
}

func equalSeqs(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func newTestView(capacity int) *LineView {
	v := NewLineView(NewFormatter(styles.Default, time.UTC), capacity)
	v.SetSize(80, 10)
	return v
}

func TestLineViewSkipsDuplicates(t *testing.T) {
	v := newTestView(10)
	v.Add(captureEntry(1, "a"))
	v.Add(captureEntry(2, "b"))
	v.Add(captureEntry(2, "b again"))
	v.Add(captureEntry(1, "a again"))
	v.Add(Entry{Kind: broadcast.KindStatus, Text: "paused"})
	v.Add(Entry{Kind: broadcast.KindFlash, Seq: 1, Text: "Erasing"})

	if got := seqs(v.Entries()); !equalSeqs(got, []uint64{1, 2, 0, 1}) {
		t.Fatalf("seqs = %v", got)
	}
}

func TestLineViewCapacity(t *testing.T) {
	v := newTestView(3)
	for i := uint64(1); i <= 5; i++ {
		v.Add(captureEntry(i, "x"))
	}
	if got := seqs(v.Entries()); !equalSeqs(got, []uint64{3, 4, 5}) {
		t.Fatalf("seqs = %v, want [3 4 5]", got)
	}
}

func TestLineViewLoadHistory(t *testing.T) {
	v := newTestView(100)
	// Live lines arrived before history finished loading.
	v.Add(captureEntry(5, "five"))
	v.Add(Entry{Kind: broadcast.KindStatus, Text: "capture resumed"})
	v.Add(captureEntry(6, "six"))

	v.LoadHistory([]Entry{captureEntry(3, "three"), captureEntry(4, "four"), captureEntry(5, "five")})

	entries := v.Entries()
	if got := seqs(entries); !equalSeqs(got, []uint64{3, 4, 5, 0, 6}) {
		t.Fatalf("seqs = %v", got)
	}
	if entries[3].Text != "capture resumed" {
		t.Fatalf("status entry lost: %+v", entries[3])
	}

	// Lines covered by history are still duplicates afterwards.
	v.Add(captureEntry(4, "four"))
	if v.Len() != 5 {
		t.Fatalf("Len = %d after replay, want 5", v.Len())
	}
}

func TestLineViewRendersAndClears(t *testing.T) {
	v := newTestView(10)
	v.Add(captureEntry(1, "hello probe"))
	if !strings.Contains(v.View(), "hello probe") {
		t.Fatalf("View missing line: %q", v.View())
	}

	v.Clear()
	if v.Len() != 0 || strings.Contains(v.View(), "hello probe") {
		t.Fatal("Clear left entries behind")
	}
	v.Add(captureEntry(1, "hello probe"))
	if v.Len() != 0 {
		t.Fatal("cleared sequence replayed")
	}
}

func TestLineViewFollow(t *testing.T) {
	v := newTestView(100)
	v.SetSize(80, 3)
	for i := uint64(1); i <= 20; i++ {
		v.Add(captureEntry(i, "line"))
	}
	_ = v.View()
	if !v.Following() {
		t.Fatal("new view should follow")
	}

	v.ScrollUp(5)
	if v.Following() {
		t.Fatal("scrolling up should stop following")
	}

	v.SetFollow(true)
	_ = v.View()
	if !v.Following() {
		t.Fatal("SetFollow(true) should resume following")
	}
}
