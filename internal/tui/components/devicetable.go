package components

import (
	"github.com/allbin/probemon/internal/capture"
	"github.com/allbin/probemon/internal/device"
	"github.com/allbin/probemon/internal/tui/styles"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/evertras/bubble-table/table"
)

const (
	columnKeyID     = "id"
	columnKeyState  = "state"
	columnKeyPort   = "port"
	columnKeyLines  = "lines"
	columnKeyBytes  = "bytes"
	columnKeyReason = "reason"
)

// DeviceRow is one probe as listed in the table.
type DeviceRow struct {
	Snapshot device.Snapshot
	Stats    capture.Stats
}

// DeviceTable lists attached probes and tracks the highlighted one.
type DeviceTable struct {
	model    table.Model
	theme    styles.Theme
	ids      []string
	selected string
}

func NewDeviceTable(theme styles.Theme, pageSize int) *DeviceTable {
	if pageSize < 1 {
		pageSize = 5
	}
	columns := []table.Column{
		table.NewColumn(columnKeyID, "Device", 18),
		table.NewColumn(columnKeyState, "State", 14),
		table.NewColumn(columnKeyPort, "Port", 16),
		table.NewColumn(columnKeyLines, "Lines", 9),
		table.NewColumn(columnKeyBytes, "Read", 9),
		table.NewFlexColumn(columnKeyReason, "Info", 1),
	}

	model := table.New(columns).
		Focused(true).
		WithPageSize(pageSize).
		HeaderStyle(theme.TableHeader).
		HighlightStyle(theme.TableCursor)

	return &DeviceTable{model: model, theme: theme}
}

func (t *DeviceTable) SetWidth(width int) {
	t.model = t.model.WithTargetWidth(width)
}

func (t *DeviceTable) SetPageSize(n int) {
	if n < 1 {
		n = 1
	}
	t.model = t.model.WithPageSize(n)
}

// SetDevices replaces the rows, keeping the highlight on the same device
// when it is still listed.
func (t *DeviceTable) SetDevices(rows []DeviceRow) {
	tableRows := make([]table.Row, 0, len(rows))
	ids := make([]string, 0, len(rows))
	highlight := 0

	for i, r := range rows {
		s := r.Snapshot
		if s.ID == t.selected {
			highlight = i
		}
		ids = append(ids, s.ID)

		info := s.Reason
		if s.Diagnostic != "" {
			info = s.Diagnostic
		}
		if info == "" {
			info = s.Product
		}

		tableRows = append(tableRows, table.NewRow(table.RowData{
			columnKeyID:     s.ID,
			columnKeyState:  table.NewStyledCell(styles.StateGlyph(s.State)+" "+s.State.String(), t.theme.State(s.State)),
			columnKeyPort:   s.Path,
			columnKeyLines:  humanize.Comma(int64(r.Stats.Lines)),
			columnKeyBytes:  humanize.Bytes(r.Stats.BytesRead),
			columnKeyReason: info,
		}))
	}

	t.ids = ids
	t.model = t.model.WithRows(tableRows).WithHighlightedRow(highlight)
	t.selected = t.Selected()
}

// Selected returns the highlighted device ID, or "" when the table is empty.
func (t *DeviceTable) Selected() string {
	if len(t.ids) == 0 {
		return ""
	}
	idx := t.model.GetHighlightedRowIndex()
	if idx < 0 || idx >= len(t.ids) {
		return ""
	}
	return t.ids[idx]
}

func (t *DeviceTable) Len() int {
	return len(t.ids)
}

// Update forwards navigation input and reports whether the highlighted
// device changed.
func (t *DeviceTable) Update(msg tea.Msg) (bool, tea.Cmd) {
	before := t.Selected()
	var cmd tea.Cmd
	t.model, cmd = t.model.Update(msg)
	t.selected = t.Selected()
	return t.selected != before, cmd
}

func (t *DeviceTable) View() string {
	return t.model.View()
}
