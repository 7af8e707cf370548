package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allbin/probemon/internal/broadcast"
	"github.com/allbin/probemon/internal/capture"
	"github.com/allbin/probemon/internal/device"
	"github.com/allbin/probemon/internal/flash"
	"github.com/allbin/probemon/internal/logstore"
	"github.com/allbin/probemon/internal/tui/colors"
	"github.com/allbin/probemon/internal/tui/components"
	"github.com/allbin/probemon/internal/tui/keys"
	"github.com/allbin/probemon/internal/tui/styles"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Source is what the dashboard reads from and sends flash requests to.
// *service.Service implements it.
type Source interface {
	Devices() []device.Snapshot
	CaptureStats(id string) (capture.Stats, error)
	Subscribe(f broadcast.Filter) (*broadcast.Subscription, error)
	Tail(ctx context.Context, id string, stream logstore.Stream, n int) ([]logstore.Line, error)
	Flash(ctx context.Context, reqs []flash.Request) []flash.Submission
	Packs() ([]string, error)
}

// InputMode represents the current input mode (vim-like)
type InputMode int

const (
	InputModeNormal InputMode = iota
	InputModeFlash
)

func (m InputMode) String() string {
	switch m {
	case InputModeFlash:
		return "FLASH"
	default:
		return "NORMAL"
	}
}

type Options struct {
	Theme        styles.Theme
	Location     *time.Location
	Refresh      time.Duration
	HistoryLines int
	Capacity     int
	Now          func() time.Time
}

const (
	defaultRefresh      = time.Second
	defaultHistoryLines = 200
	tablePageSize       = 5
)

type tickMsg time.Time

type devicesMsg struct{ rows []components.DeviceRow }

type eventMsg broadcast.Event

// subscriptionEndedMsg carries why the live feed stopped.
type subscriptionEndedMsg struct{ err error }

type historyMsg struct {
	deviceID string
	entries  []components.Entry
	err      error
}

type flashSubmittedMsg struct{ sub flash.Submission }

type packsMsg struct {
	packs []string
	err   error
}

// Dashboard shows attached probes, the live output of the highlighted one
// and a prompt to flash it.
type Dashboard struct {
	ctx  context.Context
	src  Source
	opts Options

	sub       *broadcast.Subscription
	table     *components.DeviceTable
	formatter *components.Formatter
	views     map[string]*components.LineView
	statusBar *components.StatusBar
	prompt    *components.FlashPrompt
	help      help.Model
	keys      keys.DashboardKeys

	mode   InputMode
	width  int
	height int
	ready  bool
}

func NewDashboard(ctx context.Context, src Source, opts Options) (*Dashboard, error) {
	if opts.Theme.Palette == (colors.Palette{}) {
		opts.Theme = styles.Default
	}
	if opts.Refresh <= 0 {
		opts.Refresh = defaultRefresh
	}
	if opts.HistoryLines <= 0 {
		opts.HistoryLines = defaultHistoryLines
	}
	if opts.Capacity <= 0 {
		opts.Capacity = components.DefaultLineCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	sub, err := src.Subscribe(broadcast.Filter{})
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	return &Dashboard{
		ctx:       ctx,
		src:       src,
		opts:      opts,
		sub:       sub,
		table:     components.NewDeviceTable(opts.Theme, tablePageSize),
		formatter: components.NewFormatter(opts.Theme, opts.Location),
		views:     make(map[string]*components.LineView),
		statusBar: components.NewStatusBar(opts.Theme),
		prompt:    components.NewFlashPrompt(opts.Theme),
		help:      help.New(),
		keys:      keys.NewDashboardKeys(),
	}, nil
}

func (m *Dashboard) Init() tea.Cmd {
	return tea.Batch(m.refresh(), m.waitForEvent(m.sub), m.loadPacks(), m.tick())
}

// Close ends the live subscription.
func (m *Dashboard) Close() {
	if m.sub != nil {
		m.sub.Close()
	}
}

func (m *Dashboard) Mode() InputMode {
	return m.mode
}

// Selected returns the highlighted device ID.
func (m *Dashboard) Selected() string {
	return m.table.Selected()
}

func (m *Dashboard) tick() tea.Cmd {
	return tea.Tick(m.opts.Refresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Dashboard) refresh() tea.Cmd {
	src := m.src
	return func() tea.Msg {
		snaps := src.Devices()
		rows := make([]components.DeviceRow, 0, len(snaps))
		for _, s := range snaps {
			stats, _ := src.CaptureStats(s.ID)
			rows = append(rows, components.DeviceRow{Snapshot: s, Stats: stats})
		}
		return devicesMsg{rows: rows}
	}
}

func (m *Dashboard) waitForEvent(sub *broadcast.Subscription) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sub.Events()
		if !ok {
			return subscriptionEndedMsg{err: sub.Err()}
		}
		return eventMsg(ev)
	}
}

func (m *Dashboard) loadHistory(id string) tea.Cmd {
	ctx, src, n := m.ctx, m.src, m.opts.HistoryLines
	return func() tea.Msg {
		lines, err := src.Tail(ctx, id, logstore.StreamCapture, n)
		entries := make([]components.Entry, 0, len(lines))
		for _, l := range lines {
			entries = append(entries, components.EntryFromLine(l))
		}
		return historyMsg{deviceID: id, entries: entries, err: err}
	}
}

func (m *Dashboard) loadPacks() tea.Cmd {
	src := m.src
	return func() tea.Msg {
		packs, err := src.Packs()
		return packsMsg{packs: packs, err: err}
	}
}

func (m *Dashboard) submitFlash(req flash.Request) tea.Cmd {
	ctx, src := m.ctx, m.src
	return func() tea.Msg {
		subs := src.Flash(ctx, []flash.Request{req})
		if len(subs) == 0 {
			return flashSubmittedMsg{sub: flash.Submission{Err: errors.New("no submission returned")}}
		}
		return flashSubmittedMsg{sub: subs[0]}
	}
}

// view returns the line view of a device, creating it on first use. The
// returned command loads stored history into a new view.
func (m *Dashboard) view(id string) (*components.LineView, tea.Cmd) {
	if v, ok := m.views[id]; ok {
		return v, nil
	}
	v := components.NewLineView(m.formatter, m.opts.Capacity)
	v.SetSize(m.width, m.contentHeight())
	m.views[id] = v
	return v, m.loadHistory(id)
}

func (m *Dashboard) contentHeight() int {
	if m.height == 0 {
		return 0
	}
	used := lipgloss.Height(m.table.View()) + 1 // status bar
	used += lipgloss.Height(m.help.View(m.keys))
	used++ // content border
	if m.mode == InputModeFlash {
		used += 3
	}
	if h := m.height - used; h > 1 {
		return h
	}
	return 1
}

func (m *Dashboard) layout() {
	m.table.SetWidth(m.width)
	m.prompt.SetWidth(m.width)
	m.statusBar.SetWidth(m.width)
	m.help.Width = m.width
	h := m.contentHeight()
	for _, v := range m.views {
		v.SetSize(m.width, h)
	}
}

func (m *Dashboard) syncStatus() {
	id := m.table.Selected()
	if id == "" {
		m.statusBar.ClearDevice()
		m.statusBar.SetFollowing(true)
		return
	}
	for _, s := range m.src.Devices() {
		if s.ID == id {
			stats, _ := m.src.CaptureStats(id)
			m.statusBar.SetDevice(s, stats)
			break
		}
	}
	if v, ok := m.views[id]; ok {
		m.statusBar.SetFollowing(v.Following())
	}
}

func (m *Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.ready = true
		m.layout()

	case tickMsg:
		cmds = append(cmds, m.refresh(), m.tick())

	case devicesMsg:
		cmds = append(cmds, m.applyDevices(msg.rows)...)

	case eventMsg:
		ev := broadcast.Event(msg)
		v, cmd := m.view(ev.DeviceID)
		cmds = append(cmds, cmd)
		v.Add(components.EntryFromEvent(ev))
		if ev.Kind == broadcast.KindStatus {
			if ev.DeviceID == m.table.Selected() {
				m.statusBar.SetMessage(ev.Text, nil)
			}
			cmds = append(cmds, m.refresh())
		}
		cmds = append(cmds, m.waitForEvent(m.sub))

	case subscriptionEndedMsg:
		if errors.Is(msg.err, broadcast.ErrSlowSubscriber) {
			sub, err := m.src.Subscribe(broadcast.Filter{})
			if err != nil {
				m.statusBar.SetMessage("live feed lost", err)
				break
			}
			m.sub = sub
			m.statusBar.SetMessage("viewer fell behind, reloaded from disk", nil)
			cmds = append(cmds, m.waitForEvent(sub))
			for id := range m.views {
				cmds = append(cmds, m.loadHistory(id))
			}
			break
		}
		m.statusBar.SetMessage("live feed ended", msg.err)

	case historyMsg:
		if msg.err != nil {
			m.statusBar.SetMessage("loading history of "+msg.deviceID+" failed", msg.err)
			break
		}
		if v, ok := m.views[msg.deviceID]; ok {
			v.LoadHistory(msg.entries)
		}

	case packsMsg:
		if msg.err == nil {
			m.prompt.SetPacks(msg.packs)
		}

	case flashSubmittedMsg:
		if msg.sub.Err != nil {
			m.statusBar.SetMessage("flash rejected", msg.sub.Err)
			break
		}
		m.statusBar.SetMessage(fmt.Sprintf("flash job %s queued", msg.sub.Job.ID), nil)

	case tea.KeyMsg:
		if m.mode == InputModeFlash {
			return m, m.updateFlashMode(msg)
		}
		return m, m.updateNormalMode(msg)
	}

	return m, tea.Batch(cmds...)
}

func (m *Dashboard) applyDevices(rows []components.DeviceRow) []tea.Cmd {
	var cmds []tea.Cmd
	listed := make(map[string]bool, len(rows))
	for _, r := range rows {
		listed[r.Snapshot.ID] = true
		if _, cmd := m.view(r.Snapshot.ID); cmd != nil {
			cmds = append(cmds, cmd)
		}
	}
	for id := range m.views {
		if !listed[id] {
			delete(m.views, id)
		}
	}

	before := lipgloss.Height(m.table.View())
	m.table.SetDevices(rows)
	if lipgloss.Height(m.table.View()) != before {
		m.layout()
	}
	m.statusBar.SetDeviceCount(len(rows))
	if m.mode == InputModeFlash && m.table.Selected() == "" {
		m.leaveFlashMode()
	}
	m.syncStatus()
	return cmds
}

func (m *Dashboard) enterFlashMode() tea.Cmd {
	m.mode = InputModeFlash
	m.layout()
	return m.prompt.Focus()
}

func (m *Dashboard) leaveFlashMode() {
	m.mode = InputModeNormal
	m.prompt.Blur()
	m.prompt.Reset()
	m.layout()
}

func (m *Dashboard) updateFlashMode(msg tea.KeyMsg) tea.Cmd {
	switch {
	case msg.Type == tea.KeyCtrlC:
		m.Close()
		return tea.Quit
	case key.Matches(msg, m.keys.Escape):
		m.leaveFlashMode()
		return nil
	case msg.Type == tea.KeyUp:
		m.prompt.NavigateHistoryUp()
		return nil
	case msg.Type == tea.KeyDown:
		m.prompt.NavigateHistoryDown()
		return nil
	case key.Matches(msg, m.keys.Submit):
		id := m.table.Selected()
		image, pack, err := components.ParseFlashInput(m.prompt.Value())
		if err != nil {
			m.statusBar.SetMessage("invalid flash input", err)
			return nil
		}
		m.prompt.AddToHistory(m.prompt.Value())
		m.leaveFlashMode()
		m.statusBar.SetMessage("submitting flash of "+id, nil)
		return m.submitFlash(flash.Request{DeviceID: id, Image: image, Pack: pack})
	}
	return m.prompt.Update(msg)
}

func (m *Dashboard) updateNormalMode(msg tea.KeyMsg) tea.Cmd {
	id := m.table.Selected()
	v := m.views[id]

	switch {
	case key.Matches(msg, m.keys.Quit):
		m.Close()
		return tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		m.layout()
	case key.Matches(msg, m.keys.Flash):
		if id == "" {
			m.statusBar.SetMessage("no device to flash", nil)
			return nil
		}
		return m.enterFlashMode()
	case key.Matches(msg, m.keys.Clear):
		if v != nil {
			v.Clear()
		}
	case key.Matches(msg, m.keys.Timestamps):
		m.formatter.ToggleTimestamps()
		for _, lv := range m.views {
			lv.Refresh()
		}
	case key.Matches(msg, m.keys.Follow):
		if v != nil {
			v.SetFollow(true)
		}
	case key.Matches(msg, m.keys.ScrollUp):
		if v != nil {
			v.ScrollUp(m.contentHeight() / 2)
		}
	case key.Matches(msg, m.keys.ScrollDown):
		if v != nil {
			v.ScrollDown(m.contentHeight() / 2)
		}
	default:
		changed, cmd := m.table.Update(msg)
		if changed {
			m.statusBar.SetMessage("", nil)
		}
		m.syncStatus()
		return cmd
	}
	m.syncStatus()
	return nil
}

func (m *Dashboard) View() string {
	if !m.ready {
		return "Initializing..."
	}
	theme := m.opts.Theme

	var content string
	id := m.table.Selected()
	if v, ok := m.views[id]; ok && id != "" {
		content = v.View()
	} else {
		content = theme.Muted.Render("No probes attached. Waiting for devices...")
	}
	// Keep the content area a fixed height so the bars stay put.
	content = lipgloss.NewStyle().Height(m.contentHeight()).Render(content)

	parts := []string{
		m.table.View(),
		theme.ContentBorder.Width(m.width).Render(content),
	}
	if m.mode == InputModeFlash {
		parts = append(parts, m.prompt.View(id))
	}
	parts = append(parts,
		m.help.View(m.keys),
		m.statusBar.View(m.mode.String(), m.opts.Now()),
	)
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}
