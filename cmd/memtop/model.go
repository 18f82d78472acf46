package main

import (
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/joshuapare/kmemkit/cmd/memtop/logger"
	"github.com/joshuapare/kmemkit/pkg/kmem"
)

// Pane identifies which pane has focus
type Pane int

const (
	BuddyPane Pane = iota
	SlabPane
)

// Model is the memtop TUI state
type Model struct {
	sys      *kmem.System
	cfg      Config
	workload *workload
	keys     KeyMap

	snap       kmem.Snapshot
	stats      workloadStats
	updated    time.Time
	buddyLines int

	buddyView   viewport.Model
	slabView    viewport.Model
	focusedPane Pane

	width, height int
	showHelp      bool

	statusMessage string
	statusIsError bool
}

// Messages
type tickMsg time.Time

type clearStatusMsg struct{}

// NewModel creates the TUI model for a booted system. The workload does
// not start until Init runs.
func NewModel(sys *kmem.System, cfg Config) Model {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	m := Model{
		sys:       sys,
		cfg:       cfg,
		workload:  newWorkload(sys, cfg.Stress),
		keys:      DefaultKeyMap(),
		buddyView: viewport.New(0, 0),
		slabView:  viewport.New(0, 0),
	}
	m.refresh()
	return m
}

// Init starts the workload and the refresh ticker
func (m Model) Init() tea.Cmd {
	if !m.cfg.NoWorkload {
		m.workload.Start()
	}
	return m.tick()
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.cfg.Interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// refresh takes a new snapshot and rerenders both panes.
func (m *Model) refresh() {
	snap, err := m.sys.Snapshot()
	if err != nil {
		logger.L.Warn("snapshot failed", "error", err)
		return
	}
	m.snap = snap
	m.stats = m.workload.Stats()
	m.updated = time.Now()
	buddy := strings.TrimSuffix(renderBuddy(m.snap), "\n")
	m.buddyLines = lipgloss.Height(buddy)
	m.buddyView.SetContent(buddy)
	m.slabView.SetContent(strings.TrimSuffix(renderSlabs(m.snap), "\n"))
}

// setStatus shows msg in the status bar and schedules its removal.
func (m *Model) setStatus(msg string, isError bool) tea.Cmd {
	m.statusMessage = msg
	m.statusIsError = isError
	return tea.Tick(3*time.Second, func(time.Time) tea.Msg { return clearStatusMsg{} })
}

// focused returns the viewport of the focused pane.
func (m *Model) focused() *viewport.Model {
	if m.focusedPane == SlabPane {
		return &m.slabView
	}
	return &m.buddyView
}

// Close stops the workload and shuts the system down
func (m Model) Close() error {
	m.workload.Stop()
	return m.sys.Close()
}
